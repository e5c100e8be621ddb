// Package console is the operator-facing trace list: it owns the trace
// collection, the reconciliation of newly created traces and the filter
// inputs that derive the visible subset.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/tracedesk/internal/filter"
	"github.com/ongoingai/tracedesk/internal/reconcile"
	"github.com/ongoingai/tracedesk/internal/trace"
	"github.com/ongoingai/tracedesk/internal/tracelist"

	"k8s.io/utils/clock"
)

type Options struct {
	PollInterval time.Duration
	Deadline     time.Duration
	Clock        clock.WithTicker
	Logger       *slog.Logger
	Recorder     reconcile.Recorder
	Notifier     Notifier
	// ApplyClauses enables the clause stage after the time range stage.
	ApplyClauses bool
	// Confirm is asked before destructive operations. Nil confirms.
	Confirm func(prompt string) bool
}

// View is safe for concurrent use.
type View struct {
	backend  Backend
	store    *tracelist.Store
	ctrl     *reconcile.Controller
	pipeline filter.Pipeline
	clock    clock.Clock
	logger   *slog.Logger
	notifier Notifier
	confirm  func(string) bool

	mu       sync.Mutex
	clauses  *filter.ClauseBuilder
	query    string
	mode     filter.SearchMode
	envs     []string
	window   filter.TimeRange
	comments map[string][]trace.Comment
}

func New(backend Backend, opts Options) *View {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Notifier == nil {
		opts.Notifier = discardNotifier{}
	}
	if opts.Confirm == nil {
		opts.Confirm = func(string) bool { return true }
	}

	v := &View{
		backend:  backend,
		store:    tracelist.New(backend, opts.Logger),
		pipeline: filter.Pipeline{Clauses: filter.ClauseStage{Enabled: opts.ApplyClauses}},
		clock:    opts.Clock,
		logger:   opts.Logger,
		notifier: opts.Notifier,
		confirm:  opts.Confirm,
		clauses:  filter.NewClauseBuilder(),
		mode:     filter.SearchIDsNames,
		comments: make(map[string][]trace.Comment),
	}
	v.ctrl = reconcile.New(v.store, backend, reconcile.Options{
		Clock:        opts.Clock,
		PollInterval: opts.PollInterval,
		Deadline:     opts.Deadline,
		Logger:       opts.Logger,
		Recorder:     opts.Recorder,
		OnResolved:   v.onResolved,
	})
	return v
}

// Load replaces the collection from the backend.
func (v *View) Load(ctx context.Context) error {
	if err := v.store.Reload(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
		v.notify(Notice{Level: LevelError, Message: "Failed to load traces", Err: err})
		return err
	}
	return nil
}

// Create records a new trace and starts reconciling it. It returns the id
// the backend assigned.
func (v *View) Create(ctx context.Context, req trace.CreateRequest) (string, error) {
	if strings.TrimSpace(req.Input) == "" {
		return "", ErrUserCancelled
	}
	id, err := v.backend.CreateTrace(ctx, req)
	if err != nil {
		err = fmt.Errorf("%w: create trace: %w", ErrBackendUnavailable, err)
		v.notify(Notice{Level: LevelError, Message: "Failed to create trace", Err: err})
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrUserCancelled
	}
	if err := v.ctrl.Begin(id); err != nil {
		return id, fmt.Errorf("reconcile trace %s: %w", id, err)
	}
	v.notify(Notice{Level: LevelInfo, Message: "Trace created", TraceID: id})
	return id, nil
}

// Delete removes a trace from the backend and then from the local list.
func (v *View) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrUserCancelled
	}
	if !v.confirm(fmt.Sprintf("Are you sure you want to delete trace %s?", id)) {
		return ErrUserCancelled
	}
	if err := v.backend.DeleteTrace(ctx, id); err != nil {
		if !errors.Is(err, trace.ErrNotFound) {
			err = fmt.Errorf("%w: delete trace: %w", ErrBackendUnavailable, err)
		}
		v.notify(Notice{Level: LevelError, Message: "Failed to delete trace", TraceID: id, Err: err})
		return err
	}
	v.store.Remove(id)
	v.mu.Lock()
	delete(v.comments, commentKey(trace.CommentObjectTrace, id))
	v.mu.Unlock()
	v.notify(Notice{Level: LevelInfo, Message: "Trace deleted successfully", TraceID: id})
	return nil
}

// UpdateMetadata merges patch into a listed trace's metadata and reloads.
func (v *View) UpdateMetadata(ctx context.Context, id string, patch map[string]any) (*trace.Trace, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrUserCancelled
	}
	if _, ok := v.store.Find(id); !ok {
		err := fmt.Errorf("update trace %s: %w", id, trace.ErrNotFound)
		v.notify(Notice{Level: LevelError, Message: "Trace not found", TraceID: id, Err: err})
		return nil, err
	}
	updated, err := v.backend.UpdateTraceMetadata(ctx, id, patch)
	if err != nil {
		if !errors.Is(err, trace.ErrNotFound) {
			err = fmt.Errorf("%w: update trace: %w", ErrBackendUnavailable, err)
		}
		v.notify(Notice{Level: LevelError, Message: "Failed to update trace", TraceID: id, Err: err})
		return nil, err
	}
	if err := v.Load(ctx); err != nil {
		return updated, err
	}
	v.notify(Notice{Level: LevelInfo, Message: "Trace updated", TraceID: id})
	return updated, nil
}

// Visible derives the filtered list from the full collection.
func (v *View) Visible() []*trace.Trace {
	items := v.store.Snapshot()
	v.mu.Lock()
	in := filter.Inputs{
		Query:        v.query,
		Mode:         v.mode,
		Environments: append([]string(nil), v.envs...),
		Range:        v.window,
		Clauses:      v.clauses.Clauses(),
	}
	v.mu.Unlock()
	return v.pipeline.Apply(items, in)
}

// All returns the unfiltered collection, placeholder first.
func (v *View) All() []*trace.Trace {
	return v.store.Snapshot()
}

func (v *View) Find(id string) (*trace.Trace, bool) {
	return v.store.Find(id)
}

func (v *View) Environments() []string {
	return v.store.Environments()
}

func (v *View) SetQuery(query string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.query = query
}

func (v *View) SetSearchMode(mode filter.SearchMode) error {
	for _, known := range filter.SearchModes() {
		if known == mode {
			v.mu.Lock()
			v.mode = mode
			v.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("unknown search mode %q", mode)
}

// SetEnvironments replaces the selection. An empty selection shows every
// environment.
func (v *View) SetEnvironments(envs ...string) {
	selected := make([]string, 0, len(envs))
	for _, env := range envs {
		if env = strings.TrimSpace(env); env != "" {
			selected = append(selected, env)
		}
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.envs = selected
}

// ToggleEnvironment adds env to the selection or removes it.
func (v *View) ToggleEnvironment(env string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, selected := range v.envs {
		if selected == env {
			v.envs = append(v.envs[:i:i], v.envs[i+1:]...)
			return false
		}
	}
	v.envs = append(v.envs, env)
	return true
}

func (v *View) SetTimeRange(r filter.TimeRange) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.window = r
}

// SetPreset anchors a named preset at the current time.
func (v *View) SetPreset(name string) (filter.TimeRange, error) {
	preset, err := filter.ParsePreset(name)
	if err != nil {
		return filter.TimeRange{}, err
	}
	r := preset.Resolve(v.clock.Now())
	v.SetTimeRange(r)
	return r, nil
}

func (v *View) ClearTimeRange() {
	v.SetTimeRange(filter.TimeRange{})
}

func (v *View) Clauses() []filter.Clause {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clauses.Clauses()
}

func (v *View) AddClause() filter.Clause {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clauses.Add()
}

func (v *View) AppendClause(clause filter.Clause) (filter.Clause, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clauses.Append(clause)
}

func (v *View) RemoveClause(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clauses.Remove(id)
}

func (v *View) UpdateClause(id, field, value string) (filter.Clause, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clauses.Update(id, field, value)
}

func (v *View) ResetClauses() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.clauses.Reset()
}

func (v *View) ActiveClauseCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.clauses.ActiveCount()
}

func (v *View) ToggleFavorite(id string) (bool, error) {
	return v.store.ToggleFavorite(id)
}

func (v *View) ToggleAllFavorites() bool {
	return v.store.ToggleAllFavorites()
}

// Comments fetches the comments on an object and caches them.
func (v *View) Comments(ctx context.Context, objectType, objectID string) ([]trace.Comment, error) {
	items, err := v.backend.ListComments(ctx, objectType, objectID)
	if err != nil {
		err = fmt.Errorf("%w: list comments: %w", ErrBackendUnavailable, err)
		v.notify(Notice{Level: LevelError, Message: "Failed to load comments", TraceID: objectID, Err: err})
		return nil, err
	}
	v.mu.Lock()
	v.comments[commentKey(objectType, objectID)] = items
	v.mu.Unlock()
	return append([]trace.Comment(nil), items...), nil
}

// CachedComments returns the comments from the last fetch for an object.
func (v *View) CachedComments(objectType, objectID string) []trace.Comment {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]trace.Comment(nil), v.comments[commentKey(objectType, objectID)]...)
}

// AddComment posts content and returns the refreshed comment list.
func (v *View) AddComment(ctx context.Context, objectType, objectID, authorUserID, content string) ([]trace.Comment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrUserCancelled
	}
	_, err := v.backend.CreateComment(ctx, trace.Comment{
		ObjectType:   objectType,
		ObjectID:     objectID,
		AuthorUserID: authorUserID,
		Content:      content,
	})
	if err != nil {
		err = fmt.Errorf("%w: create comment: %w", ErrBackendUnavailable, err)
		v.notify(Notice{Level: LevelError, Message: "Failed to add comment", TraceID: objectID, Err: err})
		return nil, err
	}
	return v.Comments(ctx, objectType, objectID)
}

// RemoveComment deletes a comment and returns the refreshed comment list.
func (v *View) RemoveComment(ctx context.Context, objectType, objectID, commentID string) ([]trace.Comment, error) {
	if strings.TrimSpace(commentID) == "" {
		return nil, ErrUserCancelled
	}
	if err := v.backend.DeleteComment(ctx, commentID); err != nil {
		if !errors.Is(err, trace.ErrNotFound) {
			err = fmt.Errorf("%w: delete comment: %w", ErrBackendUnavailable, err)
		}
		v.notify(Notice{Level: LevelError, Message: "Failed to delete comment", TraceID: objectID, Err: err})
		return nil, err
	}
	return v.Comments(ctx, objectType, objectID)
}

func (v *View) Status() reconcile.Status {
	return v.ctrl.Status()
}

// Wait blocks until a running reconciliation has resolved.
func (v *View) Wait() {
	v.ctrl.Wait()
}

// Close stops any pending reconciliation. The list is left as is.
func (v *View) Close() {
	v.ctrl.Close()
}

func (v *View) onResolved(res reconcile.Resolution) {
	switch res.Outcome {
	case reconcile.OutcomeTimedOut:
		v.notify(Notice{
			Level:   LevelWarning,
			Message: fmt.Sprintf("Trace %s confirmation failed, refresh manually", res.TraceID),
			TraceID: res.TraceID,
		})
	case reconcile.OutcomeConfirmed:
		v.logger.Info("trace confirmed", "trace_id", res.TraceID, "probes", res.Probes)
	}
	if res.ReloadErr != nil {
		err := fmt.Errorf("%w: %w", ErrBackendUnavailable, res.ReloadErr)
		v.notify(Notice{Level: LevelError, Message: "Failed to reload traces", TraceID: res.TraceID, Err: err})
	}
}

func (v *View) notify(n Notice) {
	if n.Level == LevelError {
		v.logger.Warn(n.Message, "trace_id", n.TraceID, "error", n.Err)
	}
	v.notifier.Notify(n)
}

func commentKey(objectType, objectID string) string {
	return objectType + "/" + objectID
}
