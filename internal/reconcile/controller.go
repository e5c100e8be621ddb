// Package reconcile converges an optimistically inserted trace with the
// backend: it shows a placeholder, polls until the trace is readable or a
// deadline passes, then hands the list back to an authoritative reload.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"

	"k8s.io/utils/clock"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultDeadline     = 30 * time.Second
)

var (
	ErrReconcileInProgress = errors.New("a trace is already being reconciled")
	ErrEmptyTraceID        = errors.New("trace id cannot be empty")
	ErrClosed              = errors.New("reconciliation controller is closed")
)

type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
)

type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Prober checks whether a trace is readable. Any error counts as "not yet".
type Prober interface {
	FetchTraceDetails(ctx context.Context, id string) (*trace.Trace, error)
}

// Store is the list the placeholder lives in. Refresh must fetch data that
// is newer than the call, never a result already in flight.
type Store interface {
	InsertPending(item *trace.Trace)
	DropPending(id string) bool
	Refresh(ctx context.Context) error
}

// Recorder receives resolution metrics.
type Recorder interface {
	RecordReconcileOutcome(ctx context.Context, outcome string, probes int, elapsed time.Duration)
}

// Resolution describes how a pending trace ended.
type Resolution struct {
	TraceID   string
	Outcome   Outcome
	Probes    int
	Elapsed   time.Duration
	ReloadErr error
}

type Options struct {
	Clock        clock.WithTicker
	PollInterval time.Duration
	Deadline     time.Duration
	Logger       *slog.Logger
	Recorder     Recorder
	// OnResolved runs on the polling goroutine after the reload that
	// follows a confirmation or a timeout.
	OnResolved func(Resolution)
}

// Status is a snapshot of the controller.
type Status struct {
	State       State
	PendingID   string
	LastOutcome Outcome
}

// Controller reconciles at most one pending trace at a time.
type Controller struct {
	store      Store
	prober     Prober
	clock      clock.WithTicker
	interval   time.Duration
	deadline   time.Duration
	logger     *slog.Logger
	recorder   Recorder
	onResolved func(Resolution)

	ctx  context.Context
	stop context.CancelFunc

	mu         sync.Mutex
	state      State
	pendingID  string
	generation uint64
	last       Outcome
	closed     bool
	// done closes when the latest polling goroutine and every earlier one
	// have exited.
	done chan struct{}
}

func New(store Store, prober Prober, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Controller{
		store:      store,
		prober:     prober,
		clock:      opts.Clock,
		interval:   opts.PollInterval,
		deadline:   opts.Deadline,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		onResolved: opts.OnResolved,
		ctx:        ctx,
		stop:       stop,
		state:      StateIdle,
	}
}

// Placeholder builds the synthetic record shown while id is pending.
func Placeholder(id string, now time.Time) *trace.Trace {
	short := id
	if len(short) > 7 {
		short = short[:7]
	}
	return &trace.Trace{
		ID:          id,
		Name:        "Creating trace " + short + "...",
		Timestamp:   now,
		Input:       "Pending...",
		Output:      "Pending...",
		UserID:      "...",
		Environment: trace.DefaultEnvironment,
		LatencySec:  trace.Float64(0),
		Pending:     true,
	}
}

// Begin inserts a placeholder for id and starts polling. The placeholder is
// in the store and both timers are armed when Begin returns.
func (c *Controller) Begin(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyTraceID
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.state == StatePending {
		return ErrReconcileInProgress
	}

	c.generation++
	gen := c.generation
	c.state = StatePending
	c.pendingID = id

	started := c.clock.Now()
	ticker := c.clock.NewTicker(c.interval)
	timer := c.clock.NewTimer(c.deadline)
	c.store.InsertPending(Placeholder(id, started))

	prev := c.done
	c.done = make(chan struct{})
	go c.poll(gen, id, started, ticker, timer, prev, c.done)
	c.logger.Debug("reconcile started", "trace_id", id, "interval", c.interval, "deadline", c.deadline)
	return nil
}

func (c *Controller) poll(gen uint64, id string, started time.Time, ticker clock.Ticker, timer clock.Timer, prev <-chan struct{}, done chan<- struct{}) {
	defer func() {
		if prev != nil {
			<-prev
		}
		close(done)
	}()
	defer ticker.Stop()
	defer timer.Stop()

	deadlineAt := started.Add(c.deadline)
	probes := 0
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-timer.C():
			c.resolve(gen, id, OutcomeTimedOut, probes, started)
			return
		case <-ticker.C():
			// The deadline wins a tie with the tick that lands on it.
			if !c.clock.Now().Before(deadlineAt) {
				c.resolve(gen, id, OutcomeTimedOut, probes, started)
				return
			}
			probes++
			err := c.probe(id, deadlineAt)
			if c.ctx.Err() != nil {
				return
			}
			// A probe still running when the deadline passed lost the race.
			if !c.clock.Now().Before(deadlineAt) {
				c.resolve(gen, id, OutcomeTimedOut, probes, started)
				return
			}
			if err != nil {
				c.logger.Debug("reconcile probe missed", "trace_id", id, "probe", probes, "error", err)
				continue
			}
			c.resolve(gen, id, OutcomeConfirmed, probes, started)
			return
		}
	}
}

// probe asks the backend for id, giving up when the deadline passes.
func (c *Controller) probe(id string, deadlineAt time.Time) error {
	ctx, cancel := context.WithTimeout(c.ctx, deadlineAt.Sub(c.clock.Now()))
	defer cancel()
	_, err := c.prober.FetchTraceDetails(ctx, id)
	return err
}

// resolve is a no-op unless gen is still current, so only one of the
// racing timers ever completes a pending trace. A confirmed placeholder
// stays until a refresh has loaded the real record; a timed out one is
// dropped regardless.
func (c *Controller) resolve(gen uint64, id string, outcome Outcome, probes int, started time.Time) {
	c.mu.Lock()
	if c.generation != gen || c.state != StatePending {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.state = StateIdle
	c.pendingID = ""
	c.last = outcome
	c.mu.Unlock()

	var reloadErr error
	if outcome == OutcomeConfirmed {
		if reloadErr = c.store.Refresh(c.ctx); reloadErr == nil {
			c.store.DropPending(id)
		}
	} else {
		c.store.DropPending(id)
		reloadErr = c.store.Refresh(c.ctx)
	}

	res := Resolution{
		TraceID:   id,
		Outcome:   outcome,
		Probes:    probes,
		Elapsed:   c.clock.Since(started),
		ReloadErr: reloadErr,
	}
	level := slog.LevelInfo
	if outcome == OutcomeTimedOut {
		level = slog.LevelWarn
	}
	c.logger.Log(c.ctx, level, "reconcile resolved",
		"trace_id", id,
		"outcome", string(outcome),
		"probes", probes,
		"elapsed", res.Elapsed,
		"reload_error", errString(reloadErr),
	)
	if c.recorder != nil {
		c.recorder.RecordReconcileOutcome(c.ctx, string(outcome), probes, res.Elapsed)
	}
	if c.onResolved != nil {
		c.onResolved(res)
	}
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, PendingID: c.pendingID, LastOutcome: c.last}
}

// Wait blocks until every polling goroutine started so far has exited.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close cancels any pending reconciliation without touching the store and
// returns once both timers are stopped.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.state == StatePending {
		c.generation++
		c.state = StateIdle
		c.pendingID = ""
		c.last = OutcomeCancelled
	}
	c.mu.Unlock()

	c.stop()
	c.Wait()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
