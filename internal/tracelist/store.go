// Package tracelist holds the console's authoritative trace collection and
// the single optimistic placeholder layered on top of it.
package tracelist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/ongoingai/tracedesk/internal/trace"

	"golang.org/x/sync/singleflight"
)

// ErrFetchFailed wraps reload failures. The store keeps its previous data.
var ErrFetchFailed = errors.New("trace list fetch failed")

// Fetcher loads the full trace collection.
type Fetcher interface {
	FetchTraces(ctx context.Context) ([]*trace.Trace, error)
}

// Store is safe for concurrent use. Records are only replaced wholesale by
// Reload, removed one by one after a confirmed deletion, or shadowed by the
// pending placeholder.
type Store struct {
	fetcher Fetcher
	logger  *slog.Logger
	reloads singleflight.Group

	mu        sync.RWMutex
	records   []*trace.Trace
	pending   *trace.Trace
	favorites map[string]bool
	version   uint64
	loaded    bool

	// epoch keys the shared fetch; applied is the epoch of the records.
	epoch   uint64
	applied uint64
}

func New(fetcher Fetcher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fetcher:   fetcher,
		logger:    logger,
		favorites: make(map[string]bool),
	}
}

// Reload replaces the collection from the fetcher. Concurrent calls share
// one fetch.
func (s *Store) Reload(ctx context.Context) error {
	s.mu.RLock()
	epoch := s.epoch
	s.mu.RUnlock()
	return s.fetch(ctx, epoch)
}

// Refresh is Reload for callers that need data newer than the call itself:
// it never joins a fetch that was already in flight. Later Reload calls
// share the fetch it starts.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.epoch++
	epoch := s.epoch
	s.mu.Unlock()
	return s.fetch(ctx, epoch)
}

func (s *Store) fetch(ctx context.Context, epoch uint64) error {
	key := strconv.FormatUint(epoch, 10)
	_, err, shared := s.reloads.Do(key, func() (any, error) {
		items, err := s.fetcher.FetchTraces(ctx)
		if err != nil {
			return nil, err
		}
		s.replace(items, epoch)
		return nil, nil
	})
	if err != nil {
		s.logger.Warn("trace list reload failed", "error", err, "shared", shared)
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return nil
}

// replace installs items unless a fetch from a later epoch already landed.
func (s *Store) replace(items []*trace.Trace, epoch uint64) {
	records := make([]*trace.Trace, 0, len(items))
	favorites := make(map[string]bool, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		record := item.Clone()
		record.Environment = trace.EnvironmentOf(record)
		record.Pending = false
		records = append(records, record)
		favorites[record.ID] = record.IsFavorited
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded && epoch < s.applied {
		s.logger.Debug("discarding superseded trace list fetch", "epoch", epoch, "applied", s.applied)
		return
	}
	s.applied = epoch
	s.records = records
	s.favorites = favorites
	s.loaded = true
	s.version++
}

// InsertPending shows item ahead of every record until DropPending or a
// reload that contains the same id.
func (s *Store) InsertPending(item *trace.Trace) {
	if item == nil {
		return
	}
	record := item.Clone()
	record.Pending = true
	record.Environment = trace.EnvironmentOf(record)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = record
	s.version++
}

// DropPending removes the placeholder if it belongs to id.
func (s *Store) DropPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil || s.pending.ID != id {
		return false
	}
	s.pending = nil
	s.version++
	return true
}

// Remove deletes the record with id and reports whether it was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	kept := s.records[:0:0]
	for _, record := range s.records {
		if record.ID == id {
			removed = true
			continue
		}
		kept = append(kept, record)
	}
	if s.pending != nil && s.pending.ID == id {
		s.pending = nil
		removed = true
	}
	if removed {
		s.records = kept
		delete(s.favorites, id)
		s.version++
	}
	return removed
}

// Snapshot returns copies of the visible records, placeholder first. Once
// a reload has delivered the real record the placeholder is hidden.
func (s *Store) Snapshot() []*trace.Trace {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*trace.Trace, 0, len(s.records)+1)
	if s.pending != nil && s.indexLocked(s.pending.ID) < 0 {
		out = append(out, s.pending.Clone())
	}
	for _, record := range s.records {
		clone := record.Clone()
		clone.IsFavorited = s.favorites[record.ID]
		out = append(out, clone)
	}
	return out
}

// Find returns a copy of the record with id, including the placeholder.
func (s *Store) Find(id string) (*trace.Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		clone := s.records[i].Clone()
		clone.IsFavorited = s.favorites[id]
		return clone, true
	}
	if s.pending != nil && s.pending.ID == id {
		return s.pending.Clone(), true
	}
	return nil, false
}

func (s *Store) indexLocked(id string) int {
	for i, record := range s.records {
		if record.ID == id {
			return i
		}
	}
	return -1
}

// Pending returns the placeholder, if any.
func (s *Store) Pending() (*trace.Trace, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return nil, false
	}
	return s.pending.Clone(), true
}

// Environments lists distinct environments of the visible records in
// first-seen order.
func (s *Store) Environments() []string {
	items := s.Snapshot()
	seen := make(map[string]struct{}, len(items))
	envs := make([]string, 0, 4)
	for _, item := range items {
		env := trace.EnvironmentOf(item)
		if _, ok := seen[env]; ok {
			continue
		}
		seen[env] = struct{}{}
		envs = append(envs, env)
	}
	return envs
}

// ToggleFavorite flips the favorite flag of a loaded record.
func (s *Store) ToggleFavorite(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(id) < 0 {
		return false, fmt.Errorf("toggle favorite %q: %w", id, trace.ErrNotFound)
	}
	s.favorites[id] = !s.favorites[id]
	s.version++
	return s.favorites[id], nil
}

// ToggleAllFavorites favorites every record unless all already are, in
// which case it clears them all. It returns the new state.
func (s *Store) ToggleAllFavorites() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	allOn := len(s.records) > 0
	for _, record := range s.records {
		if !s.favorites[record.ID] {
			allOn = false
			break
		}
	}
	target := !allOn
	for _, record := range s.records {
		s.favorites[record.ID] = target
	}
	s.version++
	return target
}

// Len counts visible records, placeholder included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.records)
	if s.pending != nil && s.indexLocked(s.pending.ID) < 0 {
		n++
	}
	return n
}

// Loaded reports whether at least one reload succeeded.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Version increases on every mutation so callers can cache derived views.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
