package tracelist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"
)

type stubFetcher struct {
	mu    sync.Mutex
	items []*trace.Trace
	err   error
	calls atomic.Int32
	gate  chan struct{}
}

func (f *stubFetcher) FetchTraces(context.Context) ([]*trace.Trace, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.items, nil
}

func (f *stubFetcher) set(items []*trace.Trace, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = items
	f.err = err
}

func snapshotIDs(s *Store) []string {
	var ids []string
	for _, item := range s.Snapshot() {
		ids = append(ids, item.ID)
	}
	return ids
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestReloadReplacesAndNormalizesEnvironment(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{items: []*trace.Trace{
		{ID: "a", Environment: "prod"},
		{ID: "b"},
		{ID: "c", Environment: "prod", IsFavorited: true},
	}}
	store := New(fetcher, nil)
	if err := store.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	if ids := snapshotIDs(store); !equalIDs(ids, "a", "b", "c") {
		t.Fatalf("ids=%v", ids)
	}
	if envs := store.Environments(); !equalIDs(envs, "prod", "default") {
		t.Fatalf("environments=%v, want [prod default]", envs)
	}
	if got, _ := store.Find("c"); !got.IsFavorited {
		t.Fatal("favorite flag not initialised from record")
	}
	if !store.Loaded() {
		t.Fatal("Loaded()=false after successful reload")
	}
}

func TestReloadFailureKeepsPreviousData(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{items: []*trace.Trace{{ID: "a"}}}
	store := New(fetcher, nil)
	if err := store.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	version := store.Version()

	backendErr := errors.New("connection refused")
	fetcher.set(nil, backendErr)
	err := store.Reload(context.Background())
	if !errors.Is(err, ErrFetchFailed) || !errors.Is(err, backendErr) {
		t.Fatalf("Reload() error=%v, want ErrFetchFailed wrapping backend error", err)
	}
	if ids := snapshotIDs(store); !equalIDs(ids, "a") {
		t.Fatalf("ids after failed reload=%v, want [a]", ids)
	}
	if store.Version() != version {
		t.Fatal("failed reload must not bump version")
	}
}

func TestPendingPlaceholderIsFirstUntilReplaced(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{items: []*trace.Trace{{ID: "old"}}}
	store := New(fetcher, nil)
	if err := store.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	store.InsertPending(&trace.Trace{ID: "tr_1", Name: "Creating trace tr_1..."})
	if ids := snapshotIDs(store); !equalIDs(ids, "tr_1", "old") {
		t.Fatalf("ids=%v, want placeholder first", ids)
	}
	if first := store.Snapshot()[0]; !first.Pending {
		t.Fatal("placeholder must be flagged pending")
	}

	// A reload that already includes the trace hides the placeholder even
	// before it is dropped.
	fetcher.set([]*trace.Trace{{ID: "tr_1"}, {ID: "old"}}, nil)
	if err := store.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	snapshot := store.Snapshot()
	if len(snapshot) != 2 || snapshot[0].Pending {
		t.Fatalf("snapshot=%+v, want authoritative records only", snapshot)
	}
	if store.DropPending("other") {
		t.Fatal("DropPending(other) removed the placeholder")
	}
	if !store.DropPending("tr_1") {
		t.Fatal("DropPending(tr_1)=false")
	}
	if _, ok := store.Pending(); ok {
		t.Fatal("placeholder still present")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{items: []*trace.Trace{{ID: "tr_1"}, {ID: "tr_2"}, {ID: "tr_3"}}}
	store := New(fetcher, nil)
	if err := store.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !store.Remove("tr_2") {
		t.Fatal("Remove(tr_2)=false")
	}
	if store.Remove("tr_2") {
		t.Fatal("second Remove(tr_2)=true")
	}
	if _, ok := store.Find("tr_2"); ok {
		t.Fatal("tr_2 still present")
	}
	if store.Len() != 2 {
		t.Fatalf("Len()=%d, want 2", store.Len())
	}
}

func TestFavorites(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{items: []*trace.Trace{{ID: "a"}, {ID: "b", IsFavorited: true}}}
	store := New(fetcher, nil)
	if err := store.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	on, err := store.ToggleFavorite("a")
	if err != nil || !on {
		t.Fatalf("ToggleFavorite(a)=(%t,%v), want (true,nil)", on, err)
	}
	if _, err := store.ToggleFavorite("missing"); !errors.Is(err, trace.ErrNotFound) {
		t.Fatalf("ToggleFavorite(missing) error=%v, want ErrNotFound", err)
	}

	// Everything is on, so toggling all clears them.
	if store.ToggleAllFavorites() {
		t.Fatal("ToggleAllFavorites()=true, want false when all were on")
	}
	for _, item := range store.Snapshot() {
		if item.IsFavorited {
			t.Fatalf("%s still favorited", item.ID)
		}
	}
	if !store.ToggleAllFavorites() {
		t.Fatal("ToggleAllFavorites()=false, want true")
	}

	// Reload resets favorites from the backend records.
	if err := store.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.Find("a"); got.IsFavorited {
		t.Fatal("favorite survived reload")
	}
}

func TestConcurrentReloadsShareOneFetch(t *testing.T) {
	t.Parallel()

	fetcher := &stubFetcher{items: []*trace.Trace{{ID: "a"}}, gate: make(chan struct{})}
	store := New(fetcher, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := store.Reload(context.Background()); err != nil {
				t.Errorf("Reload() error: %v", err)
			}
		}()
	}

	// Let every caller reach singleflight before releasing the fetch.
	deadline := time.Now().Add(2 * time.Second)
	for fetcher.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(fetcher.gate)
	wg.Wait()

	if calls := fetcher.calls.Load(); calls < 1 || calls > 5 {
		t.Fatalf("fetch calls=%d", calls)
	}
	if ids := snapshotIDs(store); !equalIDs(ids, "a") {
		t.Fatalf("ids=%v", ids)
	}
}

// orderedFetcher answers the n-th fetch with responses[n-1], blocking first
// on gates[n-1] when one is set.
type orderedFetcher struct {
	mu        sync.Mutex
	calls     int
	responses [][]*trace.Trace
	gates     map[int]chan struct{}
	started   chan int
}

func (f *orderedFetcher) FetchTraces(context.Context) ([]*trace.Trace, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	gate := f.gates[call]
	f.mu.Unlock()
	f.started <- call
	if gate != nil {
		<-gate
	}
	return f.responses[call-1], nil
}

func TestRefreshStartsFreshFetchAndWinsOverStaleReload(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	fetcher := &orderedFetcher{
		responses: [][]*trace.Trace{
			{{ID: "seed"}},
			{{ID: "old"}},
			{{ID: "tr_1"}, {ID: "old"}},
		},
		gates:   map[int]chan struct{}{2: gate},
		started: make(chan int, 8),
	}
	store := New(fetcher, nil)
	if err := store.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-fetcher.started

	staleDone := make(chan error, 1)
	go func() { staleDone <- store.Reload(context.Background()) }()
	if call := <-fetcher.started; call != 2 {
		t.Fatalf("in-flight fetch call=%d, want 2", call)
	}

	if err := store.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if ids := snapshotIDs(store); !equalIDs(ids, "tr_1", "old") {
		t.Fatalf("ids after Refresh=%v, want [tr_1 old]", ids)
	}

	close(gate)
	if err := <-staleDone; err != nil {
		t.Fatalf("stale Reload() error: %v", err)
	}
	if ids := snapshotIDs(store); !equalIDs(ids, "tr_1", "old") {
		t.Fatalf("ids after stale reload landed=%v, want [tr_1 old]", ids)
	}
}
