package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"
	"github.com/ongoingai/tracedesk/internal/tracelist"

	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"
)

// trackingClock counts timers and tickers that were created but not
// stopped. The fake clock keeps stopped tickers registered, so HasWaiters
// cannot tell.
type trackingClock struct {
	*clocktesting.FakeClock

	mu   sync.Mutex
	live int
}

func newTrackingClock() *trackingClock {
	return &trackingClock{FakeClock: clocktesting.NewFakeClock(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))}
}

func (c *trackingClock) add(delta int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live += delta
}

func (c *trackingClock) liveTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *trackingClock) NewTicker(d time.Duration) clock.Ticker {
	c.add(1)
	return &trackedTicker{Ticker: c.FakeClock.NewTicker(d), owner: c}
}

func (c *trackingClock) NewTimer(d time.Duration) clock.Timer {
	c.add(1)
	return &trackedTimer{Timer: c.FakeClock.NewTimer(d), owner: c}
}

type trackedTicker struct {
	clock.Ticker
	owner *trackingClock
	once  sync.Once
}

func (t *trackedTicker) Stop() {
	t.once.Do(func() { t.owner.add(-1) })
	t.Ticker.Stop()
}

type trackedTimer struct {
	clock.Timer
	owner *trackingClock
	once  sync.Once
}

func (t *trackedTimer) Stop() bool {
	t.once.Do(func() { t.owner.add(-1) })
	return t.Timer.Stop()
}

type fakeStore struct {
	mu      sync.Mutex
	pending *trace.Trace
	dropped []string
	reloads int
	reload  error
}

func (s *fakeStore) InsertPending(item *trace.Trace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = item
}

func (s *fakeStore) DropPending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped = append(s.dropped, id)
	if s.pending == nil || s.pending.ID != id {
		return false
	}
	s.pending = nil
	return true
}

func (s *fakeStore) Refresh(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return s.reload
}

func (s *fakeStore) snapshot() (*trace.Trace, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.reloads
}

// scriptedProber succeeds from the succeedOn-th call onward (never when
// zero) and signals every call on probed. The holdOn-th call blocks until
// release is closed.
type scriptedProber struct {
	mu        sync.Mutex
	calls     int
	succeedOn int
	holdOn    int
	release   chan struct{}
	probed    chan int
}

func newScriptedProber(succeedOn int) *scriptedProber {
	return &scriptedProber{succeedOn: succeedOn, probed: make(chan int, 64), release: make(chan struct{})}
}

func (p *scriptedProber) FetchTraceDetails(_ context.Context, id string) (*trace.Trace, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	p.probed <- call
	if call == p.holdOn {
		<-p.release
	}
	if p.succeedOn > 0 && call >= p.succeedOn {
		return &trace.Trace{ID: id}, nil
	}
	return nil, trace.ErrNotFound
}

func (p *scriptedProber) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProber) awaitProbe(t *testing.T) int {
	t.Helper()
	select {
	case call := <-p.probed:
		return call
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for probe")
		return 0
	}
}

type harness struct {
	clock    *trackingClock
	store    *fakeStore
	prober   *scriptedProber
	ctrl     *Controller
	resolved chan Resolution
}

func newHarness(t *testing.T, succeedOn int) *harness {
	t.Helper()

	h := &harness{
		clock:    newTrackingClock(),
		store:    &fakeStore{},
		prober:   newScriptedProber(succeedOn),
		resolved: make(chan Resolution, 4),
	}
	h.ctrl = New(h.store, h.prober, Options{
		Clock:      h.clock,
		OnResolved: func(r Resolution) { h.resolved <- r },
	})
	t.Cleanup(h.ctrl.Close)
	return h
}

// stepAndProbe advances one poll interval and waits for the probe it
// triggers.
func (h *harness) stepAndProbe(t *testing.T) int {
	t.Helper()
	h.clock.Step(DefaultPollInterval)
	return h.prober.awaitProbe(t)
}

func TestBeginInsertsPlaceholderImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	if err := h.ctrl.Begin("tr_1234567890"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}

	pending, _ := h.store.snapshot()
	if pending == nil || pending.ID != "tr_1234567890" || !pending.Pending {
		t.Fatalf("pending=%+v", pending)
	}
	if pending.Name != "Creating trace tr_1234..." || pending.Input != "Pending..." || pending.CostUSD != nil {
		t.Fatalf("placeholder=%+v", pending)
	}
	if pending.LatencySec == nil || *pending.LatencySec != 0 {
		t.Fatalf("placeholder latency=%v, want 0", pending.LatencySec)
	}
	status := h.ctrl.Status()
	if status.State != StatePending || status.PendingID != "tr_1234567890" {
		t.Fatalf("status=%+v", status)
	}
}

func TestBeginRejectsSecondPendingTrace(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	if err := h.ctrl.Begin("tr_2"); !errors.Is(err, ErrReconcileInProgress) {
		t.Fatalf("second Begin() error=%v, want ErrReconcileInProgress", err)
	}
	if err := h.ctrl.Begin("  "); !errors.Is(err, ErrEmptyTraceID) {
		t.Fatalf("Begin(blank) error=%v, want ErrEmptyTraceID", err)
	}
	pending, _ := h.store.snapshot()
	if pending.ID != "tr_1" {
		t.Fatalf("pending=%q, want tr_1", pending.ID)
	}
}

func TestConfirmOnThirdProbeStopsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}

	for want := 1; want <= 3; want++ {
		if got := h.stepAndProbe(t); got != want {
			t.Fatalf("probe=%d, want %d", got, want)
		}
	}
	h.ctrl.Wait()

	res := <-h.resolved
	if res.Outcome != OutcomeConfirmed || res.Probes != 3 || res.Elapsed != 6*time.Second {
		t.Fatalf("resolution=%+v", res)
	}
	pending, reloads := h.store.snapshot()
	if pending != nil || reloads != 1 {
		t.Fatalf("pending=%v reloads=%d, want nil and 1", pending, reloads)
	}

	// Nothing is left to fire: no fourth probe, no deadline fallback.
	if live := h.clock.liveTimers(); live != 0 {
		t.Fatalf("%d timers still running after confirmation", live)
	}
	h.clock.Step(time.Minute)
	if got := h.prober.count(); got != 3 {
		t.Fatalf("probes=%d, want 3", got)
	}
	select {
	case extra := <-h.resolved:
		t.Fatalf("unexpected second resolution %+v", extra)
	default:
	}
	status := h.ctrl.Status()
	if status.State != StateIdle || status.PendingID != "" || status.LastOutcome != OutcomeConfirmed {
		t.Fatalf("status=%+v", status)
	}
}

func TestTimeoutAtDeadlineStopsPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}

	// Probes at 2s..28s all miss.
	for i := 0; i < 14; i++ {
		h.stepAndProbe(t)
	}
	select {
	case r := <-h.resolved:
		t.Fatalf("resolved before deadline: %+v", r)
	default:
	}

	// At 30s the tick and the deadline coincide; the deadline wins.
	h.clock.Step(DefaultPollInterval)
	h.ctrl.Wait()

	res := <-h.resolved
	if res.Outcome != OutcomeTimedOut || res.Elapsed != DefaultDeadline {
		t.Fatalf("resolution=%+v", res)
	}
	if got := h.prober.count(); got != 14 {
		t.Fatalf("probes=%d, want 14", got)
	}
	pending, reloads := h.store.snapshot()
	if pending != nil || reloads != 1 {
		t.Fatalf("pending=%v reloads=%d, want nil and 1", pending, reloads)
	}
	if live := h.clock.liveTimers(); live != 0 {
		t.Fatalf("%d timers still running after timeout", live)
	}
	h.clock.Step(10 * time.Second)
	if got := h.prober.count(); got != 14 {
		t.Fatalf("probes after timeout=%d, want 14", got)
	}
	if h.ctrl.Status().LastOutcome != OutcomeTimedOut {
		t.Fatalf("status=%+v", h.ctrl.Status())
	}
}

func TestTimeoutStillReportsReloadFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	h.store.reload = errors.New("backend down")
	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	h.clock.Step(DefaultDeadline)
	h.ctrl.Wait()

	res := <-h.resolved
	if res.Outcome != OutcomeTimedOut || res.ReloadErr == nil {
		t.Fatalf("resolution=%+v", res)
	}
}

func TestCloseCancelsPendingWithoutTouchingStore(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 0)
	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	h.stepAndProbe(t)

	h.ctrl.Close()

	if live := h.clock.liveTimers(); live != 0 {
		t.Fatalf("%d timers still running after Close", live)
	}
	h.clock.Step(time.Minute)
	if got := h.prober.count(); got != 1 {
		t.Fatalf("probes=%d, want 1", got)
	}
	_, reloads := h.store.snapshot()
	if reloads != 0 {
		t.Fatalf("reloads=%d, want 0", reloads)
	}
	if status := h.ctrl.Status(); status.State != StateIdle || status.LastOutcome != OutcomeCancelled {
		t.Fatalf("status=%+v", status)
	}
	if err := h.ctrl.Begin("tr_2"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Begin after Close error=%v, want ErrClosed", err)
	}
}

func TestControllerAcceptsNewTraceAfterResolution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	h.stepAndProbe(t)
	h.ctrl.Wait()
	<-h.resolved

	if err := h.ctrl.Begin("tr_2"); err != nil {
		t.Fatalf("Begin(tr_2) error: %v", err)
	}
	h.stepAndProbe(t)
	h.ctrl.Wait()
	if res := <-h.resolved; res.TraceID != "tr_2" || res.Outcome != OutcomeConfirmed {
		t.Fatalf("resolution=%+v", res)
	}
}

func TestProbeStillRunningAtDeadlineTimesOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 14)
	h.prober.holdOn = 14
	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}

	// Probes at 2s..26s miss; the one at 28s hangs past the deadline and
	// then succeeds.
	for i := 0; i < 13; i++ {
		h.stepAndProbe(t)
	}
	h.stepAndProbe(t)
	h.clock.Step(10 * time.Second)
	close(h.prober.release)
	h.ctrl.Wait()

	res := <-h.resolved
	if res.Outcome != OutcomeTimedOut || res.Probes != 14 {
		t.Fatalf("resolution=%+v, want timed out after 14 probes", res)
	}
	pending, reloads := h.store.snapshot()
	if pending != nil || reloads != 1 {
		t.Fatalf("pending=%v reloads=%d, want nil and 1", pending, reloads)
	}
}

func TestConfirmedKeepsPlaceholderWhenRefreshFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.store.reload = errors.New("backend down")
	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	h.stepAndProbe(t)
	h.ctrl.Wait()

	res := <-h.resolved
	if res.Outcome != OutcomeConfirmed || res.ReloadErr == nil {
		t.Fatalf("resolution=%+v", res)
	}
	pending, reloads := h.store.snapshot()
	if pending == nil || pending.ID != "tr_1" || reloads != 1 {
		t.Fatalf("pending=%v reloads=%d, want placeholder kept after failed refresh", pending, reloads)
	}
	if status := h.ctrl.Status(); status.State != StateIdle {
		t.Fatalf("status=%+v, want idle", status)
	}
}

func TestWaitCoversLaterRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	h.ctrl.Wait()

	if err := h.ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	h.stepAndProbe(t)
	h.ctrl.Wait()
	<-h.resolved

	if err := h.ctrl.Begin("tr_2"); err != nil {
		t.Fatalf("Begin(tr_2) error: %v", err)
	}
	waited := make(chan struct{})
	go func() {
		h.ctrl.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while tr_2 was pending")
	case <-time.After(50 * time.Millisecond):
	}

	h.stepAndProbe(t)
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after tr_2 resolved")
	}
	if res := <-h.resolved; res.TraceID != "tr_2" {
		t.Fatalf("resolution=%+v", res)
	}
}

// staleFirstFetcher blocks its first fetch on gate and answers it with
// first; every later fetch returns later immediately.
type staleFirstFetcher struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	first []*trace.Trace
	later []*trace.Trace
	began chan struct{}
}

func (f *staleFirstFetcher) FetchTraces(context.Context) ([]*trace.Trace, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call == 1 {
		close(f.began)
		<-f.gate
		return f.first, nil
	}
	return f.later, nil
}

func TestConfirmedRefreshIgnoresReloadInFlight(t *testing.T) {
	t.Parallel()

	fetcher := &staleFirstFetcher{
		gate:  make(chan struct{}),
		began: make(chan struct{}),
		first: []*trace.Trace{{ID: "old"}},
		later: []*trace.Trace{{ID: "tr_1", Name: "hello"}, {ID: "old"}},
	}
	list := tracelist.New(fetcher, nil)
	clk := newTrackingClock()
	prober := newScriptedProber(1)
	resolved := make(chan Resolution, 1)
	ctrl := New(list, prober, Options{Clock: clk, OnResolved: func(r Resolution) { resolved <- r }})
	t.Cleanup(ctrl.Close)

	reloadDone := make(chan error, 1)
	go func() { reloadDone <- list.Reload(context.Background()) }()
	<-fetcher.began

	if err := ctrl.Begin("tr_1"); err != nil {
		t.Fatalf("Begin() error: %v", err)
	}
	clk.Step(DefaultPollInterval)
	prober.awaitProbe(t)
	ctrl.Wait()

	close(fetcher.gate)
	if err := <-reloadDone; err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	res := <-resolved
	if res.Outcome != OutcomeConfirmed || res.ReloadErr != nil {
		t.Fatalf("resolution=%+v", res)
	}
	item, ok := list.Find("tr_1")
	if !ok || item.Pending || item.Name != "hello" {
		t.Fatalf("tr_1=(%+v,%t), want the stored record", item, ok)
	}
	if _, ok := list.Pending(); ok {
		t.Fatal("placeholder survived confirmation")
	}
	if got := list.Len(); got != 2 {
		t.Fatalf("Len()=%d, want 2", got)
	}
}
