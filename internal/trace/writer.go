package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWriterQueueSize = 256
	writerBatchSize        = 64
)

// Ingest queue pressure levels reported by IngestStats.
const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// IngestStatsReader is implemented by components that expose ingest queue
// counters, so the API can serve them without depending on the Writer.
type IngestStatsReader interface {
	IngestStats() IngestStats
}

// IngestStats is a point-in-time view of the asynchronous ingest queue.
type IngestStats struct {
	QueueCapacity     int                       `json:"queue_capacity"`
	QueueDepth        int                       `json:"queue_depth"`
	QueuePeak         int                       `json:"queue_peak"`
	QueuePressure     string                    `json:"queue_pressure"`
	Accepted          int64                     `json:"accepted_total"`
	Rejected          int64                     `json:"rejected_total"`
	WriteFailed       int64                     `json:"write_failed_total"`
	FailuresByClass   map[WriteErrorClass]int64 `json:"write_failures_by_class,omitempty"`
	LastRejectedAt    *time.Time                `json:"last_rejected_at,omitempty"`
	LastWriteFailedAt *time.Time                `json:"last_write_failed_at,omitempty"`
}

// WriteFailure describes traces the writer could not persist.
type WriteFailure struct {
	Operation string
	Count     int
	Class     WriteErrorClass
	Err       error
}

// WriterHooks are optional callbacks invoked from the ingest pipeline.
type WriterHooks struct {
	OnAccepted     func()
	OnRejected     func()
	OnFlushed      func(batchSize int, elapsed time.Duration)
	OnWriteFailure func(WriteFailure)
}

// Writer persists traces in batches from a bounded queue. Traces that do
// not fit in the queue are rejected immediately instead of blocking the
// caller.
type Writer struct {
	store TraceStore
	queue chan *Trace
	hooks atomic.Pointer[WriterHooks]

	closeMu   sync.RWMutex
	closed    bool
	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	peak           atomic.Int64
	accepted       atomic.Int64
	rejected       atomic.Int64
	writeFailed    atomic.Int64
	lastRejected   atomic.Int64
	lastWriteFail  atomic.Int64
	failureMu      sync.Mutex
	failureByClass map[WriteErrorClass]int64
}

func NewWriter(store TraceStore, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = defaultWriterQueueSize
	}
	w := &Writer{
		store:          store,
		queue:          make(chan *Trace, queueSize),
		done:           make(chan struct{}),
		failureByClass: make(map[WriteErrorClass]int64),
	}
	w.hooks.Store(&WriterHooks{})
	return w
}

// SetHooks replaces the pipeline callbacks. A nil value clears them.
func (w *Writer) SetHooks(hooks *WriterHooks) {
	if hooks == nil {
		hooks = &WriterHooks{}
	}
	w.hooks.Store(hooks)
}

// Start launches the flush loop. It runs until Shutdown drains the queue.
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

func (w *Writer) run() {
	defer close(w.done)
	for first := range w.queue {
		batch := []*Trace{first}
	fill:
		for len(batch) < writerBatchSize {
			select {
			case next, ok := <-w.queue:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		w.flush(batch)
	}
}

// Enqueue offers a trace to the queue and reports whether it was accepted.
func (w *Writer) Enqueue(item *Trace) bool {
	if item == nil {
		return false
	}
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return false
	}

	hooks := w.hooks.Load()
	select {
	case w.queue <- item:
		w.accepted.Add(1)
		w.observeDepth(len(w.queue))
		if hooks.OnAccepted != nil {
			hooks.OnAccepted()
		}
		return true
	default:
		w.rejected.Add(1)
		w.lastRejected.Store(time.Now().UnixNano())
		if hooks.OnRejected != nil {
			hooks.OnRejected()
		}
		return false
	}
}

// Shutdown stops accepting traces and waits for queued ones to be written
// or for ctx to expire.
func (w *Writer) Shutdown(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.closeMu.Lock()
		w.closed = true
		close(w.queue)
		w.closeMu.Unlock()
	})
	// A writer that never started has nothing in flight.
	w.startOnce.Do(func() { close(w.done) })

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) flush(batch []*Trace) {
	started := time.Now()
	// Flushes outlive request contexts; the queue owns these traces now.
	ctx := context.Background()

	if len(batch) == 1 {
		if err := w.store.WriteTrace(ctx, batch[0]); err != nil {
			w.recordFailure(WriteFailure{Operation: "write_trace", Count: 1, Err: err})
		}
	} else if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Retry one by one so a single bad record does not sink the batch.
		failed := 0
		var firstErr error
		for _, item := range batch {
			if itemErr := w.store.WriteTrace(ctx, item); itemErr != nil {
				failed++
				if firstErr == nil {
					firstErr = itemErr
				}
			}
		}
		if failed > 0 {
			w.recordFailure(WriteFailure{
				Operation: "write_batch",
				Count:     failed,
				Err:       errors.Join(err, firstErr),
			})
		}
	}

	if hooks := w.hooks.Load(); hooks.OnFlushed != nil {
		hooks.OnFlushed(len(batch), time.Since(started))
	}
}

func (w *Writer) recordFailure(failure WriteFailure) {
	failure.Class = ClassifyWriteError(failure.Err)
	w.writeFailed.Add(int64(failure.Count))
	w.lastWriteFail.Store(time.Now().UnixNano())

	w.failureMu.Lock()
	w.failureByClass[failure.Class] += int64(failure.Count)
	w.failureMu.Unlock()

	if hooks := w.hooks.Load(); hooks.OnWriteFailure != nil {
		hooks.OnWriteFailure(failure)
	}
}

func (w *Writer) observeDepth(depth int) {
	value := int64(depth)
	for {
		current := w.peak.Load()
		if value <= current || w.peak.CompareAndSwap(current, value) {
			return
		}
	}
}

// IngestStats implements IngestStatsReader.
func (w *Writer) IngestStats() IngestStats {
	capacity := cap(w.queue)
	depth := len(w.queue)
	peak := int(w.peak.Load())
	if depth > peak {
		peak = depth
	}

	stats := IngestStats{
		QueueCapacity: capacity,
		QueueDepth:    depth,
		QueuePeak:     peak,
		QueuePressure: queuePressure(depth, capacity),
		Accepted:      w.accepted.Load(),
		Rejected:      w.rejected.Load(),
		WriteFailed:   w.writeFailed.Load(),
	}
	if ts := w.lastRejected.Load(); ts > 0 {
		at := time.Unix(0, ts).UTC()
		stats.LastRejectedAt = &at
	}
	if ts := w.lastWriteFail.Load(); ts > 0 {
		at := time.Unix(0, ts).UTC()
		stats.LastWriteFailedAt = &at
	}

	w.failureMu.Lock()
	if len(w.failureByClass) > 0 {
		stats.FailuresByClass = make(map[WriteErrorClass]int64, len(w.failureByClass))
		for class, count := range w.failureByClass {
			stats.FailuresByClass[class] = count
		}
	}
	w.failureMu.Unlock()
	return stats
}

func queuePressure(depth, capacity int) string {
	if capacity <= 0 || depth <= 0 {
		return QueuePressureOK
	}
	pct := depth * 100 / capacity
	switch {
	case pct >= 100:
		return QueuePressureSaturated
	case pct >= 80:
		return QueuePressureHigh
	case pct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
