package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"
)

// WriterHooks reports ingest rejections and write failures through the
// runtime and the logger.
func (r *Runtime) WriterHooks(logger *slog.Logger, store string) *trace.WriterHooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &trace.WriterHooks{
		OnRejected: func() {
			r.RecordIngestRejected(context.Background())
			logger.Warn("trace ingest queue full; trace rejected")
		},
		OnFlushed: func(batchSize int, elapsed time.Duration) {
			logger.Debug("trace batch flushed", "batch_size", batchSize, "elapsed", elapsed)
		},
		OnWriteFailure: func(failure trace.WriteFailure) {
			r.RecordTraceWriteFailure(failure, store)
			logger.Error("trace write failed; records dropped",
				"operation", failure.Operation,
				"count", failure.Count,
				"error_class", string(failure.Class),
				"store", store,
				"error", failure.Err,
			)
		},
	}
}
