package observability

import (
	"context"
	"log/slog"

	"github.com/ongoingai/tracedesk/internal/correlation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// contextLogHandler adds the request correlation id and, when a span is
// recording, its trace_id and span_id to every record.
type contextLogHandler struct {
	inner slog.Handler
}

// NewTraceLogHandler wraps inner, or slog.Default().Handler() when nil.
func NewTraceLogHandler(inner slog.Handler) slog.Handler {
	if inner == nil {
		inner = slog.Default().Handler()
	}
	return &contextLogHandler{inner: inner}
}

func (h *contextLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *contextLogHandler) Handle(ctx context.Context, record slog.Record) error {
	if id, ok := correlation.FromContext(ctx); ok {
		record.AddAttrs(slog.String("correlation_id", id))
	}
	if span := oteltrace.SpanFromContext(ctx); span.IsRecording() {
		sc := span.SpanContext()
		if sc.IsValid() {
			record.AddAttrs(
				slog.String("trace_id", sc.TraceID().String()),
				slog.String("span_id", sc.SpanID().String()),
			)
		}
	}
	return h.inner.Handle(ctx, record)
}

func (h *contextLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextLogHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *contextLogHandler) WithGroup(name string) slog.Handler {
	return &contextLogHandler{inner: h.inner.WithGroup(name)}
}
