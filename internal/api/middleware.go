package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/tracedesk/internal/correlation"
)

// LoggingMiddleware assigns a correlation id, echoes it on the response and
// writes one log record per API call. Server errors log at error level and
// client errors at warn.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := correlation.EnsureRequest(r)
		if id != "" {
			w.Header().Set(correlation.HeaderName, id)
		}

		began := time.Now()
		rec := &responseRecord{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.status()
		logger.LogAttrs(r.Context(), levelForStatus(status), "api call",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Int64("bytes", rec.written),
			slog.Duration("elapsed", time.Since(began)),
			slog.String("correlation_id", id),
		)
	})
}

func levelForStatus(status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// responseRecord keeps the first status written and counts body bytes.
type responseRecord struct {
	http.ResponseWriter
	code    int
	written int64
}

func (w *responseRecord) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecord) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += int64(n)
	return n, err
}

func (w *responseRecord) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *responseRecord) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}
