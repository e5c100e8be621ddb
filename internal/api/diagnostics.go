package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/tracedesk/internal/trace"
)

const ingestDiagnosticsSchemaVersion = "ingest-diagnostics.v1"

type IngestDiagnosticsOptions struct {
	Reader trace.IngestStatsReader
	Now    func() time.Time
}

type IngestDiagnosticsResponse struct {
	SchemaVersion string            `json:"schema_version"`
	GeneratedAt   time.Time         `json:"generated_at"`
	Diagnostics   trace.IngestStats `json:"diagnostics"`
}

func IngestDiagnosticsHandler(options IngestDiagnosticsOptions) http.Handler {
	if options.Now == nil {
		options.Now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "ingest diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, IngestDiagnosticsResponse{
			SchemaVersion: ingestDiagnosticsSchemaVersion,
			GeneratedAt:   options.Now().UTC(),
			Diagnostics:   options.Reader.IngestStats(),
		})
	})
}
