package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/tracedesk/internal/connections"
	"github.com/ongoingai/tracedesk/internal/correlation"
	"github.com/ongoingai/tracedesk/internal/trace"
)

type RouterOptions struct {
	AppVersion    string
	Store         trace.Store
	StorageDriver string
	StoragePath   string
	// Writer accepts created traces; when nil they are written synchronously.
	Writer      Enqueuer
	Ingest      trace.IngestStatsReader
	Connections connections.Store
	Completer   Completer
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewRouter(options RouterOptions) http.Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Now == nil {
		options.Now = func() time.Time { return time.Now().UTC() }
	}
	startedAt := options.Now()
	mux := http.NewServeMux()

	traceOptions := TracesOptions{
		Store:     options.Store,
		Writer:    options.Writer,
		Completer: options.Completer,
		Logger:    options.Logger,
		Now:       options.Now,
	}
	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
		Connections:   options.Connections,
		Now:           options.Now,
	}))
	mux.Handle("/api/diagnostics/ingest", IngestDiagnosticsHandler(IngestDiagnosticsOptions{
		Reader: options.Ingest,
		Now:    options.Now,
	}))
	mux.Handle("/api/traces", TracesHandler(traceOptions))
	mux.Handle("/api/traces/", TraceDetailHandler(traceOptions))
	mux.Handle("/api/comments", CommentsHandler(options.Store))
	mux.Handle("/api/comments/", CommentDetailHandler(options.Store))
	mux.Handle("/api/llm-connections", ConnectionsHandler(options.Connections, options.Logger))
	mux.Handle("/api/llm-connections/", ConnectionDetailHandler(options.Connections, options.Logger))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "tracedesk",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return LoggingMiddleware(options.Logger, withCORS(mux))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	writeMethodNotAllowed(w, method)
	return false
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	allow := ""
	for _, method := range allowed {
		allow += method + ", "
	}
	w.Header().Set("Allow", allow+"OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

const maxRequestBodyBytes = 1 << 20

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body: "+err.Error())
		return false
	}
	return true
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := "Content-Type, Authorization, " + correlation.HeaderName

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Expose-Headers", correlation.HeaderName)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
