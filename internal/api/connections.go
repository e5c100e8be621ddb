package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ongoingai/tracedesk/internal/connections"
	"github.com/ongoingai/tracedesk/internal/pathutil"
)

func ConnectionsHandler(store connections.Store, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "llm connection store is not configured")
			return
		}
		switch r.Method {
		case http.MethodGet:
			items, err := store.ListConnections(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, "failed to list llm connections")
				return
			}
			out := make([]Connection, 0, len(items))
			for _, item := range items {
				out = append(out, FromConnection(item))
			}
			writeJSON(w, http.StatusOK, ConnectionList{Items: out})
		case http.MethodPut:
			var req UpsertConnectionRequest
			if !decodeJSONBody(w, r, &req) {
				return
			}
			conn := req.connection()
			if err := conn.Validate(); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			saved, err := store.UpsertConnection(r.Context(), conn)
			if err != nil {
				writeConnectionStoreError(w, err, "failed to save llm connection")
				return
			}
			logger.InfoContext(r.Context(), "llm connection saved", "provider", saved.Provider, "adapter", saved.Adapter)
			writeJSON(w, http.StatusOK, FromConnection(*saved))
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPut)
		}
	})
}

func ConnectionDetailHandler(store connections.Store, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodDelete) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "llm connection store is not configured")
			return
		}
		provider, ok := pathutil.Resource(r.URL.EscapedPath(), "/api/llm-connections")
		if !ok {
			http.NotFound(w, r)
			return
		}
		if err := store.DeleteConnection(r.Context(), provider); err != nil {
			writeConnectionStoreError(w, err, "failed to delete llm connection")
			return
		}
		logger.InfoContext(r.Context(), "llm connection deleted", "provider", provider)
		w.WriteHeader(http.StatusNoContent)
	})
}

func writeConnectionStoreError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, connections.ErrNotFound):
		writeError(w, http.StatusNotFound, "llm connection not found")
	case errors.Is(err, connections.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, connections.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "llm connections are read-only in static mode")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
