package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/connections"
	"github.com/ongoingai/tracedesk/internal/trace"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"

	checkOK    = "ok"
	checkError = "error"
	checkNone  = "none"
)

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	StoragePath   string
	Store         trace.TraceStore
	Connections   connections.Store
	Now           func() time.Time
}

// HealthResponse is always served with 200. Status turns degraded when the
// trace store cannot be read; an empty connection list only shows in Checks.
type HealthResponse struct {
	Status         string            `json:"status"`
	Version        string            `json:"version"`
	UptimeSec      int64             `json:"uptime_sec"`
	StorageDriver  string            `json:"storage_driver"`
	TraceCount     int64             `json:"trace_count"`
	DBSizeBytes    int64             `json:"db_size_bytes,omitempty"`
	LLMConnections int               `json:"llm_connections"`
	Checks         map[string]string `json:"checks"`
}

func HealthHandler(options HealthOptions) http.Handler {
	if options.Now == nil {
		options.Now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		resp := HealthResponse{
			Status:        healthOK,
			Version:       options.Version,
			UptimeSec:     int64(options.Now().Sub(options.StartedAt).Seconds()),
			StorageDriver: options.StorageDriver,
			DBSizeBytes:   sqliteFileSize(options.StorageDriver, options.StoragePath),
			Checks:        make(map[string]string, 2),
		}
		resp.TraceCount, resp.Checks["storage"] = checkStorage(r.Context(), options.Store)
		if resp.Checks["storage"] == checkError {
			resp.Status = healthDegraded
		}
		resp.LLMConnections, resp.Checks["llm_connections"] = checkConnections(r.Context(), options.Connections)

		writeJSON(w, http.StatusOK, resp)
	})
}

func checkStorage(ctx context.Context, store trace.TraceStore) (int64, string) {
	if store == nil {
		return 0, checkNone
	}
	count, err := store.CountTraces(ctx)
	if err != nil {
		return 0, checkError
	}
	return count, checkOK
}

func checkConnections(ctx context.Context, store connections.Store) (int, string) {
	if store == nil {
		return 0, checkNone
	}
	items, err := store.ListConnections(ctx)
	if err != nil {
		return 0, checkError
	}
	if len(items) == 0 {
		return 0, checkNone
	}
	return len(items), checkOK
}

func sqliteFileSize(driver, path string) int64 {
	if !strings.EqualFold(driver, "sqlite") || path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
