package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/llm"
	"github.com/ongoingai/tracedesk/internal/pathutil"
	"github.com/ongoingai/tracedesk/internal/trace"

	"github.com/google/uuid"
)

const defaultTraceName = "trace"

// Enqueuer hands a trace to the async writer. It reports false when the
// queue is full.
type Enqueuer interface {
	Enqueue(item *trace.Trace) bool
}

// Completer runs the chat completion that produces a trace output.
type Completer interface {
	Complete(ctx context.Context, input, model string) (*llm.Result, error)
}

type TracesOptions struct {
	Store     trace.TraceStore
	Writer    Enqueuer
	Completer Completer
	Logger    *slog.Logger
	Now       func() time.Time
}

func (o *TracesOptions) defaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
}

func TracesHandler(options TracesOptions) http.Handler {
	options.defaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if options.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}
		switch r.Method {
		case http.MethodGet:
			listTraces(w, r, options.Store)
		case http.MethodPost:
			createTrace(w, r, options)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
	})
}

func TraceDetailHandler(options TracesOptions) http.Handler {
	options.defaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if options.Store == nil {
			writeError(w, http.StatusServiceUnavailable, "trace store is not configured")
			return
		}
		id, ok := pathutil.Resource(r.URL.EscapedPath(), "/api/traces")
		if !ok {
			http.NotFound(w, r)
			return
		}

		switch r.Method {
		case http.MethodGet:
			item, ok := loadTrace(w, r, options.Store, id)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, FromTrace(item))
		case http.MethodPatch:
			updateTrace(w, r, options, id)
		case http.MethodDelete:
			deleteTrace(w, r, options, id)
		default:
			writeMethodNotAllowed(w, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	})
}

func listTraces(w http.ResponseWriter, r *http.Request, store trace.TraceStore) {
	filter, err := parseTraceFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := store.QueryTraces(r.Context(), filter)
	if err != nil {
		switch {
		case errors.Is(err, trace.ErrInvalidCursor):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, trace.ErrNotImplemented):
			writeError(w, http.StatusNotImplemented, "trace query is not implemented")
		default:
			writeError(w, http.StatusInternalServerError, "failed to query traces")
		}
		return
	}

	items := make([]Trace, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, FromTrace(item))
	}
	writeJSON(w, http.StatusOK, TracePage{
		Items:      items,
		NextCursor: result.NextCursor,
	})
}

func createTrace(w http.ResponseWriter, r *http.Request, options TracesOptions) {
	var req trace.CreateRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	metadata, err := trace.MergeMetadata("", req.Metadata)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid metadata: "+err.Error())
		return
	}

	now := options.Now()
	item := &trace.Trace{
		ID:           uuid.NewString(),
		Name:         firstNonEmpty(req.Name, defaultTraceName),
		Timestamp:    now,
		Input:        req.Input,
		Output:       req.Output,
		UserID:       strings.TrimSpace(req.UserID),
		SessionID:    strings.TrimSpace(req.SessionID),
		Environment:  firstNonEmpty(req.Environment, trace.DefaultEnvironment),
		Level:        trace.LevelDefault,
		Tags:         req.Tags,
		Model:        strings.TrimSpace(req.Model),
		Observations: 1,
		DefaultCount: 1,
		Metadata:     metadata,
		CreatedAt:    now,
	}

	if req.Complete && strings.TrimSpace(req.Output) == "" {
		if options.Completer == nil {
			writeError(w, http.StatusServiceUnavailable, "llm completion is not configured")
			return
		}
		result, err := options.Completer.Complete(r.Context(), req.Input, item.Model)
		if err != nil {
			options.Logger.WarnContext(r.Context(), "trace completion failed", "trace_id", item.ID, "error", err)
			writeError(w, http.StatusBadGateway, "llm completion failed")
			return
		}
		applyCompletion(item, result)
	}

	if options.Writer == nil {
		if err := options.Store.WriteTrace(r.Context(), item); err != nil {
			options.Logger.ErrorContext(r.Context(), "trace write failed", "trace_id", item.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to write trace")
			return
		}
	} else if !options.Writer.Enqueue(item) {
		writeError(w, http.StatusServiceUnavailable, "trace ingest queue is full")
		return
	}

	writeJSON(w, http.StatusAccepted, CreateTraceResponse{ID: item.ID})
}

func applyCompletion(item *trace.Trace, result *llm.Result) {
	item.Output = result.Output
	item.Model = result.Model
	item.InputTokens = result.InputTokens
	item.OutputTokens = result.OutputTokens
	item.TotalTokens = result.TotalTokens
	item.CostUSD = result.CostUSD
	item.InputCostUSD = result.InputCostUSD
	item.OutputCostUSD = result.OutputCostUSD
	item.LatencySec = trace.Float64(result.Latency.Seconds())
}

func updateTrace(w http.ResponseWriter, r *http.Request, options TracesOptions, id string) {
	var req UpdateTraceRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if req.Metadata == nil {
		writeError(w, http.StatusBadRequest, "metadata object is required")
		return
	}
	patch := make(map[string]any, len(req.Metadata)+1)
	for key, value := range req.Metadata {
		patch[key] = value
	}
	patch["updatedAt"] = options.Now().Format(time.RFC3339)

	item, err := options.Store.MergeTraceMetadata(r.Context(), id, patch)
	if err != nil {
		switch {
		case errors.Is(err, trace.ErrNotFound):
			writeError(w, http.StatusNotFound, "trace not found")
		case errors.Is(err, trace.ErrNotImplemented):
			writeError(w, http.StatusNotImplemented, "trace update is not implemented")
		default:
			options.Logger.ErrorContext(r.Context(), "trace metadata update failed", "trace_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to update trace")
		}
		return
	}
	writeJSON(w, http.StatusOK, FromTrace(item))
}

func deleteTrace(w http.ResponseWriter, r *http.Request, options TracesOptions, id string) {
	if err := options.Store.DeleteTrace(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, trace.ErrNotFound):
			writeError(w, http.StatusNotFound, "trace not found")
		case errors.Is(err, trace.ErrNotImplemented):
			writeError(w, http.StatusNotImplemented, "trace delete is not implemented")
		default:
			options.Logger.ErrorContext(r.Context(), "trace delete failed", "trace_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to delete trace")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func loadTrace(w http.ResponseWriter, r *http.Request, store trace.TraceStore, id string) (*trace.Trace, bool) {
	item, err := store.GetTrace(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, trace.ErrNotFound):
			writeError(w, http.StatusNotFound, "trace not found")
		case errors.Is(err, trace.ErrNotImplemented):
			writeError(w, http.StatusNotImplemented, "trace detail is not implemented")
		default:
			writeError(w, http.StatusInternalServerError, "failed to read trace")
		}
		return nil, false
	}
	if item == nil {
		writeError(w, http.StatusNotFound, "trace not found")
		return nil, false
	}
	return item, true
}

func parseTraceFilter(r *http.Request) (trace.TraceFilter, error) {
	query := r.URL.Query()
	limit, err := parseIntQuery(query.Get("limit"), "limit", 0, 200)
	if err != nil {
		return trace.TraceFilter{}, err
	}

	from, err := parseTimeQuery(query.Get("from"), false)
	if err != nil {
		return trace.TraceFilter{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeQuery(query.Get("to"), true)
	if err != nil {
		return trace.TraceFilter{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return trace.TraceFilter{}, fmt.Errorf("to must be greater than or equal to from")
	}

	return trace.TraceFilter{
		Environment: strings.TrimSpace(query.Get("environment")),
		UserID:      strings.TrimSpace(query.Get("user_id")),
		SessionID:   strings.TrimSpace(query.Get("session_id")),
		From:        from,
		To:          to,
		Limit:       limit,
		Cursor:      strings.TrimSpace(query.Get("cursor")),
	}, nil
}

func parseIntQuery(raw, name string, min, max int) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if parsed < min {
		return 0, fmt.Errorf("%s must be >= %d", name, min)
	}
	if max != 0 && parsed > max {
		return 0, fmt.Errorf("%s must be <= %d", name, max)
	}
	return parsed, nil
}

func parseTimeQuery(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	if parsed, err := time.ParseInLocation("2006-01-02", value, time.UTC); err == nil {
		if endOfDay {
			return parsed.Add(24*time.Hour - time.Nanosecond), nil
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value != "" {
			return value
		}
	}
	return ""
}
