// Package backend is the HTTP client for the trace service API. It is the
// console's view of the backend.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/tracedesk/internal/api"
	"github.com/ongoingai/tracedesk/internal/correlation"
	"github.com/ongoingai/tracedesk/internal/trace"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultPageSize  = 200
	defaultMaxTraces = 1000
	maxResponseBytes = 16 << 20
)

// StatusError is a non-success API response. A 404 matches trace.ErrNotFound
// under errors.Is.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Is(target error) bool {
	return e.StatusCode == http.StatusNotFound && target == trace.ErrNotFound
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// Transport is wrapped so every request forwards the correlation id.
	Transport http.RoundTripper
	PageSize  int
	// MaxTraces caps how many records FetchTraces collects across pages.
	MaxTraces int
}

type Client struct {
	baseURL   string
	http      *http.Client
	pageSize  int
	maxTraces int
}

func New(opts Options) (*Client, error) {
	baseURL, err := NormalizeBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.PageSize <= 0 || opts.PageSize > defaultPageSize {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxTraces <= 0 {
		opts.MaxTraces = defaultMaxTraces
	}
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: &correlation.Transport{Base: opts.Transport},
		},
		pageSize:  opts.PageSize,
		maxTraces: opts.MaxTraces,
	}, nil
}

// BaseURL is the normalized service root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func NormalizeBaseURL(rawBaseURL string) (string, error) {
	value := strings.TrimSpace(rawBaseURL)
	if value == "" {
		return "", fmt.Errorf("base URL is empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("base URL must include http or https scheme")
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", fmt.Errorf("base URL must include host")
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	return parsed.String(), nil
}

// Query narrows a single page of traces.
type Query struct {
	Environment string
	UserID      string
	SessionID   string
	From        time.Time
	To          time.Time
	Limit       int
	Cursor      string
}

func (q Query) values() url.Values {
	values := url.Values{}
	set := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			values.Set(key, value)
		}
	}
	set("environment", q.Environment)
	set("user_id", q.UserID)
	set("session_id", q.SessionID)
	set("cursor", q.Cursor)
	if !q.From.IsZero() {
		values.Set("from", q.From.UTC().Format(time.RFC3339Nano))
	}
	if !q.To.IsZero() {
		values.Set("to", q.To.UTC().Format(time.RFC3339Nano))
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	return values
}

// ListTraces returns one page and the cursor of the next.
func (c *Client) ListTraces(ctx context.Context, q Query) ([]*trace.Trace, string, error) {
	var page api.TracePage
	if err := c.do(ctx, http.MethodGet, "/api/traces", q.values(), nil, http.StatusOK, &page); err != nil {
		return nil, "", fmt.Errorf("list traces: %w", err)
	}
	items := make([]*trace.Trace, 0, len(page.Items))
	for _, item := range page.Items {
		items = append(items, item.ToTrace())
	}
	return items, page.NextCursor, nil
}

// FetchTraces follows cursors until the collection is exhausted or
// MaxTraces records were read.
func (c *Client) FetchTraces(ctx context.Context) ([]*trace.Trace, error) {
	var (
		out    []*trace.Trace
		cursor string
	)
	for {
		items, next, err := c.ListTraces(ctx, Query{Limit: c.pageSize, Cursor: cursor})
		if err != nil {
			return nil, err
		}
		out = append(out, items...)
		if next == "" || len(out) >= c.maxTraces {
			break
		}
		cursor = next
	}
	if len(out) > c.maxTraces {
		out = out[:c.maxTraces]
	}
	return out, nil
}

func (c *Client) FetchTraceDetails(ctx context.Context, id string) (*trace.Trace, error) {
	var item api.Trace
	if err := c.do(ctx, http.MethodGet, tracePath(id), nil, nil, http.StatusOK, &item); err != nil {
		return nil, fmt.Errorf("fetch trace %q: %w", id, err)
	}
	return item.ToTrace(), nil
}

func (c *Client) CreateTrace(ctx context.Context, req trace.CreateRequest) (string, error) {
	var created api.CreateTraceResponse
	if err := c.do(ctx, http.MethodPost, "/api/traces", nil, req, http.StatusAccepted, &created); err != nil {
		return "", fmt.Errorf("create trace: %w", err)
	}
	return strings.TrimSpace(created.ID), nil
}

func (c *Client) DeleteTrace(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, tracePath(id), nil, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("delete trace %q: %w", id, err)
	}
	return nil
}

func (c *Client) UpdateTraceMetadata(ctx context.Context, id string, patch map[string]any) (*trace.Trace, error) {
	if patch == nil {
		patch = map[string]any{}
	}
	var item api.Trace
	if err := c.do(ctx, http.MethodPatch, tracePath(id), nil, api.UpdateTraceRequest{Metadata: patch}, http.StatusOK, &item); err != nil {
		return nil, fmt.Errorf("update trace %q: %w", id, err)
	}
	return item.ToTrace(), nil
}

func (c *Client) ListComments(ctx context.Context, objectType, objectID string) ([]trace.Comment, error) {
	query := url.Values{}
	query.Set("object_type", objectType)
	query.Set("object_id", objectID)
	var list api.CommentList
	if err := c.do(ctx, http.MethodGet, "/api/comments", query, nil, http.StatusOK, &list); err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	out := make([]trace.Comment, 0, len(list.Items))
	for _, item := range list.Items {
		out = append(out, item.ToComment())
	}
	return out, nil
}

func (c *Client) CreateComment(ctx context.Context, comment trace.Comment) (*trace.Comment, error) {
	body := map[string]string{
		"object_type":    comment.ObjectType,
		"object_id":      comment.ObjectID,
		"author_user_id": comment.AuthorUserID,
		"content":        comment.Content,
	}
	var created api.Comment
	if err := c.do(ctx, http.MethodPost, "/api/comments", nil, body, http.StatusCreated, &created); err != nil {
		return nil, fmt.Errorf("create comment: %w", err)
	}
	out := created.ToComment()
	return &out, nil
}

func (c *Client) DeleteComment(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/comments/"+url.PathEscape(id), nil, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("delete comment %q: %w", id, err)
	}
	return nil
}

func (c *Client) ListConnections(ctx context.Context) ([]api.Connection, error) {
	var list api.ConnectionList
	if err := c.do(ctx, http.MethodGet, "/api/llm-connections", nil, nil, http.StatusOK, &list); err != nil {
		return nil, fmt.Errorf("list llm connections: %w", err)
	}
	return list.Items, nil
}

func (c *Client) UpsertConnection(ctx context.Context, req api.UpsertConnectionRequest) (*api.Connection, error) {
	var saved api.Connection
	if err := c.do(ctx, http.MethodPut, "/api/llm-connections", nil, req, http.StatusOK, &saved); err != nil {
		return nil, fmt.Errorf("save llm connection: %w", err)
	}
	return &saved, nil
}

func (c *Client) DeleteConnection(ctx context.Context, provider string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/llm-connections/"+url.PathEscape(provider), nil, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("delete llm connection %q: %w", provider, err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, http.StatusOK, &health); err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	return &health, nil
}

func (c *Client) IngestDiagnostics(ctx context.Context) (*api.IngestDiagnosticsResponse, error) {
	var document api.IngestDiagnosticsResponse
	if err := c.do(ctx, http.MethodGet, "/api/diagnostics/ingest", nil, nil, http.StatusOK, &document); err != nil {
		return nil, fmt.Errorf("ingest diagnostics: %w", err)
	}
	if strings.TrimSpace(document.SchemaVersion) == "" {
		return nil, fmt.Errorf("missing schema_version in diagnostics response")
	}
	return &document, nil
}

func tracePath(id string) string {
	return "/api/traces/" + url.PathEscape(id)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, want int, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != want {
		return statusError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func statusError(status int, body []byte) error {
	message := strings.TrimSpace(string(body))
	var errorPayload map[string]any
	if err := json.Unmarshal(body, &errorPayload); err == nil {
		if value, ok := errorPayload["error"].(string); ok && strings.TrimSpace(value) != "" {
			message = strings.TrimSpace(value)
		}
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &StatusError{StatusCode: status, Message: message}
}

// IsStatus reports whether err carries an API response with status.
func IsStatus(err error, status int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == status
}
