// Package correlation carries a request identifier from the API edge through
// logs and outgoing backend calls.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical correlation identifier header.
	HeaderName = "X-Tracedesk-Correlation-ID"
	maxIDLen   = 128
)

type contextKey struct{}

var correlationContextKey contextKey

var fallbackHeaders = []string{
	HeaderName,
	"X-Request-ID",
	"X-Correlation-ID",
}

// EnsureRequest guarantees a stable correlation identifier on the request
// context and request headers.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if id, ok := FromContext(req.Context()); ok {
		req.Header.Set(HeaderName, id)
		return req, id
	}

	id := FromHeaders(req.Header)
	if id == "" {
		id = NewID()
	}
	req = req.WithContext(WithContext(req.Context(), id))
	req.Header.Set(HeaderName, id)
	return req, id
}

// Middleware tags every request with a correlation id and echoes it on the
// response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := EnsureRequest(r)
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r)
	})
}

// Transport forwards the context's correlation id on outgoing requests.
type Transport struct {
	Base http.RoundTripper
}

func (t Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	id, ok := FromContext(req.Context())
	if !ok {
		return base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set(HeaderName, id)
	return base.RoundTrip(clone)
}

// WithContext stores a normalized correlation identifier in context.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey, normalized)
}

// FromContext extracts a normalized correlation identifier from context.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(correlationContextKey).(string)
	if !ok {
		return "", false
	}
	normalized := normalizeID(value)
	return normalized, normalized != ""
}

// FromHeaders returns the first valid identifier among the known headers.
func FromHeaders(headers http.Header) string {
	for _, header := range fallbackHeaders {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

func NewID() string {
	return "corr-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
