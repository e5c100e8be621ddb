package trace

import (
	"context"
	"errors"
	"time"
)

var ErrNotImplemented = errors.New("trace store method not implemented")
var ErrNotFound = errors.New("trace store record not found")
var ErrInvalidCursor = errors.New("trace cursor is invalid")

type TraceStore interface {
	WriteTrace(ctx context.Context, trace *Trace) error
	WriteBatch(ctx context.Context, traces []*Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	QueryTraces(ctx context.Context, filter TraceFilter) (*TraceResult, error)
	// MergeTraceMetadata merges patch into the stored metadata object.
	MergeTraceMetadata(ctx context.Context, id string, patch map[string]any) (*Trace, error)
	DeleteTrace(ctx context.Context, id string) error
	CountTraces(ctx context.Context) (int64, error)
}

type CommentStore interface {
	ListComments(ctx context.Context, objectType, objectID string) ([]Comment, error)
	CreateComment(ctx context.Context, comment Comment) (*Comment, error)
	DeleteComment(ctx context.Context, id string) error
}

// Store is the full persistence boundary served by the trace API.
type Store interface {
	TraceStore
	CommentStore
	Close() error
}

type TraceFilter struct {
	Environment string
	UserID      string
	SessionID   string
	From        time.Time
	To          time.Time
	Limit       int
	Cursor      string
}

type TraceResult struct {
	Items      []*Trace
	NextCursor string
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
