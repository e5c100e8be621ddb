package console

import (
	"context"
	"errors"

	"github.com/ongoingai/tracedesk/internal/trace"
)

var (
	// ErrUserCancelled marks an operation the operator abandoned. It is
	// never surfaced as a notice.
	ErrUserCancelled = errors.New("operation cancelled")
	// ErrBackendUnavailable wraps backend failures for fetches, probes and
	// deletions.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// Backend is the trace service as seen by the console.
type Backend interface {
	FetchTraces(ctx context.Context) ([]*trace.Trace, error)
	FetchTraceDetails(ctx context.Context, id string) (*trace.Trace, error)
	CreateTrace(ctx context.Context, req trace.CreateRequest) (string, error)
	DeleteTrace(ctx context.Context, id string) error
	UpdateTraceMetadata(ctx context.Context, id string, patch map[string]any) (*trace.Trace, error)
	ListComments(ctx context.Context, objectType, objectID string) ([]trace.Comment, error)
	CreateComment(ctx context.Context, comment trace.Comment) (*trace.Comment, error)
	DeleteComment(ctx context.Context, id string) error
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is an operator-facing message.
type Notice struct {
	Level   Level
	Message string
	TraceID string
	Err     error
}

type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type discardNotifier struct{}

func (discardNotifier) Notify(Notice) {}
