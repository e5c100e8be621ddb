package trace

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// WriteErrorClass groups persistence failures so operators can alert on
// categories instead of driver-specific error types.
type WriteErrorClass string

const (
	WriteErrorClassConnection WriteErrorClass = "connection"
	WriteErrorClassTimeout    WriteErrorClass = "timeout"
	WriteErrorClassContention WriteErrorClass = "contention"
	WriteErrorClassConstraint WriteErrorClass = "constraint"
	WriteErrorClassUnknown    WriteErrorClass = "unknown"
)

var writeErrorMessageClasses = []struct {
	class   WriteErrorClass
	needles []string
}{
	{WriteErrorClassConnection, []string{"connection refused", "broken pipe", "no such host", "connection reset"}},
	{WriteErrorClassTimeout, []string{"timeout", "deadline exceeded"}},
	{WriteErrorClassContention, []string{"sqlite_busy", "database is locked"}},
	{WriteErrorClassConstraint, []string{"constraint failed", "violates unique constraint", "violates check constraint", "violates foreign key constraint", "duplicate key"}},
}

// ClassifyWriteError maps a storage error onto a WriteErrorClass.
func ClassifyWriteError(err error) WriteErrorClass {
	if err == nil {
		return WriteErrorClassUnknown
	}

	// Timeouts first: a net.Error can be both a timeout and an *net.OpError.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return WriteErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WriteErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	// Drivers frequently flatten errors into strings.
	msg := strings.ToLower(err.Error())
	for _, entry := range writeErrorMessageClasses {
		for _, needle := range entry.needles {
			if strings.Contains(msg, needle) {
				return entry.class
			}
		}
	}
	return WriteErrorClassUnknown
}
