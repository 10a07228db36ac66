package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a generation failure.
type Kind string

const (
	KindRateLimited Kind = "rate_limited"
	KindConnection  Kind = "connection_error"
	KindClient      Kind = "client_error"
	KindUnknown     Kind = "unknown"
)

// ErrNotConfigured is returned when a backend has no API key.
var ErrNotConfigured = errors.New("generation backend not configured")

// Error is a classified generation failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindConnection
}

// KindOf classifies err. Errors that are not an *Error are classified by
// shape: network failures are connection errors, everything else is unknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	if errors.Is(err, ErrNotConfigured) {
		return KindClient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnection
	}
	return KindUnknown
}

// kindForStatus maps an HTTP status from a provider to a Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindConnection
	case status >= 400:
		return KindClient
	}
	return KindUnknown
}
