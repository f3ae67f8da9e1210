package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a model-call failure for retry and reporting decisions.
type Kind string

const (
	// KindTimeout is a deadline exceeded talking to the backend. Retryable.
	KindTimeout Kind = "timeout"

	// KindRateLimited is an HTTP 429. Retryable with backoff.
	KindRateLimited Kind = "rate_limited"

	// KindServer is an HTTP 5xx from the backend. Retryable with backoff.
	KindServer Kind = "server"

	// KindInvalidRequest is a non-429 4xx. Not retryable.
	KindInvalidRequest Kind = "invalid_request"

	// KindConnection is a transport-level failure. Not retryable.
	KindConnection Kind = "connection"

	// KindInvalidResponse is a malformed or error-enveloped body.
	KindInvalidResponse Kind = "invalid_response"

	// KindConfig is a missing or inconsistent model configuration.
	KindConfig Kind = "config"
)

// Error is a typed model-call failure.
type Error struct {
	Kind Kind
	Role Role
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm %s (%s): %v", e.Kind, e.Role, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind, or "" for untyped errors.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// Retryable reports whether the error kind is retried by the client's
// backoff schedule.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindRateLimited, KindServer:
		return true
	default:
		return false
	}
}
