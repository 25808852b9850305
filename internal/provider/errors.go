package provider

import (
	"context"
	"errors"
	"net"
	"strings"
)

// Error classifies a provider failure.
type Error struct {
	// Provider is the provider name.
	Provider string

	// StatusCode is the HTTP status when known, zero otherwise.
	StatusCode int

	// Retryable marks transient failures worth retrying.
	Retryable bool

	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Provider + ": provider error"
	}
	return e.Provider + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether an error is worth retrying: rate limits,
// server errors, and transient network failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"429",
		"overloaded",
		"500",
		"502",
		"503",
		"504",
		"connection reset",
		"connection refused",
		"timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
