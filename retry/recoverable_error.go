package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// RecoverableError is implemented by errors that know whether a retry can
// possibly succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable checks if an error can be retried
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	// Check if error explicitly implements RecoverableError interface
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}

	return isRecoverableByType(err)
}

// isRecoverableByType applies heuristics to determine if an error is recoverable
func isRecoverableByType(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true // Timeout errors are usually recoverable
	case errors.Is(err, context.Canceled):
		return false // Cancellation is intentional, don't retry
	}

	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Temporary() || netErr.Timeout() {
			return true
		}
	}

	// URL errors are usually network-related
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRecoverableByType(urlErr.Err)
	}

	// Patterns seen from LLM providers, stores, and notification channels
	errStr := strings.ToLower(err.Error())
	recoverablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"rate limit",
		"too many requests",
		"overloaded",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
	}
	for _, pattern := range recoverablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

type recoverableError struct {
	err error
}

func (e *recoverableError) Error() string { return e.err.Error() }

func (e *recoverableError) IsRecoverable() bool { return true }

func (e *recoverableError) Unwrap() error { return e.err }

// NewRecoverableError marks an error as retryable regardless of its type.
func NewRecoverableError(err error) RecoverableError {
	return &recoverableError{err: err}
}

// NonRecoverableError represents an error that should not be retried
type NonRecoverableError struct {
	err error
}

func (e *NonRecoverableError) Error() string { return e.err.Error() }

func (e *NonRecoverableError) IsRecoverable() bool { return false }

func (e *NonRecoverableError) Unwrap() error { return e.err }

func NewNonRecoverableError(err error) *NonRecoverableError {
	return &NonRecoverableError{err: err}
}
