// Package retry classifies node failures as transient or fatal and provides
// a backoff runner for transient ones. Approval workflows route fatal
// failures straight to escalation; transient ones are worth another attempt.
package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// TransientError marks an error as worth retrying.
type TransientError interface {
	error
	IsTransient() bool
}

// IsTransient checks if an error can be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Check if error explicitly implements TransientError
	var transient TransientError
	if errors.As(err, &transient) {
		return transient.IsTransient()
	}

	// Default heuristics for common error types
	return isTransientByType(err)
}

// isTransientByType applies heuristics to determine if an error is transient
func isTransientByType(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true // Timeout errors are usually transient
	case errors.Is(err, context.Canceled):
		return false // Cancellation is intentional, don't retry
	}

	// Check for network errors
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Temporary() || netErr.Timeout() {
			return true
		}
	}

	// Check for URL errors (often network-related)
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isTransientByType(urlErr.Err)
	}

	// Collaborator failures seen in practice: the document store surfaces
	// lock contention and throttling that clear on their own, and the
	// notification transport fails like any HTTP upstream.
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"document is locked",
		"deadlock",
		"lock wait",
		"too many requests",
		"rate limit",
		"service unavailable",
		"internal server error",
		"bad gateway",
		"gateway timeout",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

type transientError struct {
	err error
}

func (e *transientError) Error() string {
	return e.err.Error()
}

func (e *transientError) IsTransient() bool {
	return true
}

func (e *transientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error so it is always retried.
func NewTransientError(err error) *transientError {
	return &transientError{err: err}
}

// FatalError represents an error that should never be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) IsTransient() bool {
	return false
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error so it short-circuits retry loops.
func NewFatalError(err error) *FatalError {
	return &FatalError{err: err}
}
