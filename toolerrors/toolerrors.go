// Package toolerrors provides a structured error type for tool invocation
// failures that preserves a cause chain across sync-tool retries and
// async-tool callback failures while still supporting errors.Is/As.
package toolerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a structured tool failure. Errors may be nested via
// Cause to retain diagnostics across retries.
type Error struct {
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying tool error.
	Cause *Error
	// Retryable, when explicitly set by the tool via WithRetryable,
	// overrides the default tool retry predicate (spec §4.4).
	Retryable *bool
	// StatusCode is the HTTP-like status code associated with the failure,
	// when known; used by the default retry predicate.
	StatusCode int

	// orig is the non-Error value FromError converted into this Error, kept
	// so errors.Is still matches it.
	orig error
}

// New constructs an Error with the provided message.
func New(message string) *Error {
	if message == "" {
		message = "tool error"
	}
	return &Error{Message: message}
}

// NewWithCause constructs an Error that wraps an underlying error.
func NewWithCause(message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Message: message, Cause: FromError(cause)}
}

// Errorf formats according to a format specifier and returns an Error.
func Errorf(format string, args ...any) *Error {
	return New(fmt.Sprintf(format, args...))
}

// FromError converts an arbitrary error into an Error chain.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Message: err.Error(), Cause: FromError(errors.Unwrap(err)), orig: err}
}

// Is reports whether the error FromError converted into e matches target.
func (e *Error) Is(target error) bool {
	return e != nil && e.orig != nil && errors.Is(e.orig, target)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// WithRetryable marks the error's explicit retryability and returns it, for
// tools that implement a shouldRetryError classifier (spec §4.4).
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = &retryable
	return e
}

// WithStatusCode attaches an HTTP-like status code to the error.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// DefaultRetryable implements the spec's default tool retry predicate
// (spec §4.4 step 5): retry on 408/409/429/5xx, network/connection codes,
// rate-limit/5xx text; do not retry on other 4xx.
func DefaultRetryable(err error) bool {
	var te *Error
	if errors.As(err, &te) && te.Retryable != nil {
		return *te.Retryable
	}
	if errors.As(err, &te) {
		switch {
		case te.StatusCode == 408, te.StatusCode == 409, te.StatusCode == 429:
			return true
		case te.StatusCode >= 500 && te.StatusCode < 600:
			return true
		case te.StatusCode >= 400 && te.StatusCode < 500:
			return false
		}
	}
	return containsNetworkOrRateLimitText(err.Error())
}

func containsNetworkOrRateLimitText(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range []string{
		"econnreset", "econnrefused", "etimedout", "ehostunreach",
		"connection refused", "connection reset", "rate limit", "too many requests",
		"service unavailable", "internal server error", "bad gateway", "gateway timeout",
	} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
