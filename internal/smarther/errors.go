package smarther

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a cloud API failure. The set is closed: every
// error path in this package maps onto exactly one kind.
type ErrorKind int

// API error kinds.
const (
	// KindTransient covers network failures, timeouts and 5xx responses.
	// Safe to retry with backoff.
	KindTransient ErrorKind = iota

	// KindRateLimited is a 429 response. RetryAfter carries the server's
	// requested delay when present.
	KindRateLimited

	// KindRejected covers 4xx responses other than 401/429: the request
	// itself is invalid and retrying will not help.
	KindRejected

	// KindAuthExpired means the access token was rejected even after a
	// forced refresh and retry.
	KindAuthExpired
)

// String returns a human-readable kind name for logging.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindRejected:
		return "rejected"
	case KindAuthExpired:
		return "auth_expired"
	default:
		return "unknown"
	}
}

// APIError is the error type returned by all Client operations.
type APIError struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Op names the failed operation (e.g. "set status").
	Op string

	// StatusCode is the HTTP status, or 0 for transport failures.
	StatusCode int

	// RetryAfter is the server-requested delay for KindRateLimited,
	// zero when the server sent no Retry-After header.
	RetryAfter time.Duration

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("smarther: %s: %s (status %d)", e.Op, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("smarther: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("smarther: %s: %s", e.Op, e.Kind)
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *APIError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from an error chain. Errors that are not
// an *APIError are treated as transient: they come from the transport
// layer and retrying is the safe default.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindTransient
}

// RetryAfterOf returns the server-requested retry delay, or zero if the
// error carries none.
func RetryAfterOf(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
