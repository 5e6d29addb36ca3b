package kilat

import (
	"errors"
	"fmt"
	"time"
)

// Error types classifying every failure surfaced by the factory.
const (
	// ErrorTypeInvalidArgument marks malformed URIs, unsupported methods and
	// negative size limits. Rejected synchronously, never retried.
	ErrorTypeInvalidArgument = "InvalidArgument"

	// ErrorTypeInvalidState marks programmer errors such as executing the
	// same Request twice or mutating it after execution started.
	ErrorTypeInvalidState = "InvalidState"

	// ErrorTypeConnection marks network-level failures establishing or
	// maintaining a connection. Delivered through the request's completion
	// channel like any other failed outcome; the core never retries.
	ErrorTypeConnection = "ConnectionFailure"

	// ErrorTypeCancelled marks explicit cancellation. Terminal, and not an
	// error from the factory's perspective, though callers awaiting
	// completion observe it as a failure.
	ErrorTypeCancelled = "Cancelled"

	// ErrorTypeResourceExhausted marks a saturated execution resource. The
	// request is rejected rather than queued indefinitely.
	ErrorTypeResourceExhausted = "ResourceExhausted"

	// ErrorTypeSizeLimit marks an aggregated response exceeding the
	// configured maximum message size.
	ErrorTypeSizeLimit = "SizeLimit"

	// ErrorTypeShutdown marks requests rejected by a closed factory and
	// shutdowns that failed to drain within the grace period.
	ErrorTypeShutdown = "Shutdown"
)

// Sentinel errors for common failure scenarios
var (
	// ErrExecuted is returned when a Request is executed more than once.
	ErrExecuted = errors.New("kilat: request already executed")

	// ErrCancelled is returned when a request was explicitly cancelled.
	ErrCancelled = errors.New("kilat: request cancelled")

	// ErrFactoryClosed is returned when creating or executing requests
	// against a factory after Shutdown.
	ErrFactoryClosed = errors.New("kilat: factory closed")

	// ErrResourceExhausted is returned when the in-flight limit is reached.
	ErrResourceExhausted = errors.New("kilat: execution resource exhausted")

	// ErrResponseTooLarge is returned when the aggregated response exceeds
	// the configured maximum size.
	ErrResponseTooLarge = errors.New("kilat: response exceeds maximum size")

	// ErrDrainTimeout is returned by Shutdown when in-flight requests did
	// not complete within the grace period and were forcibly terminated.
	ErrDrainTimeout = errors.New("kilat: shutdown grace period elapsed")
)

// ClientError is the structured error surfaced to callers. Type is one of
// the ErrorType constants above.
type ClientError struct {
	Type      string
	Message   string
	Cause     error
	Method    string
	URL       string
	Timestamp time.Time
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		if e.URL != "" {
			return fmt.Sprintf("%s: %s %s: %s (%v)", e.Type, e.Method, e.URL, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Cause)
	}
	if e.URL != "" {
		return fmt.Sprintf("%s: %s %s: %s", e.Type, e.Method, e.URL, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsTerminalFailure reports whether err is a failure that ended a request's
// lifecycle: cancellation, connection loss, size-limit violation or a
// factory shutdown. Configuration and state errors return false because the
// request never ran.
func IsTerminalFailure(err error) bool {
	if err == nil {
		return false
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeConnection, ErrorTypeCancelled, ErrorTypeSizeLimit, ErrorTypeShutdown, ErrorTypeResourceExhausted:
			return true
		}
		return false
	}
	return errors.Is(err, ErrCancelled) || errors.Is(err, ErrResponseTooLarge) || errors.Is(err, ErrFactoryClosed)
}

func newClientError(errorType, message string, cause error) *ClientError {
	return &ClientError{
		Type:      errorType,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

func (r *Request) newRequestError(errorType, message string, cause error) *ClientError {
	e := newClientError(errorType, message, cause)
	e.Method = r.method
	if r.url != nil {
		e.URL = r.url.String()
	}
	return e
}
