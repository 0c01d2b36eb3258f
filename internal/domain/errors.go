package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job or prompt job cannot be found
	ErrNotFound = errors.New("job not found")

	// ErrConflict is returned when a guarded transition loses a race:
	// the job is no longer in any of the expected states
	ErrConflict = errors.New("job not in expected state")

	// ErrInvalidTransition is returned for moves the state machine forbids
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrProviderRejected means the provider refused the payload; never retried
	ErrProviderRejected = errors.New("provider rejected request")

	// ErrProviderUnavailable is a transient provider failure; retried with backoff
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrProviderTimeout means a job exceeded its expected progress window
	ErrProviderTimeout = errors.New("provider timed out")

	// ErrRequestNotFound means the provider has no record of a request id
	ErrRequestNotFound = errors.New("provider request not found")

	// ErrUnknownProviderState is returned for provider statuses outside the translation table
	ErrUnknownProviderState = errors.New("unknown provider state")
)

// ValidationError reports a malformed enqueue payload
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProviderError carries the provider's own message alongside a classification sentinel
type ProviderError struct {
	Kind       error
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *ProviderError) Unwrap() error {
	return e.Kind
}

// NewProviderRejected builds a non-retryable provider error
func NewProviderRejected(message string) error {
	return &ProviderError{Kind: ErrProviderRejected, Message: message}
}

// NewProviderUnavailable builds a retryable provider error
func NewProviderUnavailable(message string) error {
	return &ProviderError{Kind: ErrProviderUnavailable, Message: message}
}

// RetryableError wraps transient errors that should trigger a message requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err should be retried later
func IsRetryable(err error) bool {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return true
	}
	return errors.Is(err, ErrProviderUnavailable)
}
