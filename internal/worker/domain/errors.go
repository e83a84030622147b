package domain

import "errors"

var (
	// ErrInvalidMessage is returned when a queue message cannot be decoded
	ErrInvalidMessage = errors.New("invalid batch message")

	// ErrBatchSkipped is returned when a batch is no longer PENDING, e.g. canceled or claimed elsewhere
	ErrBatchSkipped = errors.New("batch skipped")

	// ErrInvalidBatch is returned when a stored batch cannot be expanded into a job
	ErrInvalidBatch = errors.New("invalid stored batch")
)

// RetryableError wraps transient errors that should trigger a requeue
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

// IsRetryable reports whether err asks for the message to be requeued
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
