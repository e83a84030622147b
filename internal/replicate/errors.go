package replicate

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

var (
	// ErrMissingToken is returned when the client has no API token configured
	ErrMissingToken = errors.New("replicate: API token is missing")

	// ErrMalformedOutput is returned when a prediction output has no usable shape
	ErrMalformedOutput = errors.New("replicate: malformed prediction output")
)

// rateLimitPattern matches a 429 only where it reads as a status code
var rateLimitPattern = regexp.MustCompile(`(?i)\b(?:http|status(?:\s+code)?|code)[\s:=]*429\b|too many requests`)

// APIError is a non-2xx response or a failed prediction
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("replicate: http %d", e.StatusCode)
	}
	return fmt.Sprintf("replicate: http %d: %s", e.StatusCode, e.Detail)
}

// RetryableError marks a failure the caller may retry after backing off
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err indicates an HTTP 429. A failed
// prediction never counts, whatever its ID or detail contains.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var predErr *PredictionError
	if errors.As(err, &predErr) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return rateLimitPattern.MatchString(err.Error())
}

// IsRetryable reports whether err was classified as retryable by the client
func IsRetryable(err error) bool {
	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// classify wraps rate-limit failures so callers can decide on a retry with errors.As
func classify(err error) error {
	if err == nil || IsRetryable(err) {
		return err
	}
	if IsRateLimited(err) {
		return &RetryableError{Err: err}
	}
	return err
}

// PredictionError is a prediction that reached a failed or canceled state
type PredictionError struct {
	ID     string
	Status string
	Detail string
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("replicate: prediction %s %s: %s", e.ID, e.Status, e.Detail)
}
