package models

import "errors"

// Failure taxonomy shared by the queue, pool, and processors.
var (
	// ErrValidation marks bad job types or payloads. Fatal, never retried.
	ErrValidation = errors.New("validation failed")

	// ErrTransient marks a failed AI or persistence call. Retried with
	// backoff up to the job's max retries, then dead-lettered.
	ErrTransient = errors.New("transient provider error")

	// ErrTimeout marks a job that exceeded its processing deadline.
	// Handled exactly like ErrTransient.
	ErrTimeout = errors.New("processing timeout")

	// ErrConfiguration marks a job type with no registered processor.
	// Fatal, never retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned for lookups of unknown jobs or emails.
	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether a processor failure should go back through
// the retry/backoff path rather than straight to failed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrConfiguration) {
		return false
	}
	// Unknown errors are treated as transient so flaky collaborators get
	// the benefit of the retry budget.
	return true
}
