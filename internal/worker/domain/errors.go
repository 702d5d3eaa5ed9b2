package domain

import (
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the ledger or registry
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned when a registry entry already exists for a job id
	ErrJobExists = errors.New("job already registered")

	// ErrDuplicateJob is returned when a job id has already been admitted
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrMalformedMessage is returned when an inbound job message lacks a required field
	ErrMalformedMessage = errors.New("malformed job message")

	// ErrJobInterrupted is returned when the worker shuts down while a job is running
	ErrJobInterrupted = errors.New("job interrupted by shutdown")

	// ErrSourceClosed is returned when the broker closes the delivery channel
	ErrSourceClosed = errors.New("message source closed")

	// ErrNoFilesDelivered is returned when every file of a job failed to upload
	ErrNoFilesDelivered = errors.New("no files delivered")
)

// RetryableError wraps transient errors that should trigger another attempt
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// RetryAfter is the delay requested by the remote side, zero when unknown
func (e *RetryableError) RetryAfter() time.Duration {
	return e.After
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// NewRetryableErrorAfter creates a retryable error carrying a server supplied delay
func NewRetryableErrorAfter(err error, after time.Duration) error {
	return &RetryableError{Err: err, After: after}
}

// IsRetryable reports whether err, or anything it wraps, is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
