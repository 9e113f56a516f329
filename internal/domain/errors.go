package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Infrastructure facts returned by stores, optionally wrapped.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrDuplicateJob      = errors.New("duplicate job")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrCancelled         = errors.New("job cancelled")
)

// ValidationError is bad input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// DuplicateJobError signals that a job with the same fingerprint is in flight.
type DuplicateJobError struct {
	Fingerprint   string
	ExistingJobID string
}

func (e *DuplicateJobError) Error() string {
	return fmt.Sprintf("duplicate job: fingerprint %q already in flight as %s", e.Fingerprint, e.ExistingJobID)
}

func (e *DuplicateJobError) Is(target error) bool { return target == ErrDuplicateJob }

// RateLimitError is local throttling. Jobs hitting it are re-queued after RetryAfter.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
