// Package worker contains the execution core of the scheduler: the
// Executor contract the scheduler consumes, the Retrier that wraps
// executor calls with bounded retries and backoff, and the Runner that
// drives one job through its batches.
package worker

import (
	"context"
	"errors"

	"github.com/mosaicdocs/batch/job"
)

// Executor performs the actual work for one item of one job type. It is
// the scheduler's sole point of contact with document parsing,
// compression, indexing and the rest; the scheduler never inspects item
// content. Implementations must be safe for concurrent calls.
type Executor interface {
	// Execute processes itemID for the given job type and returns an
	// opaque payload. Returned errors are retryable unless wrapped with
	// Fatal.
	Execute(ctx context.Context, jobType job.Type, itemID string) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, jobType job.Type, itemID string) ([]byte, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, jobType job.Type, itemID string) ([]byte, error) {
	return f(ctx, jobType, itemID)
}

// ItemError carries an executor error together with its retryable flag.
type ItemError struct {
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (e *ItemError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *ItemError) Unwrap() error { return e.Err }

// Fatal marks err as non-retryable: the item fails permanently on the
// first such error, regardless of remaining retry budget.
func Fatal(err error) error {
	return &ItemError{Err: err, Retryable: false}
}

// Retryable explicitly marks err as retryable. Unwrapped errors are
// already treated as retryable; this exists for symmetry with Fatal.
func Retryable(err error) error {
	return &ItemError{Err: err, Retryable: true}
}

// IsRetryable reports whether err may be retried. Errors not wrapped in
// an ItemError default to retryable.
func IsRetryable(err error) bool {
	var itemErr *ItemError
	if errors.As(err, &itemErr) {
		return itemErr.Retryable
	}
	return true
}
