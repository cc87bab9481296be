// Package middleware provides composable middleware for item execution.
// Middleware wraps each executor call synchronously and can modify it
// (recover from panics, log, enforce deadlines, record metrics, trace).
package middleware

import (
	"context"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
)

// Invocation identifies one executor call: which item of which job, and
// which attempt this is (1 is the initial attempt).
type Invocation struct {
	JobID   id.JobID
	JobType job.Type
	ItemID  string
	Attempt int
}

// Handler is the terminal function that performs the item's work and
// returns the executor payload.
type Handler func(ctx context.Context) ([]byte, error)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// current context, the invocation being executed, and the next handler.
// Middleware MUST call next to continue the chain (unless
// short-circuiting on error).
type Middleware func(ctx context.Context, inv *Invocation, next Handler) ([]byte, error)

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → executor
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) ([]byte, error) {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) ([]byte, error) {
				return mw(ctx, inv, prev)
			}
		}
		return h(ctx)
	}
}
