package middleware

import (
	"context"
	"time"
)

// Timeout returns middleware that enforces a per-item execution deadline.
// When the deadline is exceeded the context is cancelled and the executor
// should return context.DeadlineExceeded. A zero duration disables the
// deadline and the middleware is a pass-through.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *Invocation, next Handler) ([]byte, error) {
		if d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
