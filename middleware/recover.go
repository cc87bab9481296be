package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that recovers from panics in the executor.
// Panics are converted to item errors and logged with a stack trace, so a
// panicking executor never takes down the dispatcher.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) (payload []byte, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				logger.Error("executor panicked",
					slog.String("job_id", inv.JobID.String()),
					slog.String("job_type", string(inv.JobType)),
					slog.String("item_id", inv.ItemID),
					slog.Any("panic", r),
					slog.String("stack", stack),
				)
				payload = nil
				retErr = fmt.Errorf("panic executing item %s: %v", inv.ItemID, r)
			}
		}()
		return next(ctx)
	}
}
