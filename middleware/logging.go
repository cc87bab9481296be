package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs item start and completion.
// Per-item logs are Debug level; failures are logged at Warn with the
// attempt number so retries are distinguishable.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, inv *Invocation, next Handler) ([]byte, error) {
		logger.Debug("item started",
			slog.String("job_id", inv.JobID.String()),
			slog.String("item_id", inv.ItemID),
			slog.Int("attempt", inv.Attempt),
		)

		start := time.Now()
		payload, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Warn("item failed",
				slog.String("job_id", inv.JobID.String()),
				slog.String("item_id", inv.ItemID),
				slog.Int("attempt", inv.Attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Debug("item completed",
				slog.String("job_id", inv.JobID.String()),
				slog.String("item_id", inv.ItemID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return payload, err
	}
}
