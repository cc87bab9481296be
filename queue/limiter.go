package queue

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter throttles executor dispatch across all running jobs using a
// token-bucket limiter. A nil *Limiter imposes no limit, so callers can
// hold one unconditionally.
type Limiter struct {
	limiter *rate.Limiter
}

// NewLimiter creates a Limiter allowing perSecond sustained dispatches
// with the given burst. Burst values below 1 are raised to 1.
func NewLimiter(perSecond float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a dispatch token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}
