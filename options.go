package batch

import (
	"log/slog"

	"github.com/mosaicdocs/batch/backoff"
	"github.com/mosaicdocs/batch/middleware"
	"github.com/mosaicdocs/batch/queue"
	"github.com/mosaicdocs/batch/store"
	"github.com/mosaicdocs/batch/stream"
)

// Option configures a Scheduler.
type Option func(*Scheduler) error

// WithConfig replaces the scheduler's process-wide defaults.
func WithConfig(cfg Config) Option {
	return func(s *Scheduler) error {
		s.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) error {
		s.logger = l
		return nil
	}
}

// WithStore sets the snapshot persistence backend. Without it the
// scheduler runs purely in-memory.
func WithStore(st store.Store) Option {
	return func(s *Scheduler) error {
		s.store = st
		return nil
	}
}

// WithBackoff overrides the retry backoff strategy. The default is
// linear backoff derived from each job's RetryDelay.
func WithBackoff(strategy backoff.Strategy) Option {
	return func(s *Scheduler) error {
		s.strategy = strategy
		return nil
	}
}

// WithRateLimit throttles executor dispatch process-wide to perSecond
// sustained calls with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Scheduler) error {
		s.limiter = queue.NewLimiter(perSecond, burst)
		return nil
	}
}

// WithMiddleware appends middleware to the item execution chain, inside
// the built-in logging and panic recovery but outside the per-item
// timeout. Use it to add middleware.Metrics or middleware.Tracing.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Scheduler) error {
		s.extraMW = append(s.extraMW, mws...)
		return nil
	}
}

// WithHubBufferSize sets the per-subscription event buffer size.
func WithHubBufferSize(size int) Option {
	return func(s *Scheduler) error {
		s.hubOpts = append(s.hubOpts, stream.WithBufferSize(size))
		return nil
	}
}
