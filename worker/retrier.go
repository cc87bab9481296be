package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/mosaicdocs/batch/backoff"
	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
	"github.com/mosaicdocs/batch/middleware"
	"github.com/mosaicdocs/batch/queue"
)

// Item identifies one unit of work handed to the Retrier.
type Item struct {
	JobID   id.JobID
	JobType job.Type
	ItemID  string
	Config  job.Config

	// PriorAttempts is how many attempts were already made for this item
	// in an earlier pass. Zero for first-time execution.
	PriorAttempts int

	// MaxAttempts caps total attempts including PriorAttempts. Zero means
	// PriorAttempts + Config.RetryAttempts + 1.
	MaxAttempts int
}

// Retrier wraps executor calls with bounded retries and backoff. On each
// failure it records a job.Error through the caller's sink; once the
// retry budget is exhausted (or the error is fatal) the recorded error is
// marked non-retryable and the item settles as permanently failed.
type Retrier struct {
	executor Executor
	strategy backoff.Strategy // nil: linear from the job's RetryDelay
	chain    middleware.Middleware
	limiter  *queue.Limiter
	stopCh   <-chan struct{}
	logger   *slog.Logger
}

// NewRetrier creates a Retrier. strategy may be nil to use linear backoff
// derived from each job's RetryDelay; limiter may be nil for unthrottled
// dispatch.
func NewRetrier(
	executor Executor,
	strategy backoff.Strategy,
	chain middleware.Middleware,
	limiter *queue.Limiter,
	stopCh <-chan struct{},
	logger *slog.Logger,
) *Retrier {
	return &Retrier{
		executor: executor,
		strategy: strategy,
		chain:    chain,
		limiter:  limiter,
		stopCh:   stopCh,
		logger:   logger,
	}
}

// TryItem runs one item to its final disposition. Every failed attempt is
// recorded through record before any backoff wait, so subscribers see
// transient errors as they happen.
//
// The second return value reports whether the item settled. It is false
// only when shutdown (or context cancellation) interrupted a backoff
// wait; the item's latest recorded error is then still retryable and the
// item is neither counted nor given a result.
func (r *Retrier) TryItem(ctx context.Context, it Item, record func(job.Error)) (job.Result, bool) {
	maxAttempts := it.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = it.PriorAttempts + it.Config.RetryAttempts + 1
	}
	strategy := r.strategy
	if strategy == nil {
		strategy = backoff.NewLinear(it.Config.RetryDelay, 0)
	}

	start := time.Now()
	attempt := it.PriorAttempts

	for {
		attempt++

		if err := r.limiter.Wait(ctx); err != nil {
			return job.Result{}, false
		}

		inv := &middleware.Invocation{
			JobID:   it.JobID,
			JobType: it.JobType,
			ItemID:  it.ItemID,
			Attempt: attempt,
		}
		payload, err := r.chain(ctx, inv, func(ctx context.Context) ([]byte, error) {
			return r.executor.Execute(ctx, it.JobType, it.ItemID)
		})

		if err == nil {
			return job.Result{
				ItemID:         it.ItemID,
				Success:        true,
				ProcessingTime: time.Since(start),
				Payload:        payload,
			}, true
		}

		retryable := IsRetryable(err)
		exhausted := attempt >= maxAttempts

		record(job.Error{
			ItemID:    it.ItemID,
			Message:   err.Error(),
			Timestamp: time.Now().UTC(),
			Retryable: retryable && !exhausted,
			Attempt:   attempt,
		})

		if !retryable || exhausted {
			return job.Result{
				ItemID:         it.ItemID,
				Success:        false,
				ProcessingTime: time.Since(start),
			}, true
		}

		delay := strategy.Delay(attempt)
		r.logger.Debug("item retry scheduled",
			slog.String("job_id", it.JobID.String()),
			slog.String("item_id", it.ItemID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.stopCh:
			timer.Stop()
			return job.Result{}, false
		case <-ctx.Done():
			timer.Stop()
			return job.Result{}, false
		}
	}
}
