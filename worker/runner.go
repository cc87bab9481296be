package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
)

// State is the runner's view of scheduler-owned job state. Update
// serializes all mutation of a job; Snapshot returns a consistent copy
// taken under the same lock. Both report whether the job still exists.
type State interface {
	Update(jobID id.JobID, fn func(*job.Job)) bool
	Snapshot(jobID id.JobID) (*job.Job, bool)
}

// Events receives lifecycle notifications as the runner produces them.
type Events interface {
	PublishProgress(jobID id.JobID, p job.Progress)
	PublishError(jobID id.JobID, e job.Error)
	PublishComplete(jobID id.JobID, status job.Status, results []job.Result)
}

// Runner drives a single job from Running to a terminal state: it
// partitions the job's items into batches of at most MaxConcurrentItems,
// runs each batch concurrently through the Retrier, settles it fully
// before the next one starts, and checks the job's status between
// batches so pause and cancel take effect at batch boundaries.
type Runner struct {
	state   State
	events  Events
	retrier *Retrier
	persist func(id.JobID) // best-effort snapshot save, never nil
	stopCh  <-chan struct{}
	logger  *slog.Logger
}

// NewRunner creates a Runner. persist may be nil when no store is
// configured.
func NewRunner(
	state State,
	events Events,
	retrier *Retrier,
	persist func(id.JobID),
	stopCh <-chan struct{},
	logger *slog.Logger,
) *Runner {
	if persist == nil {
		persist = func(id.JobID) {}
	}
	return &Runner{
		state:   state,
		events:  events,
		retrier: retrier,
		persist: persist,
		stopCh:  stopCh,
		logger:  logger,
	}
}

// outcome is the settled disposition of one batch slot.
type outcome struct {
	res     job.Result
	settled bool
}

// Run executes the job until it is terminal, paused, or shutdown stops
// it. It blocks until then; the dispatcher runs it on its own goroutine
// and holds one job slot for the duration.
func (r *Runner) Run(ctx context.Context, jobID id.JobID) {
	var cfg job.Config
	var jobType job.Type
	started := false

	r.state.Update(jobID, func(j *job.Job) {
		// A job cancelled between dequeue and here stays cancelled.
		if j.Status != job.StatusQueued {
			return
		}
		j.Status = job.StatusRunning
		if j.StartedAt == nil {
			now := time.Now().UTC()
			j.StartedAt = &now
		}
		cfg = j.Config
		jobType = j.Type
		started = true
	})
	if !started {
		return
	}

	r.persist(jobID)
	r.logger.Info("job started",
		slog.String("job_id", jobID.String()),
		slog.String("job_type", string(jobType)),
	)

	for {
		snap, ok := r.state.Snapshot(jobID)
		if !ok {
			return
		}

		switch snap.Status {
		case job.StatusCancelled:
			r.finalize(jobID)
			return
		case job.StatusPaused:
			r.persist(jobID)
			r.logger.Info("job paused",
				slog.String("job_id", jobID.String()),
				slog.Int("cursor", snap.Cursor),
			)
			return
		case job.StatusRunning:
		default:
			return
		}

		select {
		case <-r.stopCh:
			r.requeueForShutdown(jobID)
			return
		default:
		}

		if snap.Cursor >= len(snap.Items) {
			break
		}

		end := min(snap.Cursor+cfg.MaxConcurrentItems, len(snap.Items))
		out := r.runBatch(ctx, jobID, jobType, cfg, snap.Items[snap.Cursor:end], nil)
		r.applyBatch(jobID, cfg, out)
	}

	r.sweepRetryable(ctx, jobID, jobType, cfg)
	r.finalize(jobID)
}

// runBatch dispatches all items of one batch concurrently and waits for
// every slot to settle or give up. Per-item prior attempt counts may be
// supplied for the end-of-job sweep; nil means first-time execution.
func (r *Runner) runBatch(
	ctx context.Context,
	jobID id.JobID,
	jobType job.Type,
	cfg job.Config,
	items []string,
	prior []int,
) []outcome {
	out := make([]outcome, len(items))
	record := func(e job.Error) { r.recordError(jobID, e) }

	var wg sync.WaitGroup
	for i, itemID := range items {
		it := Item{
			JobID:   jobID,
			JobType: jobType,
			ItemID:  itemID,
			Config:  cfg,
		}
		if prior != nil {
			it.PriorAttempts = prior[i]
			it.MaxAttempts = prior[i] + 1
		}

		wg.Add(1)
		go func(i int, it Item) {
			defer wg.Done()
			res, settled := r.retrier.TryItem(ctx, it, record)
			out[i] = outcome{res: res, settled: settled}
		}(i, it)
	}
	wg.Wait()

	return out
}

// applyBatch records results and advances the cursor, then emits one
// progress event and applies the pause-on-error rule.
//
// The cursor only advances over the settled prefix of the batch. A slot
// can be unsettled only when shutdown interrupted its backoff wait; in
// that case later settled slots are discarded too, so resuming the job
// re-runs everything from the cursor and no item is ever skipped.
func (r *Runner) applyBatch(jobID id.JobID, cfg job.Config, out []outcome) {
	settled := 0
	for _, o := range out {
		if !o.settled {
			break
		}
		settled++
	}

	hadPermanentFailure := false
	var progress job.Progress

	r.state.Update(jobID, func(j *job.Job) {
		for _, o := range out[:settled] {
			j.Results = append(j.Results, o.res)
			if o.res.Success {
				j.ProcessedCount++
			} else {
				j.FailedCount++
				hadPermanentFailure = true
			}
		}
		// The sweep re-runs items the cursor already passed; clamp so it
		// never overshoots the item list.
		j.Cursor = min(j.Cursor+settled, len(j.Items))
		progress = j.Progress(time.Now())
	})

	r.events.PublishProgress(jobID, progress)

	if hadPermanentFailure && cfg.PauseOnError {
		r.state.Update(jobID, func(j *job.Job) {
			if j.Status == job.StatusRunning {
				j.Status = job.StatusPaused
			}
		})
	}
}

// recordError upserts the latest error for an item (one entry per item,
// carrying the most recent attempt) and emits an error event for every
// recorded attempt, transient ones included.
func (r *Runner) recordError(jobID id.JobID, e job.Error) {
	r.state.Update(jobID, func(j *job.Job) {
		for i := range j.Errors {
			if j.Errors[i].ItemID == e.ItemID {
				j.Errors[i] = e
				return
			}
		}
		j.Errors = append(j.Errors, e)
	})
	r.events.PublishError(jobID, e)
}

// sweepRetryable gives items whose latest error is still retryable and
// which never settled one more attempt under the same backoff rule.
// Under normal operation inline retries exhaust the budget and this is a
// no-op; candidates exist after a shutdown interrupted retries and the
// job was later resumed.
func (r *Runner) sweepRetryable(ctx context.Context, jobID id.JobID, jobType job.Type, cfg job.Config) {
	snap, ok := r.state.Snapshot(jobID)
	if !ok || snap.Status != job.StatusRunning {
		return
	}

	settled := make(map[string]bool, len(snap.Results))
	for _, res := range snap.Results {
		settled[res.ItemID] = true
	}

	var items []string
	var prior []int
	for _, e := range snap.Errors {
		if e.Retryable && !settled[e.ItemID] {
			items = append(items, e.ItemID)
			prior = append(prior, e.Attempt)
		}
	}
	if len(items) == 0 {
		return
	}

	r.logger.Info("retrying leftover retryable failures",
		slog.String("job_id", jobID.String()),
		slog.Int("count", len(items)),
	)

	for start := 0; start < len(items); start += cfg.MaxConcurrentItems {
		end := min(start+cfg.MaxConcurrentItems, len(items))
		out := r.runBatch(ctx, jobID, jobType, cfg, items[start:end], prior[start:end])
		r.applyBatch(jobID, cfg, out)
	}
}

// requeueForShutdown puts a still-running job back in queued state so a
// later Start resumes it from the cursor.
func (r *Runner) requeueForShutdown(jobID id.JobID) {
	r.state.Update(jobID, func(j *job.Job) {
		if j.Status == job.StatusRunning {
			j.Status = job.StatusQueued
		}
	})
	r.persist(jobID)
	r.logger.Info("job requeued for shutdown", slog.String("job_id", jobID.String()))
}

// finalize settles the job's terminal status, persists it, and emits the
// terminal event. A job every item of which failed permanently (with at
// least one error recorded) finishes Failed; anything else finishes
// Completed. Cancelled jobs keep their status and the completion time
// set when they were cancelled.
func (r *Runner) finalize(jobID id.JobID) {
	var status job.Status
	var results []job.Result
	found := false

	r.state.Update(jobID, func(j *job.Job) {
		found = true
		if !j.Status.Terminal() {
			if len(j.Items) > 0 && j.FailedCount == len(j.Items) && len(j.Errors) > 0 {
				j.Status = job.StatusFailed
			} else {
				j.Status = job.StatusCompleted
			}
			now := time.Now().UTC()
			j.CompletedAt = &now
		}
		status = j.Status
		results = append([]job.Result(nil), j.Results...)
	})
	if !found {
		return
	}

	r.persist(jobID)
	r.events.PublishComplete(jobID, status, results)
	r.logger.Info("job finished",
		slog.String("job_id", jobID.String()),
		slog.String("status", string(status)),
		slog.Int("results", len(results)),
	)
}
