package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mosaicdocs/batch/backoff"
	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
	"github.com/mosaicdocs/batch/middleware"
	"github.com/mosaicdocs/batch/queue"
	"github.com/mosaicdocs/batch/store"
	"github.com/mosaicdocs/batch/stream"
	"github.com/mosaicdocs/batch/worker"
)

// persistTimeout bounds each best-effort store call.
const persistTimeout = 5 * time.Second

// Scheduler is the batch job engine. Create one with New, then Start it.
// All exported methods are safe for concurrent use.
//
// The scheduler exclusively owns mutation of job status, counters,
// results and errors; callers receive copies and interact through the
// lifecycle methods.
type Scheduler struct {
	config   Config
	logger   *slog.Logger
	store    store.Store
	executor worker.Executor
	strategy backoff.Strategy
	limiter  *queue.Limiter
	extraMW  []middleware.Middleware
	hubOpts  []stream.HubOption

	hub   *stream.Hub
	queue *queue.Queue

	mu      sync.RWMutex
	jobs    map[string]*job.Job
	runners map[string]struct{} // jobs with an attached runner
	emitted map[string]struct{} // jobs whose terminal event already fired
	active  int
	running bool

	runner    *worker.Runner
	stopCh    chan struct{}
	runCtx    context.Context
	cancelRun context.CancelFunc

	// wake is poked on submission, completion and lifecycle events so the
	// dispatch loop never polls on a timer.
	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a Scheduler around the given executor.
func New(executor worker.Executor, opts ...Option) (*Scheduler, error) {
	if executor == nil {
		return nil, ErrNoExecutor
	}

	s := &Scheduler{
		config:   DefaultConfig(),
		logger:   slog.Default(),
		executor: executor,
		queue:    queue.New(),
		jobs:     make(map[string]*job.Job),
		runners:  make(map[string]struct{}),
		emitted:  make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	s.hub = stream.NewHub(s.logger, s.hubOpts...)
	return s, nil
}

// ──────────────────────────────────────────────────
// Lifecycle — Start / Stop
// ──────────────────────────────────────────────────

// Start restores persisted jobs, launches the dispatch loop and the
// janitor, and begins running queued work. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())
	s.mu.Unlock()

	if err := s.restore(ctx); err != nil {
		s.logger.Warn("restore from store failed, continuing in-memory",
			slog.String("error", err.Error()))
	}

	mws := make([]middleware.Middleware, 0, 3+len(s.extraMW))
	mws = append(mws,
		middleware.Logging(s.logger),
		middleware.Recover(s.logger),
	)
	mws = append(mws, s.extraMW...)
	mws = append(mws, middleware.Timeout(s.config.ItemTimeout))
	chain := middleware.Chain(mws...)

	retrier := worker.NewRetrier(s.executor, s.strategy, chain, s.limiter, s.stopCh, s.logger)
	persist := func(jobID id.JobID) { s.persistJob(context.Background(), jobID) }
	s.runner = worker.NewRunner(stateView{s}, eventSink{s}, retrier, persist, s.stopCh, s.logger)

	s.rebuildQueue()

	s.wg.Add(2)
	go s.dispatchLoop()
	go s.janitorLoop()
	s.poke()

	s.logger.Info("scheduler started",
		slog.Int("max_concurrent_jobs", s.config.MaxConcurrentJobs),
		slog.Int("max_concurrent_items", s.config.MaxConcurrentItems),
	)
	return nil
}

// Stop drains the scheduler: no new jobs start, running jobs stop at
// their next batch boundary and are requeued, and every job is
// snapshotted. If ctx expires first, in-flight items are cancelled.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("scheduler stopping")
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("shutdown deadline exceeded, cancelling in-flight items")
		s.cancelRun()
		<-done
	}
	s.cancelRun()

	s.persistAll()
	s.hub.CloseAll()
	s.logger.Info("scheduler stopped")
	return nil
}

// restore merges persisted snapshots into the in-memory job map. Jobs
// that were mid-run when the snapshot was taken come back as queued, at
// the front of their band (their cursor preserves completed work).
func (s *Scheduler) restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	snaps, err := s.store.LoadJobs(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, snap := range snaps {
		key := snap.ID.String()
		if _, exists := s.jobs[key]; exists {
			continue // in-memory state wins
		}
		if snap.Status == job.StatusRunning {
			snap.Status = job.StatusQueued
		}
		s.jobs[key] = snap
		if snap.Status.Terminal() {
			s.emitted[key] = struct{}{}
		}
		restored++
	}
	if restored > 0 {
		s.logger.Info("jobs restored from store", slog.Int("count", restored))
	}
	return nil
}

// rebuildQueue re-enqueues every queued job: fresh submissions in
// creation order, interrupted jobs (non-zero cursor) ahead of them.
func (s *Scheduler) rebuildQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh, resumed []*job.Job
	for _, j := range s.jobs {
		if j.Status != job.StatusQueued {
			continue
		}
		if j.Cursor > 0 {
			resumed = append(resumed, j)
		} else {
			fresh = append(fresh, j)
		}
	}
	sort.Slice(fresh, func(i, k int) bool { return fresh[i].CreatedAt.Before(fresh[k].CreatedAt) })
	sort.Slice(resumed, func(i, k int) bool { return resumed[i].CreatedAt.Before(resumed[k].CreatedAt) })

	s.queue = queue.New()
	for _, j := range fresh {
		s.queue.Enqueue(j)
	}
	// EnqueueFront inserts at the band head, so walk backwards to keep
	// creation order among resumed jobs.
	for i := len(resumed) - 1; i >= 0; i-- {
		s.queue.EnqueueFront(resumed[i])
	}
}

// ──────────────────────────────────────────────────
// Dispatch loop
// ──────────────────────────────────────────────────

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wake:
		}
		s.dispatchReady()
	}
}

// dispatchReady starts queued jobs until the global job limit is reached
// or the queue is empty. A job whose previous runner is still draining
// (resume raced with a pause observation) is set aside rather than
// blocking admission of the jobs behind it; it re-enters at its band
// front and runs on that runner's exit poke.
func (s *Scheduler) dispatchReady() {
	var draining []*job.Job
	defer func() {
		if len(draining) == 0 {
			return
		}
		s.mu.Lock()
		for i := len(draining) - 1; i >= 0; i-- {
			// Re-check under the lock: a cancel may have landed while the
			// job was set aside.
			if draining[i].Status == job.StatusQueued {
				s.queue.EnqueueFront(draining[i])
			}
		}
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if s.active >= s.config.MaxConcurrentJobs {
			s.mu.Unlock()
			return
		}
		j := s.queue.Dequeue()
		if j == nil {
			s.mu.Unlock()
			return
		}
		key := j.ID.String()
		if _, busy := s.runners[key]; busy {
			draining = append(draining, j)
			s.mu.Unlock()
			continue
		}
		s.runners[key] = struct{}{}
		s.active++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.runJob(j.ID)
	}
}

func (s *Scheduler) runJob(jobID id.JobID) {
	defer s.wg.Done()

	s.runner.Run(s.runCtx, jobID)

	s.mu.Lock()
	delete(s.runners, jobID.String())
	s.active--
	s.mu.Unlock()

	// A cancel can land just as the runner exits for another reason; make
	// sure the terminal event still fires exactly once.
	if snap, ok := s.snapshot(jobID); ok && snap.Status == job.StatusCancelled {
		s.emitComplete(jobID, snap.Status, snap.Results)
	}

	s.poke()
}

// ──────────────────────────────────────────────────
// Submission and queries
// ──────────────────────────────────────────────────

// Submit admits a new job and returns its ID. Options are merged over
// the scheduler's defaults; the job starts as soon as priority order and
// the global job limit allow.
func (s *Scheduler) Submit(ctx context.Context, jobType job.Type, items []string, opts ...job.Option) (id.JobID, error) {
	if !jobType.Valid() {
		return id.Nil, fmt.Errorf("batch: submit type %q: %w", jobType, ErrUnknownJobType)
	}
	if len(items) == 0 {
		return id.Nil, ErrNoItems
	}

	o := job.Options{
		Priority: job.PriorityNormal,
		Config: job.Config{
			MaxConcurrentItems: s.config.MaxConcurrentItems,
			RetryAttempts:      s.config.RetryAttempts,
			RetryDelay:         s.config.RetryDelay,
			PauseOnError:       s.config.PauseOnError,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	j := job.New(jobType, items, o)

	s.mu.Lock()
	s.jobs[j.ID.String()] = j
	s.queue.Enqueue(j)
	s.mu.Unlock()

	s.persistJob(ctx, j.ID)
	s.poke()

	s.logger.Info("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(jobType)),
		slog.String("priority", j.Priority.String()),
		slog.Int("items", len(items)),
	)
	return j.ID, nil
}

// GetJob returns a copy of the job.
func (s *Scheduler) GetJob(jobID id.JobID) (*job.Job, error) {
	snap, ok := s.snapshot(jobID)
	if !ok {
		return nil, fmt.Errorf("batch: get job %s: %w", jobID, ErrJobNotFound)
	}
	return snap, nil
}

// Filter selects jobs for ListJobs. Zero values match everything.
type Filter struct {
	Status job.Status
	Type   job.Type
}

// ListJobs returns copies of all matching jobs, oldest first.
func (s *Scheduler) ListJobs(f Filter) []*job.Job {
	s.mu.RLock()
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		out = append(out, j.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Stats aggregates counters across all known jobs.
func (s *Scheduler) Stats() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Statistics
	var totalTime time.Duration
	var nResults int

	for _, j := range s.jobs {
		st.TotalJobs++
		switch j.Status {
		case job.StatusRunning:
			st.ActiveJobs++
		case job.StatusCompleted:
			st.CompletedJobs++
		case job.StatusFailed:
			st.FailedJobs++
		}
		st.TotalItemsProcessed += j.ProcessedCount
		st.TotalItemsFailed += j.FailedCount
		for _, res := range j.Results {
			totalTime += res.ProcessingTime
			nResults++
		}
	}
	if nResults > 0 {
		st.AverageProcessingTime = totalTime / time.Duration(nResults)
	}
	return st
}

// ──────────────────────────────────────────────────
// Lifecycle operations — pause / resume / cancel
// ──────────────────────────────────────────────────

// Pause stops a running job at its next batch boundary. The in-flight
// batch settles; remaining items stay un-started until Resume.
func (s *Scheduler) Pause(jobID id.JobID) error {
	key := jobID.String()

	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("batch: pause %s: %w", key, ErrJobNotFound)
	}
	if j.Status != job.StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("batch: pause %s in state %s: %w", key, j.Status, ErrInvalidTransition)
	}
	j.Status = job.StatusPaused
	s.mu.Unlock()

	s.persistJob(context.Background(), jobID)
	s.logger.Info("job pause requested", slog.String("job_id", key))
	return nil
}

// Resume requeues a paused job at the front of its priority band, so
// resumed work is not starved by fresh submissions.
func (s *Scheduler) Resume(jobID id.JobID) error {
	key := jobID.String()

	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("batch: resume %s: %w", key, ErrJobNotFound)
	}
	if j.Status != job.StatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("batch: resume %s in state %s: %w", key, j.Status, ErrInvalidTransition)
	}
	j.Status = job.StatusQueued
	s.queue.EnqueueFront(j)
	s.mu.Unlock()

	s.persistJob(context.Background(), jobID)
	s.poke()
	s.logger.Info("job resumed", slog.String("job_id", key))
	return nil
}

// Cancel terminates a queued, running or paused job. Running jobs stop
// at the next batch boundary; the in-flight batch is never interrupted.
func (s *Scheduler) Cancel(jobID id.JobID) error {
	key := jobID.String()

	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("batch: cancel %s: %w", key, ErrJobNotFound)
	}
	switch j.Status {
	case job.StatusQueued, job.StatusRunning, job.StatusPaused:
	default:
		s.mu.Unlock()
		return fmt.Errorf("batch: cancel %s in state %s: %w", key, j.Status, ErrInvalidTransition)
	}

	wasQueued := j.Status == job.StatusQueued
	j.Status = job.StatusCancelled
	now := time.Now().UTC()
	j.CompletedAt = &now
	if wasQueued {
		s.queue.Remove(jobID)
	}
	_, hasRunner := s.runners[key]
	results := append([]job.Result(nil), j.Results...)
	s.mu.Unlock()

	s.persistJob(context.Background(), jobID)
	if !hasRunner {
		// No runner to observe the cancellation; emit the terminal event
		// here. runJob covers the attached case.
		s.emitComplete(jobID, job.StatusCancelled, results)
	}
	s.poke()

	s.logger.Info("job cancelled", slog.String("job_id", key))
	return nil
}

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

// Subscribe returns an observer handle on the job's event stream.
// Subscribing to an already-terminal job delivers the terminal event
// immediately and closes the handle.
//
// The subscription registers before the job's state is read. A job that
// finishes between the two steps is covered either way: the hub already
// delivered the terminal event to the registered subscription, or the
// snapshot reads terminal and CloseWithComplete delivers it here. Close
// is idempotent and a closed subscription refuses sends, so the event
// arrives exactly once in every interleaving.
func (s *Scheduler) Subscribe(jobID id.JobID) (*stream.Subscription, error) {
	sub := s.hub.Subscribe(jobID)

	snap, ok := s.snapshot(jobID)
	if !ok {
		sub.Close()
		return nil, fmt.Errorf("batch: subscribe %s: %w", jobID, ErrJobNotFound)
	}
	if snap.Status.Terminal() {
		s.hub.CloseWithComplete(sub, snap.Status, snap.Results)
	}
	return sub, nil
}

// SubscribeFunc attaches callbacks to the job's event stream and returns
// an unsubscribe function. Callback panics are recovered and logged.
func (s *Scheduler) SubscribeFunc(jobID id.JobID, cb stream.Callbacks) (func(), error) {
	sub, err := s.Subscribe(jobID)
	if err != nil {
		return nil, err
	}
	return s.hub.Attach(sub, cb), nil
}

// HubStats reports event delivery counters.
func (s *Scheduler) HubStats() stream.HubStats {
	return s.hub.Stats()
}

// ──────────────────────────────────────────────────
// Deletion and cleanup
// ──────────────────────────────────────────────────

// Delete removes a terminal job and its snapshot.
func (s *Scheduler) Delete(jobID id.JobID) error {
	key := jobID.String()

	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("batch: delete %s: %w", key, ErrJobNotFound)
	}
	if !j.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("batch: delete %s in state %s: %w", key, j.Status, ErrInvalidTransition)
	}
	delete(s.jobs, key)
	delete(s.emitted, key)
	s.mu.Unlock()

	s.deleteSnapshot(jobID)
	return nil
}

// ClearCompleted removes every terminal job immediately, independent of
// the auto-cleanup timer. Returns the number removed.
func (s *Scheduler) ClearCompleted() int {
	s.mu.Lock()
	var removed []id.JobID
	for key, j := range s.jobs {
		if j.Status.Terminal() {
			delete(s.jobs, key)
			delete(s.emitted, key)
			removed = append(removed, j.ID)
		}
	}
	s.mu.Unlock()

	for _, jobID := range removed {
		s.deleteSnapshot(jobID)
	}
	if len(removed) > 0 {
		s.logger.Info("terminal jobs cleared", slog.Int("count", len(removed)))
	}
	return len(removed)
}

// ──────────────────────────────────────────────────
// Janitor — periodic cleanup and persistence
// ──────────────────────────────────────────────────

func (s *Scheduler) janitorLoop() {
	defer s.wg.Done()

	cleanup := time.NewTicker(s.config.CleanupInterval)
	defer cleanup.Stop()
	persist := time.NewTicker(s.config.PersistInterval)
	defer persist.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-cleanup.C:
			s.cleanupExpired()
		case <-persist.C:
			s.persistActive()
		}
	}
}

func (s *Scheduler) cleanupExpired() {
	cutoff := time.Now().UTC().Add(-s.config.AutoCleanupAfter)

	s.mu.Lock()
	var removed []id.JobID
	for key, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, key)
			delete(s.emitted, key)
			removed = append(removed, j.ID)
		}
	}
	s.mu.Unlock()

	for _, jobID := range removed {
		s.deleteSnapshot(jobID)
	}
	if len(removed) > 0 {
		s.logger.Info("expired jobs cleaned up", slog.Int("count", len(removed)))
	}
}

func (s *Scheduler) persistActive() {
	if s.store == nil {
		return
	}

	s.mu.RLock()
	var snaps []*job.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			snaps = append(snaps, j.Clone())
		}
	}
	s.mu.RUnlock()

	for _, snap := range snaps {
		s.saveSnapshot(snap)
	}
}

func (s *Scheduler) persistAll() {
	if s.store == nil {
		return
	}

	s.mu.RLock()
	snaps := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		snaps = append(snaps, j.Clone())
	}
	s.mu.RUnlock()

	for _, snap := range snaps {
		s.saveSnapshot(snap)
	}
}

// ──────────────────────────────────────────────────
// Internal plumbing
// ──────────────────────────────────────────────────

func (s *Scheduler) snapshot(jobID id.JobID) (*job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[jobID.String()]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// persistJob saves a snapshot of one job, logging (never propagating)
// failures. Persistence is best-effort with its own deadline.
func (s *Scheduler) persistJob(_ context.Context, jobID id.JobID) {
	if s.store == nil {
		return
	}
	snap, ok := s.snapshot(jobID)
	if !ok {
		return
	}
	s.saveSnapshot(snap)
}

func (s *Scheduler) saveSnapshot(snap *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.SaveJob(ctx, snap); err != nil {
		s.logger.Warn("job snapshot save failed",
			slog.String("job_id", snap.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Scheduler) deleteSnapshot(jobID id.JobID) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		s.logger.Warn("job snapshot delete failed",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// emitComplete fires the terminal event exactly once per job.
func (s *Scheduler) emitComplete(jobID id.JobID, status job.Status, results []job.Result) {
	key := jobID.String()

	s.mu.Lock()
	if _, done := s.emitted[key]; done {
		s.mu.Unlock()
		return
	}
	s.emitted[key] = struct{}{}
	s.mu.Unlock()

	s.hub.PublishComplete(jobID, status, results)
}

// ──────────────────────────────────────────────────
// worker.State / worker.Events adapters
// ──────────────────────────────────────────────────

// stateView exposes serialized job mutation to the runner.
type stateView struct{ s *Scheduler }

func (v stateView) Update(jobID id.JobID, fn func(*job.Job)) bool {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	j, ok := v.s.jobs[jobID.String()]
	if !ok {
		return false
	}
	fn(j)
	return true
}

func (v stateView) Snapshot(jobID id.JobID) (*job.Job, bool) {
	return v.s.snapshot(jobID)
}

// eventSink routes runner notifications into the hub, deduplicating the
// terminal event.
type eventSink struct{ s *Scheduler }

func (e eventSink) PublishProgress(jobID id.JobID, p job.Progress) {
	e.s.hub.PublishProgress(jobID, p)
}

func (e eventSink) PublishError(jobID id.JobID, jobErr job.Error) {
	e.s.hub.PublishError(jobID, jobErr)
}

func (e eventSink) PublishComplete(jobID id.JobID, status job.Status, results []job.Result) {
	e.s.emitComplete(jobID, status, results)
}
