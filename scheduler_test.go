package batch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mosaicdocs/batch"
	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
	"github.com/mosaicdocs/batch/store/memory"
	"github.com/mosaicdocs/batch/stream"
	"github.com/mosaicdocs/batch/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() batch.Config {
	cfg := batch.DefaultConfig()
	cfg.MaxConcurrentJobs = 2
	cfg.MaxConcurrentItems = 2
	cfg.RetryAttempts = 1
	cfg.RetryDelay = time.Millisecond
	cfg.ItemTimeout = 5 * time.Second
	cfg.CleanupInterval = time.Hour
	cfg.PersistInterval = time.Hour
	return cfg
}

func newScheduler(t *testing.T, exec worker.Executor, opts ...batch.Option) *batch.Scheduler {
	t.Helper()
	opts = append([]batch.Option{
		batch.WithConfig(testConfig()),
		batch.WithLogger(discardLogger()),
	}, opts...)
	s, err := batch.New(exec, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func startScheduler(t *testing.T, exec worker.Executor, opts ...batch.Option) *batch.Scheduler {
	t.Helper()
	s := newScheduler(t, exec, opts...)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func okExecutor() worker.ExecutorFunc {
	return func(_ context.Context, _ job.Type, itemID string) ([]byte, error) {
		return []byte(itemID), nil
	}
}

// awaitTerminal subscribes before waiting, so the terminal event cannot
// be missed even if the job finishes quickly.
func awaitTerminal(t *testing.T, s *batch.Scheduler, jobID id.JobID) job.Status {
	t.Helper()

	done := make(chan job.Status, 1)
	unsub, err := s.SubscribeFunc(jobID, stream.Callbacks{
		OnComplete: func(status job.Status, _ []job.Result) {
			select {
			case done <- status:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("SubscribeFunc: %v", err)
	}
	defer unsub()

	select {
	case status := <-done:
		return status
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
		return ""
	}
}

func TestNew_RequiresExecutor(t *testing.T) {
	if _, err := batch.New(nil); !errors.Is(err, batch.ErrNoExecutor) {
		t.Fatalf("New(nil) error = %v, want ErrNoExecutor", err)
	}
}

func TestSubmit_Validation(t *testing.T) {
	s := startScheduler(t, okExecutor())

	if _, err := s.Submit(context.Background(), "bogus", []string{"a"}); !errors.Is(err, batch.ErrUnknownJobType) {
		t.Errorf("Submit(bogus type) error = %v, want ErrUnknownJobType", err)
	}
	if _, err := s.Submit(context.Background(), job.TypeUpload, nil); !errors.Is(err, batch.ErrNoItems) {
		t.Errorf("Submit(no items) error = %v, want ErrNoItems", err)
	}
}

func TestScheduler_RunsJobToCompletion(t *testing.T) {
	var processed atomic.Int32
	exec := worker.ExecutorFunc(func(_ context.Context, _ job.Type, itemID string) ([]byte, error) {
		processed.Add(1)
		return []byte(itemID), nil
	})
	s := startScheduler(t, exec)

	jobID, err := s.Submit(context.Background(), job.TypeUpload, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if status := awaitTerminal(t, s, jobID); status != job.StatusCompleted {
		t.Fatalf("terminal status = %s, want %s", status, job.StatusCompleted)
	}
	if got := processed.Load(); got != 3 {
		t.Fatalf("executor processed %d items, want 3", got)
	}

	j, err := s.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.ProcessedCount != 3 || j.FailedCount != 0 || len(j.Results) != 3 {
		t.Fatalf("job = %+v, want 3 successful results", j)
	}
	if j.StartedAt == nil || j.CompletedAt == nil {
		t.Fatal("StartedAt/CompletedAt not set on completion")
	}
}

func TestScheduler_GetJobUnknown(t *testing.T) {
	s := startScheduler(t, okExecutor())

	if _, err := s.GetJob(id.NewJobID()); !errors.Is(err, batch.ErrJobNotFound) {
		t.Fatalf("GetJob(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestScheduler_PriorityOrderWithSingleJobSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1

	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	exec := worker.ExecutorFunc(func(_ context.Context, _ job.Type, itemID string) ([]byte, error) {
		<-release
		mu.Lock()
		order = append(order, itemID)
		mu.Unlock()
		return nil, nil
	})

	s := startScheduler(t, exec, batch.WithConfig(cfg))

	// The first job occupies the only slot while blocked on release; the
	// rest queue up and must drain high before normal before low.
	first, _ := s.Submit(context.Background(), job.TypeUpload, []string{"gate"})
	lowID, _ := s.Submit(context.Background(), job.TypeUpload, []string{"low"}, job.WithPriority(job.PriorityLow))
	normID, _ := s.Submit(context.Background(), job.TypeUpload, []string{"normal"})
	highID, _ := s.Submit(context.Background(), job.TypeUpload, []string{"high"}, job.WithPriority(job.PriorityHigh))

	close(release)

	for _, jobID := range []id.JobID{first, lowID, normID, highID} {
		if status := awaitTerminal(t, s, jobID); status != job.StatusCompleted {
			t.Fatalf("job %s terminal status = %s, want completed", jobID, status)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"gate", "high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestScheduler_PauseResume(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec := worker.ExecutorFunc(func(_ context.Context, _ job.Type, itemID string) ([]byte, error) {
		once.Do(func() { close(started) })
		<-release
		return []byte(itemID), nil
	})
	s := startScheduler(t, exec)

	jobID, _ := s.Submit(context.Background(), job.TypeDelete, []string{"a", "b", "c", "d"})
	<-started

	if err := s.Pause(jobID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)

	// The in-flight batch settles, then the runner yields.
	deadline := time.After(5 * time.Second)
	for {
		j, err := s.GetJob(jobID)
		if err != nil {
			t.Fatalf("GetJob: %v", err)
		}
		if j.Status == job.StatusPaused {
			if j.ProcessedCount != 2 || j.Cursor != 2 {
				t.Fatalf("paused at processed=%d cursor=%d, want 2/2", j.ProcessedCount, j.Cursor)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never paused, status %s", j.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Double pause is invalid.
	if err := s.Pause(jobID); !errors.Is(err, batch.ErrInvalidTransition) {
		t.Fatalf("Pause(paused) error = %v, want ErrInvalidTransition", err)
	}

	if err := s.Resume(jobID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status := awaitTerminal(t, s, jobID); status != job.StatusCompleted {
		t.Fatalf("terminal status = %s, want completed", status)
	}

	j, _ := s.GetJob(jobID)
	if j.ProcessedCount != 4 || len(j.Results) != 4 {
		t.Fatalf("processed/results = %d/%d, want 4/4 (no item ran twice)", j.ProcessedCount, len(j.Results))
	}
}

func TestScheduler_CancelQueuedJob(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 1

	release := make(chan struct{})
	exec := worker.ExecutorFunc(func(context.Context, job.Type, string) ([]byte, error) {
		<-release
		return nil, nil
	})
	s := startScheduler(t, exec, batch.WithConfig(cfg))

	gate, _ := s.Submit(context.Background(), job.TypeUpload, []string{"gate"})
	queued, _ := s.Submit(context.Background(), job.TypeUpload, []string{"x", "y"})

	if err := s.Cancel(queued); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if status := awaitTerminal(t, s, queued); status != job.StatusCancelled {
		t.Fatalf("terminal status = %s, want cancelled", status)
	}

	j, _ := s.GetJob(queued)
	if j.ProcessedCount != 0 || len(j.Results) != 0 {
		t.Fatal("cancelled queued job still processed items")
	}
	if j.CompletedAt == nil {
		t.Fatal("CompletedAt not set on cancel")
	}

	// Cancelling again is invalid.
	if err := s.Cancel(queued); !errors.Is(err, batch.ErrInvalidTransition) {
		t.Fatalf("Cancel(cancelled) error = %v, want ErrInvalidTransition", err)
	}

	close(release)
	awaitTerminal(t, s, gate)
}

func TestScheduler_SubscribeAfterTerminalDeliversComplete(t *testing.T) {
	s := startScheduler(t, okExecutor())

	jobID, _ := s.Submit(context.Background(), job.TypeIndex, []string{"a"})
	awaitTerminal(t, s, jobID)

	sub, err := s.Subscribe(jobID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	select {
	case evt, ok := <-sub.Events():
		if !ok {
			t.Fatal("channel closed without delivering the terminal event")
		}
		if evt.Type != stream.EventComplete || evt.Status != job.StatusCompleted {
			t.Fatalf("event = %+v, want complete/completed", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event for late subscriber")
	}
}

func TestScheduler_ListJobsFilters(t *testing.T) {
	s := startScheduler(t, okExecutor())

	up, _ := s.Submit(context.Background(), job.TypeUpload, []string{"a"})
	dl, _ := s.Submit(context.Background(), job.TypeDelete, []string{"b"})
	awaitTerminal(t, s, up)
	awaitTerminal(t, s, dl)

	all := s.ListJobs(batch.Filter{})
	if len(all) != 2 {
		t.Fatalf("ListJobs(all) = %d jobs, want 2", len(all))
	}
	if !all[0].CreatedAt.Before(all[1].CreatedAt) && !all[0].CreatedAt.Equal(all[1].CreatedAt) {
		t.Error("ListJobs not sorted oldest first")
	}

	uploads := s.ListJobs(batch.Filter{Type: job.TypeUpload})
	if len(uploads) != 1 || uploads[0].ID.String() != up.String() {
		t.Fatalf("ListJobs(uploads) = %v, want just the upload job", uploads)
	}

	completed := s.ListJobs(batch.Filter{Status: job.StatusCompleted})
	if len(completed) != 2 {
		t.Fatalf("ListJobs(completed) = %d jobs, want 2", len(completed))
	}
}

func TestScheduler_Stats(t *testing.T) {
	exec := worker.ExecutorFunc(func(_ context.Context, _ job.Type, itemID string) ([]byte, error) {
		if itemID == "bad" {
			return nil, worker.Fatal(errors.New("boom"))
		}
		return nil, nil
	})
	s := startScheduler(t, exec)

	good, _ := s.Submit(context.Background(), job.TypeUpload, []string{"a", "b"})
	mixed, _ := s.Submit(context.Background(), job.TypeIndex, []string{"c", "bad"})
	awaitTerminal(t, s, good)
	awaitTerminal(t, s, mixed)

	st := s.Stats()
	if st.TotalJobs != 2 {
		t.Errorf("TotalJobs = %d, want 2", st.TotalJobs)
	}
	if st.CompletedJobs != 2 {
		t.Errorf("CompletedJobs = %d, want 2", st.CompletedJobs)
	}
	if st.TotalItemsProcessed != 3 {
		t.Errorf("TotalItemsProcessed = %d, want 3", st.TotalItemsProcessed)
	}
	if st.TotalItemsFailed != 1 {
		t.Errorf("TotalItemsFailed = %d, want 1", st.TotalItemsFailed)
	}
}

func TestScheduler_ClearCompletedAndDelete(t *testing.T) {
	s := startScheduler(t, okExecutor())

	a, _ := s.Submit(context.Background(), job.TypeBackup, []string{"a"})
	b, _ := s.Submit(context.Background(), job.TypeBackup, []string{"b"})
	awaitTerminal(t, s, a)
	awaitTerminal(t, s, b)

	if err := s.Delete(a); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.GetJob(a); !errors.Is(err, batch.ErrJobNotFound) {
		t.Fatalf("GetJob(deleted) error = %v, want ErrJobNotFound", err)
	}

	if got := s.ClearCompleted(); got != 1 {
		t.Fatalf("ClearCompleted() = %d, want 1", got)
	}
	if got := len(s.ListJobs(batch.Filter{})); got != 0 {
		t.Fatalf("jobs after clear = %d, want 0", got)
	}
}

func TestScheduler_DeleteNonTerminalRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	exec := worker.ExecutorFunc(func(context.Context, job.Type, string) ([]byte, error) {
		once.Do(func() { close(started) })
		<-release
		return nil, nil
	})
	s := startScheduler(t, exec)

	jobID, _ := s.Submit(context.Background(), job.TypeUpload, []string{"a"})
	<-started

	if err := s.Delete(jobID); !errors.Is(err, batch.ErrInvalidTransition) {
		t.Fatalf("Delete(running) error = %v, want ErrInvalidTransition", err)
	}

	close(release)
	awaitTerminal(t, s, jobID)
}

func TestScheduler_PersistsAndRestores(t *testing.T) {
	st := memory.New()

	// First scheduler: run one job to completion, leave one paused.
	release := make(chan struct{})
	exec := worker.ExecutorFunc(func(_ context.Context, jobType job.Type, itemID string) ([]byte, error) {
		if jobType == job.TypeDelete {
			<-release
		}
		return []byte(itemID), nil
	})

	s1 := newScheduler(t, exec, batch.WithStore(st))
	if err := s1.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	doneID, _ := s1.Submit(context.Background(), job.TypeUpload, []string{"a", "b"})
	awaitTerminal(t, s1, doneID)

	pausedID, _ := s1.Submit(context.Background(), job.TypeDelete, []string{"c", "d", "e", "f"})
	// Wait until it is running, then pause and let the batch settle.
	deadline := time.After(5 * time.Second)
	for {
		j, _ := s1.GetJob(pausedID)
		if j.Status == job.StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := s1.Pause(pausedID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(release)
	deadline = time.After(5 * time.Second)
	for {
		j, _ := s1.GetJob(pausedID)
		if j.Status == job.StatusPaused {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never paused")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s1.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Second scheduler restores both jobs from the store.
	s2 := startScheduler(t, okExecutor(), batch.WithStore(st))

	restored, err := s2.GetJob(doneID)
	if err != nil {
		t.Fatalf("GetJob(completed) after restore: %v", err)
	}
	if restored.Status != job.StatusCompleted {
		t.Fatalf("restored status = %s, want completed", restored.Status)
	}

	j, err := s2.GetJob(pausedID)
	if err != nil {
		t.Fatalf("GetJob(paused) after restore: %v", err)
	}
	if j.Status != job.StatusPaused {
		t.Fatalf("restored status = %s, want paused", j.Status)
	}
	if j.Cursor != 2 {
		t.Fatalf("restored cursor = %d, want 2", j.Cursor)
	}

	// Resume on the new scheduler finishes the remaining items only.
	if err := s2.Resume(pausedID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if status := awaitTerminal(t, s2, pausedID); status != job.StatusCompleted {
		t.Fatalf("terminal status = %s, want completed", status)
	}
	final, _ := s2.GetJob(pausedID)
	if final.ProcessedCount != 4 || len(final.Results) != 4 {
		t.Fatalf("processed/results = %d/%d, want 4/4", final.ProcessedCount, len(final.Results))
	}
}

func TestScheduler_StopRequeuesRunningJobs(t *testing.T) {
	st := memory.New()

	entered := make(chan struct{})
	var once sync.Once
	exec := worker.ExecutorFunc(func(context.Context, job.Type, string) ([]byte, error) {
		once.Do(func() { close(entered) })
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})

	s := newScheduler(t, exec, batch.WithStore(st))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	jobID, _ := s.Submit(context.Background(), job.TypeReprocess, []string{"a", "b", "c", "d", "e", "f"})
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	snaps, err := st.LoadJobs(context.Background())
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("persisted %d jobs, want 1", len(snaps))
	}
	snap := snaps[0]
	if snap.ID.String() != jobID.String() {
		t.Fatalf("persisted job %s, want %s", snap.ID, jobID)
	}
	if snap.Status != job.StatusQueued {
		t.Fatalf("persisted status = %s, want queued for restart", snap.Status)
	}
	if snap.Cursor >= len(snap.Items) {
		t.Fatal("job finished despite shutdown, test needs a slower executor")
	}
}

func TestScheduler_SubscribeRacingCompletionDeliversTerminal(t *testing.T) {
	s := startScheduler(t, okExecutor())

	// Single-item jobs finish almost immediately, so Subscribe lands in
	// every phase of the job's life across iterations, including right as
	// it turns terminal. Each subscription must still observe exactly one
	// terminal event and a closed channel.
	for i := 0; i < 50; i++ {
		jobID, err := s.Submit(context.Background(), job.TypeIndex, []string{"a"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}

		sub, err := s.Subscribe(jobID)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}

		var sawComplete bool
		timeout := time.After(5 * time.Second)
	drain:
		for {
			select {
			case evt, ok := <-sub.Events():
				if !ok {
					break drain
				}
				if evt.Type == stream.EventComplete {
					if sawComplete {
						t.Fatal("terminal event delivered twice")
					}
					sawComplete = true
				}
			case <-timeout:
				t.Fatalf("iteration %d: no terminal event and channel never closed", i)
			}
		}
		if !sawComplete {
			t.Fatalf("iteration %d: channel closed without a terminal event", i)
		}
	}
}

func TestScheduler_RespectsJobConcurrencyBound(t *testing.T) {
	const bound = 2

	cfg := testConfig()
	cfg.MaxConcurrentJobs = bound

	// One item per job, so concurrently executing items are concurrently
	// running jobs.
	var cur, peak atomic.Int32
	exec := worker.ExecutorFunc(func(context.Context, job.Type, string) ([]byte, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return nil, nil
	})
	s := startScheduler(t, exec, batch.WithConfig(cfg))

	ids := make([]id.JobID, 6)
	for i := range ids {
		jobID, err := s.Submit(context.Background(), job.TypeAnalyze, []string{"item"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids[i] = jobID
	}
	for _, jobID := range ids {
		if status := awaitTerminal(t, s, jobID); status != job.StatusCompleted {
			t.Fatalf("job %s terminal status = %s, want completed", jobID, status)
		}
	}

	if got := peak.Load(); got > bound {
		t.Fatalf("peak concurrent jobs = %d, want <= %d", got, bound)
	}
}

func TestScheduler_DrainingJobDoesNotBlockAdmission(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentJobs = 2

	// Job A's items block until released; everything else runs normally.
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	exec := worker.ExecutorFunc(func(_ context.Context, _ job.Type, itemID string) ([]byte, error) {
		if strings.HasPrefix(itemID, "slow") {
			once.Do(func() { close(started) })
			<-release
		}
		return []byte(itemID), nil
	})
	s := startScheduler(t, exec, batch.WithConfig(cfg))

	slowID, err := s.Submit(context.Background(), job.TypeReprocess, []string{"slow-1", "slow-2", "slow-3", "slow-4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	// Pause then resume while the first batch is still draining: the job
	// goes back to the queue head with its runner still attached.
	if err := s.Pause(slowID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := s.Resume(slowID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	// A job submitted behind the draining head must still be admitted;
	// one job slot is free.
	fastID, err := s.Submit(context.Background(), job.TypeIndex, []string{"fast"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if status := awaitTerminal(t, s, fastID); status != job.StatusCompleted {
		t.Fatalf("fast job terminal status = %s, want completed", status)
	}

	close(release)
	if status := awaitTerminal(t, s, slowID); status != job.StatusCompleted {
		t.Fatalf("slow job terminal status = %s, want completed", status)
	}
	final, err := s.GetJob(slowID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.ProcessedCount != 4 || len(final.Results) != 4 {
		t.Fatalf("processed/results = %d/%d, want 4/4 (no item ran twice)", final.ProcessedCount, len(final.Results))
	}
}
