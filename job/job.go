package job

import (
	"time"

	"github.com/mosaicdocs/batch/id"
)

// Type is one of the closed set of bulk operation kinds.
type Type string

// Supported job types.
const (
	TypeUpload         Type = "upload"
	TypeDelete         Type = "delete"
	TypeUpdateMetadata Type = "update-metadata"
	TypeReprocess      Type = "reprocess"
	TypeCompress       Type = "compress"
	TypeIndex          Type = "index"
	TypeAnalyze        Type = "analyze"
	TypeBackup         Type = "backup"
	TypeExport         Type = "export"
)

// Valid reports whether t is a known job type.
func (t Type) Valid() bool {
	switch t {
	case TypeUpload, TypeDelete, TypeUpdateMetadata, TypeReprocess,
		TypeCompress, TypeIndex, TypeAnalyze, TypeBackup, TypeExport:
		return true
	}
	return false
}

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusQueued means the job is waiting in the priority queue.
	StatusQueued Status = "queued"
	// StatusRunning means the dispatcher is executing the job's items.
	StatusRunning Status = "running"
	// StatusPaused means the job stopped at a batch boundary and can resume.
	StatusPaused Status = "paused"
	// StatusCompleted means the job finished with at least one item succeeding.
	StatusCompleted Status = "completed"
	// StatusFailed means every item failed permanently.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was explicitly cancelled.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal state. Terminal jobs accept no
// further transitions except deletion.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority determines dequeue ordering between jobs. Higher runs first;
// within one priority band submission order is preserved.
type Priority int

const (
	// PriorityLow runs after all Normal and High jobs.
	PriorityLow Priority = 0
	// PriorityNormal is the default.
	PriorityNormal Priority = 1
	// PriorityHigh runs before all Normal and Low jobs.
	PriorityHigh Priority = 2
)

// String returns the lower-case band name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown values decode
// as PriorityNormal.
func (p *Priority) UnmarshalText(data []byte) error {
	switch string(data) {
	case "high":
		*p = PriorityHigh
	case "low":
		*p = PriorityLow
	default:
		*p = PriorityNormal
	}
	return nil
}

// Config is the effective per-job configuration, resolved at submission
// time from scheduler defaults plus caller overrides.
type Config struct {
	// MaxConcurrentItems bounds how many items of this job run at once.
	MaxConcurrentItems int `json:"max_concurrent_items"`

	// RetryAttempts is the number of retries after the initial attempt.
	RetryAttempts int `json:"retry_attempts"`

	// RetryDelay is the base delay for retry backoff.
	RetryDelay time.Duration `json:"retry_delay"`

	// PauseOnError pauses the job on the first permanent item failure
	// instead of continuing with the next batch.
	PauseOnError bool `json:"pause_on_error"`
}

// Job is one submitted bulk operation over an ordered set of opaque items.
type Job struct {
	ID       id.JobID `json:"id"`
	Type     Type     `json:"type"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	// Items are the opaque identifiers supplied at submission.
	// Immutable afterwards; only the Executor interprets them.
	Items []string `json:"items"`

	Config Config `json:"config"`

	// Cursor is the index of the first item not yet attempted. It advances
	// only at batch boundaries, so a paused job resumes exactly where it
	// stopped.
	Cursor int `json:"cursor"`

	ProcessedCount int `json:"processed_count"`
	FailedCount    int `json:"failed_count"`

	Results []Result `json:"results,omitempty"`
	Errors  []Error  `json:"errors,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result records the final disposition of one item.
type Result struct {
	ItemID         string        `json:"item_id"`
	Success        bool          `json:"success"`
	ProcessingTime time.Duration `json:"processing_time"`
	// Payload is opaque, executor-defined output. Nil for failures.
	Payload []byte `json:"payload,omitempty"`
}

// Error records one failed attempt for an item. Retryable errors may still
// be re-attempted; once retries are exhausted Retryable is forced false.
type Error struct {
	ItemID    string    `json:"item_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
	// Attempt is the number of attempts made so far for this item.
	Attempt int `json:"attempt"`
}

// New creates a queued Job from resolved options. The items slice is copied
// so later caller mutation cannot leak into the scheduler.
func New(jobType Type, items []string, opts Options) *Job {
	its := make([]string, len(items))
	copy(its, items)

	return &Job{
		ID:        id.NewJobID(),
		Type:      jobType,
		Status:    StatusQueued,
		Priority:  opts.Priority,
		Items:     its,
		Config:    opts.Config,
		CreatedAt: time.Now().UTC(),
	}
}

// Remaining returns the number of items not yet attempted.
func (j *Job) Remaining() int {
	return len(j.Items) - j.Cursor
}

// Clone returns a deep copy safe to hand to callers and stores.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Items = append([]string(nil), j.Items...)
	cp.Results = append([]Result(nil), j.Results...)
	cp.Errors = append([]Error(nil), j.Errors...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
