package job

import "time"

// Progress is a point-in-time snapshot of a job's advancement. It is a pure
// function of the job's counters and timestamps; subscribers receive it
// after every settled batch.
type Progress struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status"`

	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`

	// Percent is 100 * (Processed + Failed) / Total.
	Percent float64 `json:"percent"`

	Elapsed time.Duration `json:"elapsed"`

	// ItemsPerSecond is the observed throughput, 0 before any time elapsed.
	ItemsPerSecond float64 `json:"items_per_second"`

	// EstimatedRemaining is the projected time to completion. It is only
	// meaningful when ItemsPerSecond > 0; otherwise it is zero and no
	// estimate exists.
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
}

// Progress computes the snapshot as of now.
func (j *Job) Progress(now time.Time) Progress {
	p := Progress{
		JobID:     j.ID.String(),
		Status:    j.Status,
		Total:     len(j.Items),
		Processed: j.ProcessedCount,
		Failed:    j.FailedCount,
	}

	settled := j.ProcessedCount + j.FailedCount
	if p.Total > 0 {
		p.Percent = 100 * float64(settled) / float64(p.Total)
	}

	if j.StartedAt == nil {
		return p
	}

	p.Elapsed = now.Sub(*j.StartedAt)
	if p.Elapsed <= 0 {
		return p
	}

	p.ItemsPerSecond = float64(settled) / p.Elapsed.Seconds()
	if p.ItemsPerSecond > 0 {
		remaining := p.Total - settled
		p.EstimatedRemaining = time.Duration(float64(remaining) / p.ItemsPerSecond * float64(time.Second))
	}

	return p
}
