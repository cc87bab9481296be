package batch

import "time"

// Statistics is an aggregate view over all jobs the scheduler currently
// knows about. Jobs removed by cleanup or ClearCompleted leave the
// statistics.
type Statistics struct {
	TotalJobs     int `json:"total_jobs"`
	ActiveJobs    int `json:"active_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`

	TotalItemsProcessed int `json:"total_items_processed"`
	TotalItemsFailed    int `json:"total_items_failed"`

	// AverageProcessingTime is the mean per-item execution time across
	// every recorded result.
	AverageProcessingTime time.Duration `json:"average_processing_time"`
}
