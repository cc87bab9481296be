// Package stream fans per-job lifecycle events out to subscribers.
//
// Subscribers are channel-based observer handles: Subscribe returns a
// Subscription whose Events channel delivers typed events, and dropping
// the handle (Close) is the whole unsubscribe protocol. A Callbacks
// adapter preserves the familiar onProgress/onComplete/onError shape for
// callers that prefer it; callback panics are recovered and logged and
// never reach the dispatcher.
package stream

import (
	"time"

	"github.com/mosaicdocs/batch/job"
)

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	// EventProgress is emitted after every settled batch.
	EventProgress EventType = "progress"
	// EventError is emitted once per recorded job error, including
	// transient ones that will be retried.
	EventError EventType = "error"
	// EventComplete is emitted exactly once when the job reaches a
	// terminal state, carrying the final status and full results.
	EventComplete EventType = "complete"
)

// Event is one typed notification for a job.
type Event struct {
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Timestamp time.Time `json:"timestamp"`

	// Progress is set for EventProgress.
	Progress *job.Progress `json:"progress,omitempty"`

	// Error is set for EventError.
	Error *job.Error `json:"error,omitempty"`

	// Status and Results are set for EventComplete. Results holds the
	// final disposition of every attempted item, success or failure.
	Status  job.Status   `json:"status,omitempty"`
	Results []job.Result `json:"results,omitempty"`
}
