// Package store defines the snapshot persistence contract consumed by the
// scheduler. Persistence is optional: the scheduler runs fully in-memory
// and treats every store failure as a logged warning, never fatal.
//
// Backends: Memory (default), SQLite, Postgres, Redis, and Badger.
package store

import (
	"context"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
)

// Store persists job snapshots. The scheduler saves after every status
// transition and periodically while jobs run, loads on start, and deletes
// when jobs are cleaned up. Implementations must be safe for concurrent
// use; the snapshots handed in are already deep copies the store may
// retain.
type Store interface {
	// SaveJob upserts a snapshot of the job, keyed by its ID.
	SaveJob(ctx context.Context, j *job.Job) error

	// LoadJobs returns a snapshot of every stored job, in no particular
	// order.
	LoadJobs(ctx context.Context) ([]*job.Job, error)

	// DeleteJob removes the snapshot for the given job, if present.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
