// Package memory provides a fully in-memory store.Store. It is the
// default backend and the one used by the test suite.
package memory

import (
	"context"
	"sync"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
	"github.com/mosaicdocs/batch/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Store keeps snapshots in a map guarded by a RWMutex. Reads return
// copies so callers can never race with later saves.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// SaveJob upserts a snapshot of the job.
func (m *Store) SaveJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID.String()] = j.Clone()
	return nil
}

// LoadJobs returns copies of every stored job.
func (m *Store) LoadJobs(_ context.Context) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

// DeleteJob removes the snapshot for the given job.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID.String())
	return nil
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }
