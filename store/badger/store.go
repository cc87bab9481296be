// Package badger implements store.Store on an embedded Badger key-value
// database. It needs no external service, making it the durable default
// for single-binary deployments.
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
	"github.com/mosaicdocs/batch/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

var keyPrefix = []byte("bjob:")

// Store is a Badger implementation of store.Store.
type Store struct {
	db *badger.DB
}

// Open opens (creating if necessary) a Badger database at dir. Badger's
// own logger is silenced; the scheduler logs store failures itself.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing database handle. Close closes it.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func jobKey(jobID string) []byte {
	return append(append([]byte(nil), keyPrefix...), jobID...)
}

// SaveJob upserts the job snapshot.
func (s *Store) SaveJob(_ context.Context, j *job.Job) error {
	snapshot, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("badger: marshal job %s: %w", j.ID, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(j.ID.String()), snapshot)
	})
	if err != nil {
		return fmt.Errorf("badger: save job %s: %w", j.ID, err)
	}
	return nil
}

// LoadJobs returns every stored snapshot.
func (s *Store) LoadJobs(_ context.Context) ([]*job.Job, error) {
	var jobs []*job.Job

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var j job.Job
				if err := json.Unmarshal(val, &j); err != nil {
					return fmt.Errorf("badger: unmarshal job: %w", err)
				}
				jobs = append(jobs, &j)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger: load jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes the snapshot for the given job.
func (s *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(jobID.String()))
	})
	if err != nil {
		return fmt.Errorf("badger: delete job %s: %w", jobID, err)
	}
	return nil
}

// Ping verifies the database is open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger: database closed")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
