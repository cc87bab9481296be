// Package sqlite implements store.Store on a local SQLite database via
// database/sql and the mattn/go-sqlite3 driver. Snapshots are stored as a
// JSON column keyed by job ID, so schema changes in the job model never
// require a migration.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
	"github.com/mosaicdocs/batch/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS batch_jobs (
	id         TEXT PRIMARY KEY,
	job_type   TEXT NOT NULL,
	status     TEXT NOT NULL,
	snapshot   BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs (status);
`

// Store is a SQLite implementation of store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveJob upserts the job snapshot.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	snapshot, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("sqlite: marshal job %s: %w", j.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batch_jobs (id, job_type, status, snapshot, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			job_type = excluded.job_type,
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP`,
		j.ID.String(), string(j.Type), string(j.Status), snapshot,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save job %s: %w", j.ID, err)
	}
	return nil
}

// LoadJobs returns every stored snapshot.
func (s *Store) LoadJobs(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM batch_jobs`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		var j job.Job
		if err := json.Unmarshal(snapshot, &j); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes the snapshot for the given job.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM batch_jobs WHERE id = ?`, jobID.String()); err != nil {
		return fmt.Errorf("sqlite: delete job %s: %w", jobID, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
