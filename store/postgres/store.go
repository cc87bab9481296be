// Package postgres implements store.Store on PostgreSQL using pgx/v5.
// Snapshots live in a single JSONB column; SaveJob is an upsert on the
// job ID, so concurrent saves of the same job are last-writer-wins, which
// matches the scheduler's single-writer discipline per job.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

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
	snapshot   JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_batch_jobs_status ON batch_jobs (status);
`

// Store is a PostgreSQL implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: create schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// New wraps an existing pool. The caller owns the pool's lifecycle and
// must have created the schema.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SaveJob upserts the job snapshot.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	snapshot, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("postgres: marshal job %s: %w", j.ID, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO batch_jobs (id, job_type, status, snapshot, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			job_type = EXCLUDED.job_type,
			status = EXCLUDED.status,
			snapshot = EXCLUDED.snapshot,
			updated_at = now()`,
		j.ID.String(), string(j.Type), string(j.Status), snapshot,
	)
	if err != nil {
		return fmt.Errorf("postgres: save job %s: %w", j.ID, err)
	}
	return nil
}

// LoadJobs returns every stored snapshot.
func (s *Store) LoadJobs(ctx context.Context) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT snapshot FROM batch_jobs`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*job.Job
	for rows.Next() {
		var snapshot []byte
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		var j job.Job
		if err := json.Unmarshal(snapshot, &j); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load jobs: %w", err)
	}
	return jobs, nil
}

// DeleteJob removes the snapshot for the given job.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM batch_jobs WHERE id = $1`, jobID.String()); err != nil {
		return fmt.Errorf("postgres: delete job %s: %w", jobID, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
