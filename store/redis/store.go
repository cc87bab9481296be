// Package redis implements store.Store on Redis for setups where the
// dashboard already runs one. Each snapshot is a JSON string value under
// "batch:job:<id>", with "batch:jobs" as the membership index set.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
	"github.com/mosaicdocs/batch/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

const (
	keyPrefix = "batch:job:"
	indexKey  = "batch:jobs"
)

// Store is a Redis implementation of store.Store.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing client. The caller owns the client's lifecycle
// configuration; Close closes it.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// SaveJob upserts the job snapshot and its index entry atomically.
func (s *Store) SaveJob(ctx context.Context, j *job.Job) error {
	snapshot, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("redis: marshal job %s: %w", j.ID, err)
	}

	key := j.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, keyPrefix+key, snapshot, 0)
	pipe.SAdd(ctx, indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: save job %s: %w", j.ID, err)
	}
	return nil
}

// LoadJobs returns every stored snapshot. Index entries whose value has
// expired or gone missing are skipped.
func (s *Store) LoadJobs(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jobID := range ids {
		raw, err := s.client.Get(ctx, keyPrefix+jobID).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis: load job %s: %w", jobID, err)
		}
		var j job.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("redis: unmarshal job %s: %w", jobID, err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}

// DeleteJob removes the snapshot and its index entry.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	key := jobID.String()
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keyPrefix+key)
	pipe.SRem(ctx, indexKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: delete job %s: %w", jobID, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
