// Package batch provides a single-process, in-memory scheduler for bulk
// operations over collections of opaque items: ingest, delete, reprocess,
// compress, index, analyze and friends.
//
// The scheduler admits jobs into a priority queue, runs up to a global
// number of jobs concurrently, runs each job's items in bounded
// concurrent batches, retries failing items with backoff, tracks
// progress and ETA, and publishes typed lifecycle events to per-job
// subscribers. The work itself is performed by an injected Executor; an
// optional store persists job snapshots across restarts.
//
// # Quick Start
//
//	s, err := batch.New(executor,
//	    batch.WithStore(memory.New()),
//	    batch.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := s.Start(ctx); err != nil { ... }
//
//	jobID, err := s.Submit(ctx, job.TypeReprocess, items,
//	    job.WithPriority(job.PriorityHigh),
//	)
//
// Jobs can be paused, resumed and cancelled; pause and cancel take
// effect at batch boundaries. Subscribers receive progress after every
// batch, every recorded item error, and exactly one terminal event.
package batch
