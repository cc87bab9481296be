package queue

import (
	"sync"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
)

// Queue is the priority-banded FIFO of pending jobs. Safe for concurrent
// use. Membership is its only state; it never mutates the jobs it holds.
type Queue struct {
	mu   sync.Mutex
	jobs []*job.Job
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Enqueue appends j at the back of its priority band: immediately before
// the first queued job of strictly lower priority.
func (q *Queue) Enqueue(j *job.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := len(q.jobs)
	for i, queued := range q.jobs {
		if queued.Priority < j.Priority {
			pos = i
			break
		}
	}
	q.insert(pos, j)
}

// EnqueueFront inserts j at the front of its priority band, ahead of
// equal-priority jobs but still behind every higher band. Used by resume.
func (q *Queue) EnqueueFront(j *job.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := len(q.jobs)
	for i, queued := range q.jobs {
		if queued.Priority <= j.Priority {
			pos = i
			break
		}
	}
	q.insert(pos, j)
}

// caller holds q.mu.
func (q *Queue) insert(pos int, j *job.Job) {
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[pos+1:], q.jobs[pos:])
	q.jobs[pos] = j
}

// Dequeue removes and returns the highest-priority, oldest job.
// Returns nil when the queue is empty.
func (q *Queue) Dequeue() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	copy(q.jobs, q.jobs[1:])
	q.jobs[len(q.jobs)-1] = nil
	q.jobs = q.jobs[:len(q.jobs)-1]
	return j
}

// Remove deletes the job with the given ID from the queue, if present.
// Used when a still-queued job is cancelled.
func (q *Queue) Remove(jobID id.JobID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, queued := range q.jobs {
		if queued.ID.String() == jobID.String() {
			copy(q.jobs[i:], q.jobs[i+1:])
			q.jobs[len(q.jobs)-1] = nil
			q.jobs = q.jobs[:len(q.jobs)-1]
			return true
		}
	}
	return false
}

// Len returns the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
