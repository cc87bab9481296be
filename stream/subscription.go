package stream

import (
	"sync"

	"github.com/mosaicdocs/batch/id"
)

// Subscription is one observer's handle on a job's event stream.
// Events are delivered on a bounded buffered channel; if the subscriber
// falls behind, events are dropped rather than blocking the dispatcher.
// The channel is closed after the terminal event or on Close.
type Subscription struct {
	id    id.SubscriptionID
	jobID string
	ch    chan Event

	closeOnce sync.Once
	detach    func() // removes this subscription from the hub

	mu     sync.Mutex
	closed bool
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id.String() }

// JobID returns the job this subscription observes.
func (s *Subscription) JobID() string { return s.jobID }

// Events returns the receive channel. It is closed when the job reaches a
// terminal state or the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the hub and closes the channel.
// Safe to call multiple times and concurrently with delivery.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// send delivers evt without blocking. Returns false if the event was
// dropped (full buffer or closed subscription).
func (s *Subscription) send(evt Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}
