package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
)

// DefaultBufferSize is the default per-subscription event buffer.
const DefaultBufferSize = 64

// Hub routes job lifecycle events to per-job subscribers.
// Safe for concurrent use.
type Hub struct {
	logger     *slog.Logger
	bufferSize int

	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // jobID → subID → sub

	totalPublished atomic.Int64
	totalDropped   atomic.Int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBufferSize sets the per-subscription event buffer size.
func WithBufferSize(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.bufferSize = size
		}
	}
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger, opts ...HubOption) *Hub {
	h := &Hub{
		logger:     logger,
		bufferSize: DefaultBufferSize,
		subs:       make(map[string]map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new observer for the given job. Multiple
// subscribers per job are supported. The caller owns the returned handle
// and unsubscribes by closing it.
func (h *Hub) Subscribe(jobID id.JobID) *Subscription {
	sub := &Subscription{
		id:    id.NewSubscriptionID(),
		jobID: jobID.String(),
		ch:    make(chan Event, h.bufferSize),
	}
	key := jobID.String()
	subID := sub.ID()
	sub.detach = func() { h.remove(key, subID) }

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[string]*Subscription)
	}
	h.subs[key][subID] = sub
	return sub
}

func (h *Hub) remove(jobID, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.subs[jobID]; m != nil {
		delete(m, subID)
		if len(m) == 0 {
			delete(h.subs, jobID)
		}
	}
}

// PublishProgress emits a progress event after a settled batch.
func (h *Hub) PublishProgress(jobID id.JobID, p job.Progress) {
	h.publish(jobID.String(), Event{
		Type:      EventProgress,
		JobID:     jobID.String(),
		Timestamp: time.Now().UTC(),
		Progress:  &p,
	})
}

// PublishError emits an error event for one recorded job error.
func (h *Hub) PublishError(jobID id.JobID, jobErr job.Error) {
	h.publish(jobID.String(), Event{
		Type:      EventError,
		JobID:     jobID.String(),
		Timestamp: time.Now().UTC(),
		Error:     &jobErr,
	})
}

// PublishComplete emits the terminal event and closes every subscription
// for the job. It fires exactly once per job; the dispatcher calls it
// only from finalization.
func (h *Hub) PublishComplete(jobID id.JobID, status job.Status, results []job.Result) {
	key := jobID.String()
	h.publish(key, Event{
		Type:      EventComplete,
		JobID:     key,
		Timestamp: time.Now().UTC(),
		Status:    status,
		Results:   results,
	})

	h.mu.Lock()
	subs := h.subs[key]
	delete(h.subs, key)
	h.mu.Unlock()

	// remove is idempotent, so Close after the map delete is harmless.
	for _, sub := range subs {
		sub.Close()
	}
}

func (h *Hub) publish(jobID string, evt Event) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs[jobID]))
	for _, sub := range h.subs[jobID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if sub.send(evt) {
			h.totalPublished.Add(1)
		} else {
			h.totalDropped.Add(1)
			h.logger.Warn("event dropped, subscriber not keeping up",
				slog.String("job_id", jobID),
				slog.String("subscription_id", sub.ID()),
				slog.String("event_type", string(evt.Type)),
			)
		}
	}
}

// CloseWithComplete delivers a terminal event directly to one
// subscription and closes it. Used for subscribers that attach after the
// job already reached a terminal state, so they still observe completion.
func (h *Hub) CloseWithComplete(sub *Subscription, status job.Status, results []job.Result) {
	evt := Event{
		Type:      EventComplete,
		JobID:     sub.JobID(),
		Timestamp: time.Now().UTC(),
		Status:    status,
		Results:   results,
	}
	if sub.send(evt) {
		h.totalPublished.Add(1)
	} else {
		h.totalDropped.Add(1)
	}
	sub.Close()
}

// CloseAll closes every subscription. Called on scheduler shutdown so
// subscriber drain goroutines terminate.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var subs []*Subscription
	for _, m := range h.subs {
		for _, sub := range m {
			subs = append(subs, sub)
		}
	}
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Stats reports hub counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	count := 0
	for _, m := range h.subs {
		count += len(m)
	}
	h.mu.RUnlock()

	return HubStats{
		Subscribers:    count,
		TotalPublished: h.totalPublished.Load(),
		TotalDropped:   h.totalDropped.Load(),
	}
}

// HubStats contains hub metrics.
type HubStats struct {
	Subscribers    int   `json:"subscribers"`
	TotalPublished int64 `json:"total_published"`
	TotalDropped   int64 `json:"total_dropped"`
}
