package stream

import (
	"log/slog"

	"github.com/mosaicdocs/batch/id"
	"github.com/mosaicdocs/batch/job"
)

// Callbacks is the function-style observer shape. Any field may be nil.
type Callbacks struct {
	OnProgress func(job.Progress)
	OnError    func(job.Error)
	OnComplete func(status job.Status, results []job.Result)
}

// SubscribeFunc attaches callbacks to a job's event stream and returns an
// unsubscribe function. A goroutine drains the underlying subscription and
// invokes the callbacks in delivery order; a panicking callback is
// recovered and logged, never aborting delivery or the dispatcher.
func (h *Hub) SubscribeFunc(jobID id.JobID, cb Callbacks) func() {
	return h.Attach(h.Subscribe(jobID), cb)
}

// Attach drains an existing subscription through callbacks on its own
// goroutine and returns the unsubscribe function.
func (h *Hub) Attach(sub *Subscription, cb Callbacks) func() {
	go func() {
		for evt := range sub.Events() {
			h.invoke(cb, evt)
		}
	}()

	return sub.Close
}

func (h *Hub) invoke(cb Callbacks, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber callback panicked",
				slog.String("job_id", evt.JobID),
				slog.String("event_type", string(evt.Type)),
				slog.Any("panic", r),
			)
		}
	}()

	switch evt.Type {
	case EventProgress:
		if cb.OnProgress != nil && evt.Progress != nil {
			cb.OnProgress(*evt.Progress)
		}
	case EventError:
		if cb.OnError != nil && evt.Error != nil {
			cb.OnError(*evt.Error)
		}
	case EventComplete:
		if cb.OnComplete != nil {
			cb.OnComplete(evt.Status, evt.Results)
		}
	}
}
