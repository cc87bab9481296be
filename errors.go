package batch

import "errors"

var (
	// ErrNoExecutor is returned by New when no executor is supplied.
	ErrNoExecutor = errors.New("batch: no executor configured")

	// ErrJobNotFound is returned for operations on unknown job IDs.
	ErrJobNotFound = errors.New("batch: job not found")

	// ErrInvalidTransition is returned for lifecycle requests the job's
	// current state does not permit (e.g. pausing a completed job). The
	// request is a no-op; no state changes.
	ErrInvalidTransition = errors.New("batch: invalid state transition")

	// ErrUnknownJobType is returned by Submit for types outside the
	// closed set.
	ErrUnknownJobType = errors.New("batch: unknown job type")

	// ErrNoItems is returned by Submit when the item list is empty.
	ErrNoItems = errors.New("batch: no items submitted")
)
