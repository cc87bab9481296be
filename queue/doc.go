// Package queue implements the pending-job priority queue and the optional
// dispatch rate limiter.
//
// Ordering: High before Normal before Low. Within one band submission
// order is preserved; a new job is inserted immediately before the first
// queued job of strictly lower priority, never reordering its own band.
// Resumed jobs re-enter at the front of their band so manually resumed
// work is not starved by fresh submissions.
package queue
