// Package job defines the data model for batch jobs: the Job itself, its
// per-item Results and Errors, the effective Config resolved at submission,
// and the Progress snapshot derived from counters.
//
// The scheduler exclusively owns mutation of a Job's status, counters,
// results and errors. Callers only ever see copies (Job.Clone).
package job
