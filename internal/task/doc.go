// Package task implements durable, distributed task scheduling.
//
// Tasks are rows in a shared TaskStore. Any number of worker processes call
// Scheduler.Dequeue concurrently; the store's conditional status update
// (CompareAndSwapStatus) is the only arbiter of which worker owns a task, so
// a queued task moves to processing at most once per cycle. Stores without
// conditional updates can run under the degraded fallback ClaimStrategy,
// which narrows but does not close that race. An optional
// FastPath holds priority-ordered hints that spare workers a store scan, and
// a distributed lock serializes access to it.
//
// Failed tasks are classified as transient or permanent. Transient failures
// are re-queued with exponential backoff and jitter until MaxRetries is
// exhausted; permanent failures and exhausted tasks move to the dead-letter
// state, from which an operator can replay them.
//
// Runner wraps the scheduler in a worker loop with a handler registry and
// periodic maintenance jobs.
package task
