// Package executor holds the task handlers the worker registers: a webhook
// executor that hands ingest and reindex bodies to an external service, and
// a health-check executor that probes the scheduler's own dependencies.
package executor
