// Package postgres provides the PostgreSQL implementation of the durable task
// store, the session-scoped advisory locker, and the embedded schema
// migrations. Every state transition is a single conditional UPDATE so that
// exactly one caller wins a race on a task's status.
package postgres
