// Package redis provides the Redis-backed fast path and distributed lock.
// Both are accelerators: losing Redis degrades the scheduler to polling
// PostgreSQL but never loses a task.
package redis
