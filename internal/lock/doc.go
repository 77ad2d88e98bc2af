// Package lock defines the named, expiring mutual-exclusion primitive that
// workers use to serialize short critical sections across processes.
//
// A lock is identified by name and held under an owner token. Only the
// holder of the current token can release it, and every lock expires after
// its TTL so a crashed holder never blocks others for longer than that.
// Backends live in internal/platform/redis and internal/platform/postgres;
// MemoryLocker serves tests and single-process deployments.
package lock
