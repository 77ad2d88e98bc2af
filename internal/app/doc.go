// Package app wires configuration into the scheduler's collaborators. Both
// the API server and the worker build their scheduler through it, so the two
// processes always agree on store, fast path, lock backend and retry policy.
package app
