//go:build integration

// Package testdb provides helpers for tests that run against a real
// PostgreSQL database. Tests using it are compiled only with the
// "integration" build tag and skip themselves when no database URL is set.
package testdb
