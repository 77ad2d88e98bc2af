// Package store holds the persistence plumbing shared by every store
// implementation: the DBTX abstraction over *sql.DB and *sql.Tx, the common
// sentinel errors callers match with errors.Is, and transaction helpers.
package store
