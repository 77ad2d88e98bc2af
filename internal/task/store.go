package task

import (
	"context"

	"github.com/google/uuid"
)

// TaskStore is the durable record of every task.
type TaskStore interface {
	// Create inserts a new record. The record must be queued.
	Create(ctx context.Context, rec *Record) error

	// Get returns the record or an error wrapping store.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// List returns records matching filter.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// CompareAndSwapStatus applies update only if the record currently
	// satisfies cond, as a single conditional operation, and returns the
	// updated record. It returns ErrStatusMismatch when the condition does not
	// hold and ErrAtomicUnsupported when the store cannot do this atomically.
	CompareAndSwapStatus(ctx context.Context, id uuid.UUID, cond Condition, update Update) (*Record, error)

	// UpdateTask applies update unconditionally. Only the degraded fallback
	// claim strategy uses it.
	UpdateTask(ctx context.Context, id uuid.UUID, update Update) (*Record, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Transactor is implemented by stores that can run several writes as one
// unit. fn receives a store bound to the transaction; returning an error
// discards every write made through it.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, ts TaskStore) error) error
}
