package task

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Hint tells the fast path that a task may be claimable. Hints are advisory:
// a popped hint whose task is no longer claimable is simply discarded.
type Hint struct {
	ID        uuid.UUID
	Priority  int
	CreatedAt time.Time
	// NotBefore holds a hint back until the task's retry delay has passed.
	NotBefore *time.Time
}

// HintFor builds the hint for rec.
func HintFor(rec *Record) Hint {
	return Hint{
		ID:        rec.ID,
		Priority:  rec.Priority,
		CreatedAt: rec.CreatedAt,
		NotBefore: copyTime(rec.NextAttemptAfter),
	}
}

// FastPath is a priority-ordered queue of task hints. It is an accelerator
// only: the TaskStore stays the source of truth and every hint is verified by
// a claim.
type FastPath interface {
	// Push adds or replaces the hint for h.ID.
	Push(ctx context.Context, h Hint) error

	// PopCandidates removes and returns up to n ready hints, highest priority
	// first, then oldest first, then by id. Delayed hints whose NotBefore is
	// not after now are ready. Returned hints have NotBefore cleared.
	PopCandidates(ctx context.Context, n int, now time.Time) ([]Hint, error)

	// Remove drops any hint for id.
	Remove(ctx context.Context, id uuid.UUID) error

	// Len returns the number of hints held, ready or delayed.
	Len(ctx context.Context) (int64, error)
}

// MemoryFastPath is a FastPath for a single process.
type MemoryFastPath struct {
	mu    sync.Mutex
	hints map[uuid.UUID]Hint
}

// NewMemoryFastPath returns an empty MemoryFastPath.
func NewMemoryFastPath() *MemoryFastPath {
	return &MemoryFastPath{hints: make(map[uuid.UUID]Hint)}
}

var _ FastPath = (*MemoryFastPath)(nil)

// Push implements FastPath.
func (q *MemoryFastPath) Push(ctx context.Context, h Hint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hints[h.ID] = h
	return nil
}

// PopCandidates implements FastPath.
func (q *MemoryFastPath) PopCandidates(ctx context.Context, n int, now time.Time) ([]Hint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ready := make([]Hint, 0, len(q.hints))
	for _, h := range q.hints {
		if h.NotBefore == nil || !h.NotBefore.After(now) {
			ready = append(ready, h)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	if len(ready) > n {
		ready = ready[:n]
	}
	for i := range ready {
		delete(q.hints, ready[i].ID)
		ready[i].NotBefore = nil
	}
	return ready, nil
}

// Remove implements FastPath.
func (q *MemoryFastPath) Remove(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.hints, id)
	return nil
}

// Len implements FastPath.
func (q *MemoryFastPath) Len(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.hints)), nil
}
