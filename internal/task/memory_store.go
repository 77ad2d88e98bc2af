package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/taskcore/internal/store"
)

// MemoryStore is a TaskStore held in process memory. It serves tests and
// single-process deployments. Records are copied on the way in and out, and
// metadata is normalized through JSON so callers observe the same types a
// database-backed store returns.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
	now     func() time.Time

	// atomicDisabled makes CompareAndSwapStatus report ErrAtomicUnsupported.
	atomicDisabled bool
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock sets the clock used for updated_at.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithoutAtomicUpdates simulates a backend without conditional updates.
func WithoutAtomicUpdates() MemoryStoreOption {
	return func(s *MemoryStore) { s.atomicDisabled = true }
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[uuid.UUID]*Record),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ TaskStore = (*MemoryStore)(nil)

// Create implements TaskStore.
func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Status != StatusQueued {
		return fmt.Errorf("%w: new task must be queued", store.ErrInvalidEntity)
	}

	cp, err := cloneRecord(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("failed to create task: %w", store.ErrDuplicate)
	}
	if cp.Metadata == nil {
		cp.Metadata = Metadata{}
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.records[cp.ID] = cp
	return nil
}

// Get implements TaskStore.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneRecord(rec)
}

// List implements TaskStore.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*Record, 0)
	for _, rec := range s.records {
		if filterMatches(filter, rec) {
			matched = append(matched, rec)
		}
	}
	sortRecords(matched, filter.Order)

	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*Record, 0, len(matched))
	for _, rec := range matched {
		cp, err := cloneRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// CompareAndSwapStatus implements TaskStore.
func (s *MemoryStore) CompareAndSwapStatus(
	ctx context.Context,
	id uuid.UUID,
	cond Condition,
	update Update,
) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.atomicDisabled {
		return nil, ErrAtomicUnsupported
	}
	if err := ValidateTransition(cond.Status, update); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || !cond.Matches(rec) {
		return nil, ErrStatusMismatch
	}
	return s.applyLocked(rec, update)
}

// UpdateTask implements TaskStore.
func (s *MemoryStore) UpdateTask(ctx context.Context, id uuid.UUID, update Update) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return s.applyLocked(rec, update)
}

// Ping implements TaskStore.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemoryStore) applyLocked(rec *Record, update Update) (*Record, error) {
	next, err := cloneRecord(rec)
	if err != nil {
		return nil, err
	}
	update.Apply(next)
	next.UpdatedAt = s.now().UTC()

	normalized, err := cloneRecord(next)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrUpdateFailed, err)
	}
	s.records[rec.ID] = normalized
	return cloneRecord(normalized)
}

func filterMatches(f Filter, rec *Record) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if rec.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.TaskType != "" && rec.TaskType != f.TaskType {
		return false
	}
	if f.EligibleAt != nil && !rec.EligibleAt(*f.EligibleAt) {
		return false
	}
	if f.MinRetryCount > 0 && rec.RetryCount < f.MinRetryCount {
		return false
	}
	if f.StartedBefore != nil && (rec.StartedAt == nil || !rec.StartedAt.Before(*f.StartedBefore)) {
		return false
	}
	for k, want := range f.Metadata {
		if v, ok := rec.Metadata[k].(string); !ok || v != want {
			return false
		}
	}
	return true
}

func sortRecords(recs []*Record, order Order) {
	byCreated := func(a, b *Record) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	}

	sort.SliceStable(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		switch order {
		case OrderNextAttempt:
			switch {
			case a.NextAttemptAfter == nil && b.NextAttemptAfter != nil:
				return true
			case a.NextAttemptAfter != nil && b.NextAttemptAfter == nil:
				return false
			case a.NextAttemptAfter != nil && !a.NextAttemptAfter.Equal(*b.NextAttemptAfter):
				return a.NextAttemptAfter.Before(*b.NextAttemptAfter)
			}
			return byCreated(a, b)
		case OrderUpdatedDesc:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
			return byCreated(a, b)
		case OrderCreatedDesc:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID.String() < b.ID.String()
		default:
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return byCreated(a, b)
		}
	})
}

// cloneRecord deep-copies rec. Metadata and the last error go through JSON so
// nested values take the shapes a JSON column would give back.
func cloneRecord(rec *Record) (*Record, error) {
	cp := *rec
	if rec.Metadata != nil {
		raw, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		var md Metadata
		if err := json.Unmarshal(raw, &md); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		cp.Metadata = md
	}
	if rec.LastError != nil {
		e := *rec.LastError
		cp.LastError = &e
	}
	cp.NextAttemptAfter = copyTime(rec.NextAttemptAfter)
	cp.StartedAt = copyTime(rec.StartedAt)
	cp.CompletedAt = copyTime(rec.CompletedAt)
	return &cp, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
