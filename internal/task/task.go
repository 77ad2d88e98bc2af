package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a task.
type Status string

// Task statuses.
const (
	StatusQueued         Status = "queued"
	StatusProcessing     Status = "processing"
	StatusComplete       Status = "complete"
	StatusFailed         Status = "failed"
	StatusNeedsAttention Status = "needs_attention"
	StatusDeadLetter     Status = "dead_letter"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{
	StatusQueued,
	StatusProcessing,
	StatusComplete,
	StatusFailed,
	StatusNeedsAttention,
	StatusDeadLetter,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Well-known task types. The scheduler treats task types as opaque.
const (
	TypeIngest      = "ingest"
	TypeReindex     = "reindex"
	TypeHealthCheck = "health_check"
)

// Well-known metadata keys.
const (
	MetaRetryHistory   = "retry_history"
	MetaReplayHistory  = "replay_history"
	MetaReclaimHistory = "reclaim_history"
	MetaResult         = "result"
	MetaCorrelationID  = "correlation_id"
)

// Metadata is the free-form JSON document attached to a task.
type Metadata map[string]any

// History returns the entries of the append-only list stored under key.
// Entries that are not JSON objects are skipped.
func (m Metadata) History(key string) []map[string]any {
	raw, ok := m[key]
	if !ok {
		return nil
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case []map[string]any:
		out := make([]map[string]any, len(v))
		copy(out, v)
		return out
	default:
		return nil
	}

	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if entry, ok := item.(map[string]any); ok {
			out = append(out, entry)
		}
	}
	return out
}

// Classification separates failures worth retrying from those that are not.
type Classification string

// Failure classifications.
const (
	Transient Classification = "transient"
	Permanent Classification = "permanent"
)

// Error codes produced by the scheduler and runner.
const (
	CodeTaskFailed          = "TASK_FAILED"
	CodeTimeout             = "TIMEOUT"
	CodePanic               = "PANIC"
	CodeNeedsAttention      = "NEEDS_ATTENTION"
	CodeUnsupportedTaskType = "UNSUPPORTED_TASK_TYPE"
	CodeContentUnavailable  = "CONTENT_UNAVAILABLE"
	CodeInvalidInput        = "INVALID_INPUT"
	CodeAccessDenied        = "ACCESS_DENIED"
	CodeNotFound            = "NOT_FOUND"
)

// TaskError is the structured failure recorded on a task.
type TaskError struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Step           string         `json:"step,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Classification Classification `json:"classification,omitempty"`
	// Terminal is set when this error moved the task to dead_letter.
	Terminal   bool      `json:"terminal,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTaskError returns a TaskError with the given code and message.
func NewTaskError(code, message string) *TaskError {
	return &TaskError{Code: code, Message: message}
}

// Error implements error.
func (e *TaskError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s (step %s)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithStep returns e with Step set.
func (e *TaskError) WithStep(step string) *TaskError {
	e.Step = step
	return e
}

// AsTaskError converts err into a TaskError. A *TaskError anywhere in the
// chain is copied; deadline errors become TIMEOUT; anything else becomes
// TASK_FAILED with err's text.
func AsTaskError(err error) *TaskError {
	if err == nil {
		return nil
	}

	var te *TaskError
	if errors.As(err, &te) {
		cp := *te
		return &cp
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTaskError(CodeTimeout, err.Error())
	}
	return NewTaskError(CodeTaskFailed, err.Error())
}

// Record is a durable task.
type Record struct {
	ID               uuid.UUID  `json:"id"`
	TaskType         string     `json:"task_type"`
	Status           Status     `json:"status"`
	Priority         int        `json:"priority"`
	RetryCount       int        `json:"retry_count"`
	Owner            string     `json:"owner,omitempty"`
	NextAttemptAfter *time.Time `json:"next_attempt_after,omitempty"`
	LastError        *TaskError `json:"last_error,omitempty"`
	Metadata         Metadata   `json:"metadata"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// EligibleAt reports whether a queued record may be claimed at now.
func (r *Record) EligibleAt(now time.Time) bool {
	if r.Status != StatusQueued {
		return false
	}
	return r.NextAttemptAfter == nil || !r.NextAttemptAfter.After(now)
}

// CheckInvariants verifies the status-dependent field rules of a record.
func (r *Record) CheckInvariants() error {
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, r.Status)
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("%w: negative retry_count", ErrInvalidTask)
	}
	switch r.Status {
	case StatusProcessing:
		if r.Owner == "" || r.StartedAt == nil {
			return fmt.Errorf("%w: processing task without owner or started_at", ErrInvalidTask)
		}
	case StatusComplete, StatusFailed, StatusDeadLetter:
		if r.CompletedAt == nil {
			return fmt.Errorf("%w: %s task without completed_at", ErrInvalidTask, r.Status)
		}
	}
	return nil
}

// Order selects the sort order of List.
type Order int

// List orders.
const (
	// OrderPriority sorts by priority descending, then created_at and id
	// ascending. This is the dequeue order.
	OrderPriority Order = iota
	// OrderNextAttempt sorts by next_attempt_after ascending (nulls first),
	// then created_at.
	OrderNextAttempt
	// OrderUpdatedDesc sorts by updated_at descending.
	OrderUpdatedDesc
	// OrderCreatedDesc sorts by created_at descending.
	OrderCreatedDesc
)

// Filter narrows List results. Zero-valued fields do not filter.
type Filter struct {
	Statuses []Status
	TaskType string
	// EligibleAt keeps queued records whose next_attempt_after is null or
	// not after this time.
	EligibleAt    *time.Time
	MinRetryCount int
	StartedBefore *time.Time
	// Metadata keeps records whose top-level metadata values equal the given
	// strings.
	Metadata map[string]string
	Order    Order
	Limit    int
}

// Condition guards CompareAndSwapStatus. Status is always checked; the other
// fields only when set.
type Condition struct {
	Status        Status
	Owner         string
	EligibleAt    *time.Time
	StartedBefore *time.Time
}

// Matches reports whether r satisfies the condition.
func (c Condition) Matches(r *Record) bool {
	if r.Status != c.Status {
		return false
	}
	if c.Owner != "" && r.Owner != c.Owner {
		return false
	}
	if c.EligibleAt != nil && r.NextAttemptAfter != nil && r.NextAttemptAfter.After(*c.EligibleAt) {
		return false
	}
	if c.StartedBefore != nil && (r.StartedAt == nil || !r.StartedAt.Before(*c.StartedBefore)) {
		return false
	}
	return true
}

// HistoryEntry is appended to the metadata list named Key.
type HistoryEntry struct {
	Key   string
	Entry map[string]any
}

// Update lists the columns a transition writes. Nil fields are left
// unchanged; the Clear flags set a column to null.
type Update struct {
	Status           Status
	Owner            *string
	RetryCount       *int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	NextAttemptAfter *time.Time
	LastError        *TaskError

	ClearOwner            bool
	ClearStartedAt        bool
	ClearCompletedAt      bool
	ClearNextAttemptAfter bool
	ClearLastError        bool

	// MergeMetadata overwrites top-level metadata keys.
	MergeMetadata Metadata
	AppendHistory *HistoryEntry
}

// Apply writes u onto r in place. Stores without native conditional updates
// use it to share the semantics of the SQL implementation.
func (u Update) Apply(r *Record) {
	if u.Status != "" {
		r.Status = u.Status
	}
	if u.ClearOwner {
		r.Owner = ""
	} else if u.Owner != nil {
		r.Owner = *u.Owner
	}
	if u.RetryCount != nil {
		r.RetryCount = *u.RetryCount
	}
	if u.ClearStartedAt {
		r.StartedAt = nil
	} else if u.StartedAt != nil {
		t := *u.StartedAt
		r.StartedAt = &t
	}
	if u.ClearCompletedAt {
		r.CompletedAt = nil
	} else if u.CompletedAt != nil {
		t := *u.CompletedAt
		r.CompletedAt = &t
	}
	if u.ClearNextAttemptAfter {
		r.NextAttemptAfter = nil
	} else if u.NextAttemptAfter != nil {
		t := *u.NextAttemptAfter
		r.NextAttemptAfter = &t
	}
	if u.ClearLastError {
		r.LastError = nil
	} else if u.LastError != nil {
		e := *u.LastError
		r.LastError = &e
	}
	if len(u.MergeMetadata) > 0 || u.AppendHistory != nil {
		if r.Metadata == nil {
			r.Metadata = Metadata{}
		}
	}
	for k, v := range u.MergeMetadata {
		r.Metadata[k] = v
	}
	if h := u.AppendHistory; h != nil {
		var list []any
		if existing, ok := r.Metadata[h.Key].([]any); ok {
			list = append(list, existing...)
		}
		r.Metadata[h.Key] = append(list, h.Entry)
	}
}
