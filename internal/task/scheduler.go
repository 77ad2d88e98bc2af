package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/taskcore/internal/lock"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/redact"
	"github.com/phrazzld/taskcore/internal/store"
)

// Lock names used by the scheduler.
const (
	DequeueLockName     = "dequeue"
	MaintenanceLockName = "maintenance"
)

// Scheduler defaults.
const (
	DefaultDequeueBatchSize = 10
	DefaultLockTTL          = 10 * time.Second
	DefaultListLimit        = 100
	MaxListLimit            = 1000
	maintenanceBatchSize    = 500
)

// SchedulerConfig holds scheduler tunables.
type SchedulerConfig struct {
	DequeueBatchSize int
	LockTTL          time.Duration
	Retry            RetryConfig
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		DequeueBatchSize: DefaultDequeueBatchSize,
		LockTTL:          DefaultLockTTL,
		Retry:            DefaultRetryConfig(),
	}
}

// SchedulerOption configures optional scheduler collaborators.
type SchedulerOption func(*Scheduler)

// WithFastPath enables the fast path. locker serializes PopCandidates across
// workers and also guards maintenance sweeps.
func WithFastPath(fp FastPath, locker lock.Locker) SchedulerOption {
	return func(s *Scheduler) {
		s.fastPath = fp
		if locker != nil {
			s.locker = locker
		}
	}
}

// WithLocker sets the distributed lock used for maintenance sweeps.
func WithLocker(locker lock.Locker) SchedulerOption {
	return func(s *Scheduler) { s.locker = locker }
}

// WithClaimStrategy replaces the atomic claim strategy.
func WithClaimStrategy(cs ClaimStrategy) SchedulerOption {
	return func(s *Scheduler) { s.claim = cs }
}

// WithRetryPolicy replaces the policy built from SchedulerConfig.Retry.
func WithRetryPolicy(p *RetryPolicy) SchedulerOption {
	return func(s *Scheduler) { s.policy = p }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler is the entry point for producers, workers and operators.
type Scheduler struct {
	store    TaskStore
	fastPath FastPath
	locker   lock.Locker
	claim    ClaimStrategy
	policy   *RetryPolicy
	cfg      SchedulerConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler returns a Scheduler over ts.
func NewScheduler(ts TaskStore, cfg SchedulerConfig, log *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if cfg.DequeueBatchSize <= 0 {
		cfg.DequeueBatchSize = DefaultDequeueBatchSize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Scheduler{
		store:  ts,
		claim:  AtomicClaimStrategy{},
		policy: NewRetryPolicy(cfg.Retry),
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fastPath != nil && s.locker == nil {
		s.locker = lock.NewMemoryLocker()
	}
	return s
}

// Policy returns the retry policy in use.
func (s *Scheduler) Policy() *RetryPolicy { return s.policy }

// Store returns the underlying task store.
func (s *Scheduler) Store() TaskStore { return s.store }

// FastPath returns the fast path, or nil when disabled.
func (s *Scheduler) FastPath() FastPath { return s.fastPath }

func (s *Scheduler) clock() time.Time {
	return s.now().UTC()
}

func (s *Scheduler) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, s.logger)
}

// CreateTask inserts a queued task and pushes a fast path hint. A failed
// insert is returned; a failed hint push is logged, since polling will find
// the task anyway.
func (s *Scheduler) CreateTask(
	ctx context.Context,
	taskType string,
	priority int,
	metadata Metadata,
) (*Record, error) {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return nil, fmt.Errorf("%w: task type is required", ErrInvalidTask)
	}
	if metadata == nil {
		metadata = Metadata{}
	}

	now := s.clock()
	rec := &Record{
		ID:         uuid.New(),
		TaskType:   taskType,
		Status:     StatusQueued,
		Priority:   priority,
		RetryCount: 0,
		Metadata:   metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	s.pushHint(ctx, rec)
	s.log(ctx).Info("task created",
		"task_id", rec.ID,
		"task_type", rec.TaskType,
		"priority", rec.Priority)
	return rec, nil
}

// Dequeue claims the next eligible task for owner. Fast path candidates are
// tried first; the store is polled when the fast path is disabled, contended,
// failing or empty. It returns ErrNoTaskAvailable when nothing was claimed.
func (s *Scheduler) Dequeue(ctx context.Context, owner string) (*Record, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidTask)
	}
	now := s.clock()
	log := s.log(ctx)

	if s.fastPath != nil {
		hints, err := s.popCandidates(ctx, now)
		switch {
		case errors.Is(err, lock.ErrNotAcquired):
			log.Debug("dequeue lock contended, polling store", "worker_id", owner)
		case err != nil:
			log.Warn("fast path unavailable, polling store",
				"worker_id", owner,
				"error", redact.Error(err))
		default:
			rec, err := s.claimFirst(ctx, hints, true, owner, now)
			if rec != nil || err != nil {
				return rec, err
			}
		}
	}

	candidates, err := s.store.List(ctx, Filter{
		Statuses:   []Status{StatusQueued},
		EligibleAt: &now,
		Order:      OrderPriority,
		Limit:      s.cfg.DequeueBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible tasks: %w", err)
	}

	hints := make([]Hint, 0, len(candidates))
	for _, c := range candidates {
		hints = append(hints, HintFor(c))
	}
	rec, err := s.claimFirst(ctx, hints, false, owner, now)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNoTaskAvailable
	}
	return rec, nil
}

func (s *Scheduler) popCandidates(ctx context.Context, now time.Time) ([]Hint, error) {
	var hints []Hint
	err := lock.WithLock(ctx, s.locker, DequeueLockName, s.cfg.LockTTL, func(ctx context.Context) error {
		var err error
		hints, err = s.fastPath.PopCandidates(ctx, s.cfg.DequeueBatchSize, now)
		return err
	})
	return hints, err
}

// claimFirst attempts candidates in order and returns the first success.
// Lost races are skipped. A nil record and nil error mean nothing was
// claimed. Popped fast path hints that were not attempted are pushed back.
func (s *Scheduler) claimFirst(
	ctx context.Context,
	hints []Hint,
	popped bool,
	owner string,
	now time.Time,
) (*Record, error) {
	log := s.log(ctx)
	for i, h := range hints {
		rec, err := s.claim.Claim(ctx, s.store, h.ID, owner, now)
		switch {
		case err == nil:
			if popped {
				s.restoreHints(ctx, hints[i+1:])
			}
			log.Info("task claimed",
				"task_id", rec.ID,
				"task_type", rec.TaskType,
				"worker_id", owner,
				"retry_count", rec.RetryCount)
			return rec, nil
		case errors.Is(err, ErrStatusMismatch), store.IsNotFoundError(err):
			log.Debug("task not claimable", "task_id", h.ID, "worker_id", owner)
		default:
			if popped {
				s.restoreHints(ctx, hints[i:])
			}
			return nil, fmt.Errorf("failed to claim task %s: %w", h.ID, err)
		}
	}
	return nil, nil
}

func (s *Scheduler) restoreHints(ctx context.Context, hints []Hint) {
	for _, h := range hints {
		if err := s.fastPath.Push(ctx, h); err != nil {
			s.log(ctx).Warn("failed to restore fast path hint",
				"task_id", h.ID,
				"error", redact.Error(err))
			return
		}
	}
}

func (s *Scheduler) pushHint(ctx context.Context, rec *Record) {
	if s.fastPath == nil {
		return
	}
	if err := s.fastPath.Push(ctx, HintFor(rec)); err != nil {
		s.log(ctx).Warn("failed to push fast path hint",
			"task_id", rec.ID,
			"error", redact.Error(err))
	}
}

// ReportSuccess completes a task owned by owner. result, when non-empty, is
// stored under metadata.result.
func (s *Scheduler) ReportSuccess(ctx context.Context, id uuid.UUID, owner string, result Metadata) (*Record, error) {
	now := s.clock()
	update := Update{
		Status:                StatusComplete,
		CompletedAt:           &now,
		ClearNextAttemptAfter: true,
		ClearLastError:        true,
	}
	if len(result) > 0 {
		update.MergeMetadata = Metadata{MetaResult: map[string]any(result)}
	}

	rec, err := s.claim.Transition(ctx, s.store, id, Condition{Status: StatusProcessing, Owner: owner}, update)
	if err != nil {
		return nil, fmt.Errorf("failed to complete task %s: %w", id, err)
	}

	s.log(ctx).Info("task completed",
		"task_id", rec.ID,
		"task_type", rec.TaskType,
		"worker_id", owner)
	return rec, nil
}

// ReportFailure records a failed attempt and then either re-queues the task
// with backoff or moves it to dead_letter.
func (s *Scheduler) ReportFailure(ctx context.Context, id uuid.UUID, owner string, cause error) (*Record, error) {
	if cause == nil {
		cause = NewTaskError(CodeTaskFailed, "unspecified failure")
	}
	now := s.clock()

	te := AsTaskError(cause)
	te.Classification = s.policy.Classify(te)
	te.Message = redact.Credentials(te.Message)
	if te.CorrelationID == "" {
		te.CorrelationID = logger.CorrelationID(ctx)
	}
	te.OccurredAt = now

	var (
		failed, final *Record
		wrote         bool
	)
	err := s.inTx(ctx, func(ctx context.Context, ts TaskStore) error {
		var err error
		failed, err = s.claim.Transition(ctx, ts, id,
			Condition{Status: StatusProcessing, Owner: owner},
			Update{
				Status:      StatusFailed,
				CompletedAt: &now,
				LastError:   te,
			})
		if err != nil {
			return fmt.Errorf("failed to record failure of task %s: %w", id, err)
		}
		final, wrote, err = s.resolveFailed(ctx, ts, failed)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log(ctx).Warn("task failed",
		"task_id", failed.ID,
		"task_type", failed.TaskType,
		"worker_id", owner,
		"error_code", te.Code,
		"classification", te.Classification,
		"retry_count", failed.RetryCount)
	if wrote {
		s.logResolved(ctx, final)
	}
	return final, nil
}

// inTx runs fn in one transaction when the store supports it.
func (s *Scheduler) inTx(ctx context.Context, fn func(ctx context.Context, ts TaskStore) error) error {
	if tx, ok := s.store.(Transactor); ok {
		return tx.InTx(ctx, fn)
	}
	return fn(ctx, s.store)
}

// resolveFailed moves a failed record to queued or dead_letter through ts.
// The boolean is false when another writer resolved the record first, in
// which case the current record is returned.
func (s *Scheduler) resolveFailed(ctx context.Context, ts TaskStore, rec *Record) (*Record, bool, error) {
	now := s.clock()
	te := rec.LastError
	if te == nil {
		te = NewTaskError(CodeTaskFailed, "unknown failure")
	}
	decision := s.policy.Decide(rec.RetryCount, te)
	cond := Condition{Status: StatusFailed}

	var (
		next *Record
		err  error
	)
	if !decision.Retry {
		terminal := *te
		terminal.Terminal = true
		terminal.Classification = decision.Classification
		next, err = s.claim.Transition(ctx, ts, rec.ID, cond, Update{
			Status:                StatusDeadLetter,
			LastError:             &terminal,
			ClearNextAttemptAfter: true,
		})
	} else {
		attempt := rec.RetryCount + 1
		after := now.Add(decision.Delay)
		next, err = s.claim.Transition(ctx, ts, rec.ID, cond, Update{
			Status:           StatusQueued,
			RetryCount:       &attempt,
			NextAttemptAfter: &after,
			ClearOwner:       true,
			ClearStartedAt:   true,
			ClearCompletedAt: true,
			AppendHistory: &HistoryEntry{
				Key: MetaRetryHistory,
				Entry: map[string]any{
					"attempt":        attempt,
					"previous_error": truncate(te.Message, maxHistoryErrorLen),
					"error_code":     te.Code,
					"retried_at":     now.Format(time.RFC3339Nano),
					"delay_seconds":  decision.Delay.Seconds(),
				},
			},
		})
	}
	if errors.Is(err, ErrStatusMismatch) {
		current, getErr := ts.Get(ctx, rec.ID)
		if getErr == nil && current.Status != StatusFailed {
			s.log(ctx).Debug("failed task already resolved",
				"task_id", current.ID,
				"status", current.Status)
			return current, false, nil
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve failed task %s: %w", rec.ID, err)
	}
	return next, true, nil
}

// logResolved reports the outcome of resolveFailed and pushes a fast path
// hint for re-queued tasks. It runs after the writes are committed.
func (s *Scheduler) logResolved(ctx context.Context, rec *Record) {
	if rec.Status == StatusQueued {
		s.pushHint(ctx, rec)
		s.log(ctx).Info("task re-queued for retry",
			"task_id", rec.ID,
			"task_type", rec.TaskType,
			"attempt", rec.RetryCount,
			"max_retries", s.policy.MaxRetries(),
			"next_attempt_after", rec.NextAttemptAfter)
		return
	}

	reason := "retries exhausted"
	code := ""
	if rec.LastError != nil {
		code = rec.LastError.Code
		if rec.LastError.Classification == Permanent {
			reason = "permanent failure"
		}
	}
	s.log(ctx).Error("task moved to dead letter",
		"task_id", rec.ID,
		"task_type", rec.TaskType,
		"reason", reason,
		"retry_count", rec.RetryCount,
		"error_code", code)
}

// ReportNeedsAttention parks a task owned by owner for operator review.
func (s *Scheduler) ReportNeedsAttention(ctx context.Context, id uuid.UUID, owner, reason string) (*Record, error) {
	now := s.clock()
	te := NewTaskError(CodeNeedsAttention, redact.Credentials(reason))
	te.Classification = Permanent
	te.CorrelationID = logger.CorrelationID(ctx)
	te.OccurredAt = now

	rec, err := s.claim.Transition(ctx, s.store, id,
		Condition{Status: StatusProcessing, Owner: owner},
		Update{Status: StatusNeedsAttention, LastError: te})
	if err != nil {
		return nil, fmt.Errorf("failed to flag task %s: %w", id, err)
	}

	s.log(ctx).Warn("task needs attention",
		"task_id", rec.ID,
		"task_type", rec.TaskType,
		"worker_id", owner)
	return rec, nil
}

// DeadLetterFilter narrows ListDeadLetter.
type DeadLetterFilter struct {
	TaskType string
	// Metadata scopes the list to tasks whose metadata carries these
	// key/value pairs, for example the entity a task belongs to.
	Metadata map[string]string
	Limit    int
}

// ListDeadLetter returns dead-lettered tasks, most recently failed first.
func (s *Scheduler) ListDeadLetter(ctx context.Context, filter DeadLetterFilter) ([]*Record, error) {
	recs, err := s.store.List(ctx, Filter{
		Statuses: []Status{StatusDeadLetter},
		TaskType: filter.TaskType,
		Metadata: filter.Metadata,
		Order:    OrderUpdatedDesc,
		Limit:    clampLimit(filter.Limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter tasks: %w", err)
	}
	return recs, nil
}

// ListPendingRetry returns queued tasks that have been retried at least once,
// soonest next attempt first.
func (s *Scheduler) ListPendingRetry(ctx context.Context, limit int) ([]*Record, error) {
	recs, err := s.store.List(ctx, Filter{
		Statuses:      []Status{StatusQueued},
		MinRetryCount: 1,
		Order:         OrderNextAttempt,
		Limit:         clampLimit(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending retries: %w", err)
	}
	return recs, nil
}

// Get returns a task by id.
func (s *Scheduler) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return rec, nil
}

// List returns tasks matching filter. The limit is clamped.
func (s *Scheduler) List(ctx context.Context, filter Filter) ([]*Record, error) {
	for _, st := range filter.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, st)
		}
	}
	filter.Limit = clampLimit(filter.Limit)
	recs, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return recs, nil
}

// Replay returns a dead-lettered, parked or stuck task to the queue with a
// fresh retry budget. The previous error is kept in metadata.replay_history.
func (s *Scheduler) Replay(ctx context.Context, id uuid.UUID, operator string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s for replay: %w", id, err)
	}
	if !Replayable(rec.Status) {
		return nil, fmt.Errorf("%w: cannot replay task in status %s", ErrInvalidTransition, rec.Status)
	}
	if operator == "" {
		operator = "operator"
	}

	now := s.clock()
	entry := map[string]any{
		"replayed_at":     now.Format(time.RFC3339Nano),
		"replayed_by":     operator,
		"previous_status": string(rec.Status),
		"previous_error":  nil,
	}
	if rec.LastError != nil {
		entry["previous_error"] = map[string]any{
			"code":    rec.LastError.Code,
			"message": rec.LastError.Message,
		}
	}
	if rec.Owner != "" {
		entry["previous_owner"] = rec.Owner
	}

	zero := 0
	replayed, err := s.claim.Transition(ctx, s.store, id,
		Condition{Status: rec.Status, Owner: rec.Owner},
		Update{
			Status:                StatusQueued,
			RetryCount:            &zero,
			ClearOwner:            true,
			ClearStartedAt:        true,
			ClearCompletedAt:      true,
			ClearNextAttemptAfter: true,
			ClearLastError:        true,
			AppendHistory:         &HistoryEntry{Key: MetaReplayHistory, Entry: entry},
		})
	if err != nil {
		return nil, fmt.Errorf("failed to replay task %s: %w", id, err)
	}

	s.pushHint(ctx, replayed)
	s.log(ctx).Info("task replayed",
		"task_id", replayed.ID,
		"task_type", replayed.TaskType,
		"previous_status", rec.Status,
		"operator", operator)
	return replayed, nil
}

// RetryFailed resolves tasks left in failed, which happens when a worker dies
// between the two steps of ReportFailure. It returns how many were resolved.
func (s *Scheduler) RetryFailed(ctx context.Context) (int, error) {
	recs, err := s.store.List(ctx, Filter{
		Statuses: []Status{StatusFailed},
		Order:    OrderUpdatedDesc,
		Limit:    maintenanceBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list failed tasks: %w", err)
	}

	resolved := 0
	for _, rec := range recs {
		next, wrote, err := s.resolveFailed(ctx, s.store, rec)
		if err != nil {
			if errors.Is(err, ErrStatusMismatch) {
				continue
			}
			return resolved, err
		}
		if !wrote {
			continue
		}
		s.logResolved(ctx, next)
		resolved++
	}
	return resolved, nil
}

// ResyncFastPath pushes hints for every eligible queued task so the fast
// path recovers from lost hints. It is a no-op without a fast path.
func (s *Scheduler) ResyncFastPath(ctx context.Context) (int, error) {
	if s.fastPath == nil {
		return 0, nil
	}
	now := s.clock()
	recs, err := s.store.List(ctx, Filter{
		Statuses:   []Status{StatusQueued},
		EligibleAt: &now,
		Order:      OrderPriority,
		Limit:      maintenanceBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list queued tasks: %w", err)
	}

	for i, rec := range recs {
		if err := s.fastPath.Push(ctx, HintFor(rec)); err != nil {
			return i, fmt.Errorf("failed to push hint for task %s: %w", rec.ID, err)
		}
	}
	return len(recs), nil
}

// ReclaimStale returns tasks that have been processing for longer than
// olderThan to the queue without consuming a retry. The previous owner is
// recorded in metadata.reclaim_history. Callers enable this explicitly; a
// reclaimed task may still be running on a slow worker, whose later report
// will then fail its owner check.
func (s *Scheduler) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	now := s.clock()
	cutoff := now.Add(-olderThan)

	recs, err := s.store.List(ctx, Filter{
		Statuses:      []Status{StatusProcessing},
		StartedBefore: &cutoff,
		Order:         OrderCreatedDesc,
		Limit:         maintenanceBatchSize,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tasks: %w", err)
	}

	reclaimed := 0
	for _, rec := range recs {
		entry := map[string]any{
			"reclaimed_at":   now.Format(time.RFC3339Nano),
			"previous_owner": rec.Owner,
		}
		if rec.StartedAt != nil {
			entry["started_at"] = rec.StartedAt.UTC().Format(time.RFC3339Nano)
		}

		back, err := s.claim.Transition(ctx, s.store, rec.ID,
			Condition{Status: StatusProcessing, Owner: rec.Owner, StartedBefore: &cutoff},
			Update{
				Status:         StatusQueued,
				ClearOwner:     true,
				ClearStartedAt: true,
				AppendHistory:  &HistoryEntry{Key: MetaReclaimHistory, Entry: entry},
			})
		if err != nil {
			if errors.Is(err, ErrStatusMismatch) {
				continue
			}
			return reclaimed, fmt.Errorf("failed to reclaim task %s: %w", rec.ID, err)
		}

		s.pushHint(ctx, back)
		s.log(ctx).Warn("reclaimed stale task",
			"task_id", back.ID,
			"task_type", back.TaskType,
			"previous_owner", rec.Owner)
		reclaimed++
	}
	return reclaimed, nil
}

// MaintenanceReport counts the work done by one RunMaintenance pass.
type MaintenanceReport struct {
	Resolved  int
	Resynced  int
	Reclaimed int
}

// RunMaintenance runs the sweeps under the maintenance lock so that only one
// worker does so at a time. It returns lock.ErrNotAcquired when another
// worker holds the lock.
func (s *Scheduler) RunMaintenance(ctx context.Context, staleAfter time.Duration) (MaintenanceReport, error) {
	var report MaintenanceReport
	run := func(ctx context.Context) error {
		var errs []error
		var err error
		if report.Resolved, err = s.RetryFailed(ctx); err != nil {
			errs = append(errs, err)
		}
		if report.Reclaimed, err = s.ReclaimStale(ctx, staleAfter); err != nil {
			errs = append(errs, err)
		}
		if report.Resynced, err = s.ResyncFastPath(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	if s.locker == nil {
		return report, run(ctx)
	}
	ttl := s.cfg.LockTTL * 6
	return report, lock.WithLock(ctx, s.locker, MaintenanceLockName, ttl, run)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
