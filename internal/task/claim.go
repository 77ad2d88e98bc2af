package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/taskcore/internal/platform/logger"
)

// Claim strategy names accepted by NewClaimStrategy.
const (
	ClaimAtomic   = "atomic"
	ClaimFallback = "fallback"
	ClaimAuto     = "auto"
)

// ClaimStrategy performs the conditional status writes of the scheduler:
// claiming a queued task and every later outcome transition. Both return
// ErrStatusMismatch when the record no longer satisfies the condition or
// another writer won.
type ClaimStrategy interface {
	Claim(ctx context.Context, ts TaskStore, id uuid.UUID, owner string, now time.Time) (*Record, error)
	Transition(ctx context.Context, ts TaskStore, id uuid.UUID, cond Condition, update Update) (*Record, error)
	Name() string
}

// NewClaimStrategy returns the strategy registered under name.
func NewClaimStrategy(name string, log *slog.Logger) (ClaimStrategy, error) {
	switch name {
	case "", ClaimAtomic:
		return AtomicClaimStrategy{}, nil
	case ClaimFallback:
		return NewFallbackClaimStrategy(log), nil
	case ClaimAuto:
		return NewAutoClaimStrategy(log), nil
	default:
		return nil, fmt.Errorf("unknown claim strategy %q", name)
	}
}

func claimCondition(now time.Time) Condition {
	return Condition{Status: StatusQueued, EligibleAt: &now}
}

func claimUpdate(owner string, now time.Time) Update {
	return Update{
		Status:           StatusProcessing,
		Owner:            &owner,
		StartedAt:        &now,
		ClearCompletedAt: true,
	}
}

// AtomicClaimStrategy writes with a single conditional update. This is the
// only strategy that guarantees a task is claimed at most once per cycle.
type AtomicClaimStrategy struct{}

// Name implements ClaimStrategy.
func (AtomicClaimStrategy) Name() string { return ClaimAtomic }

// Claim implements ClaimStrategy.
func (a AtomicClaimStrategy) Claim(
	ctx context.Context,
	ts TaskStore,
	id uuid.UUID,
	owner string,
	now time.Time,
) (*Record, error) {
	return a.Transition(ctx, ts, id, claimCondition(now), claimUpdate(owner, now))
}

// Transition implements ClaimStrategy.
func (AtomicClaimStrategy) Transition(
	ctx context.Context,
	ts TaskStore,
	id uuid.UUID,
	cond Condition,
	update Update,
) (*Record, error) {
	return ts.CompareAndSwapStatus(ctx, id, cond, update)
}

// FallbackClaimStrategy writes by read, unconditional write and re-read. Two
// workers can both pass the read, so it narrows but does not close the race;
// the re-read catches most double writes. Every write is logged as degraded.
type FallbackClaimStrategy struct {
	logger *slog.Logger
}

// NewFallbackClaimStrategy returns a FallbackClaimStrategy logging to log.
func NewFallbackClaimStrategy(log *slog.Logger) *FallbackClaimStrategy {
	if log == nil {
		log = slog.Default()
	}
	return &FallbackClaimStrategy{logger: log}
}

// Name implements ClaimStrategy.
func (*FallbackClaimStrategy) Name() string { return ClaimFallback }

// Claim implements ClaimStrategy.
func (s *FallbackClaimStrategy) Claim(
	ctx context.Context,
	ts TaskStore,
	id uuid.UUID,
	owner string,
	now time.Time,
) (*Record, error) {
	return s.Transition(ctx, ts, id, claimCondition(now), claimUpdate(owner, now))
}

// Transition implements ClaimStrategy. The re-read must show the target
// status and, when the update sets or clears the owner, the expected owner.
func (s *FallbackClaimStrategy) Transition(
	ctx context.Context,
	ts TaskStore,
	id uuid.UUID,
	cond Condition,
	update Update,
) (*Record, error) {
	target := update.Status
	if target == "" {
		target = cond.Status
	}
	log := logger.FromContextOrDefault(ctx, s.logger)
	log.Warn("updating task status without atomic conditional update",
		"task_id", id,
		"from_status", cond.Status,
		"to_status", target,
		"consistency_mode", "degraded")

	current, err := ts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read task for fallback update: %w", err)
	}
	if !cond.Matches(current) {
		return nil, ErrStatusMismatch
	}
	if err := ValidateTransition(current.Status, update); err != nil {
		return nil, err
	}

	if _, err := ts.UpdateTask(ctx, id, update); err != nil {
		return nil, fmt.Errorf("failed to write fallback update: %w", err)
	}

	verified, err := ts.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to verify fallback update: %w", err)
	}
	wantOwner, checkOwner := expectedOwner(update)
	if verified.Status != target || (checkOwner && verified.Owner != wantOwner) {
		log.Warn("fallback update lost to another writer",
			"task_id", id,
			"to_status", target,
			"status", verified.Status,
			"owner", verified.Owner,
			"consistency_mode", "degraded")
		return nil, ErrStatusMismatch
	}
	return verified, nil
}

func expectedOwner(u Update) (string, bool) {
	switch {
	case u.Owner != nil:
		return *u.Owner, true
	case u.ClearOwner:
		return "", true
	}
	return "", false
}

// AutoClaimStrategy writes atomically until the store reports
// ErrAtomicUnsupported, then switches permanently to the fallback strategy.
type AutoClaimStrategy struct {
	logger   *slog.Logger
	fallback *FallbackClaimStrategy
	degraded atomic.Bool
}

// NewAutoClaimStrategy returns an AutoClaimStrategy logging to log.
func NewAutoClaimStrategy(log *slog.Logger) *AutoClaimStrategy {
	if log == nil {
		log = slog.Default()
	}
	return &AutoClaimStrategy{logger: log, fallback: NewFallbackClaimStrategy(log)}
}

// Name implements ClaimStrategy.
func (s *AutoClaimStrategy) Name() string {
	if s.degraded.Load() {
		return ClaimAuto + "(" + ClaimFallback + ")"
	}
	return ClaimAuto + "(" + ClaimAtomic + ")"
}

// Claim implements ClaimStrategy.
func (s *AutoClaimStrategy) Claim(
	ctx context.Context,
	ts TaskStore,
	id uuid.UUID,
	owner string,
	now time.Time,
) (*Record, error) {
	return s.Transition(ctx, ts, id, claimCondition(now), claimUpdate(owner, now))
}

// Transition implements ClaimStrategy.
func (s *AutoClaimStrategy) Transition(
	ctx context.Context,
	ts TaskStore,
	id uuid.UUID,
	cond Condition,
	update Update,
) (*Record, error) {
	if !s.degraded.Load() {
		rec, err := ts.CompareAndSwapStatus(ctx, id, cond, update)
		if !errors.Is(err, ErrAtomicUnsupported) {
			return rec, err
		}
		if s.degraded.CompareAndSwap(false, true) {
			logger.FromContextOrDefault(ctx, s.logger).Error(
				"task store does not support atomic claims, switching to fallback strategy",
				"consistency_mode", "degraded")
		}
	}
	return s.fallback.Transition(ctx, ts, id, cond, update)
}
