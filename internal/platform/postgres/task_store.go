package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/store"
	"github.com/phrazzld/taskcore/internal/task"
)

const taskColumns = `id, task_type, status, priority, retry_count, owner, next_attempt_after,
	last_error, metadata, created_at, updated_at, started_at, completed_at`

// TaskStore implements task.TaskStore on PostgreSQL.
type TaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var (
	_ task.TaskStore  = (*TaskStore)(nil)
	_ task.Transactor = (*TaskStore)(nil)
)

// NewTaskStore creates a TaskStore over db. A nil logger falls back to
// slog.Default().
func NewTaskStore(db store.DBTX, log *slog.Logger) *TaskStore {
	if log == nil {
		log = slog.Default()
	}
	return &TaskStore{db: db, logger: log.With(slog.String("component", "task_store"))}
}

// WithTx returns a TaskStore that runs its statements inside tx.
func (s *TaskStore) WithTx(tx *sql.Tx) *TaskStore {
	return &TaskStore{db: tx, logger: s.logger}
}

// InTx implements task.Transactor. When the store is already bound to a
// transaction, or its handle cannot begin one, fn runs on s directly.
func (s *TaskStore) InTx(ctx context.Context, fn func(ctx context.Context, ts task.TaskStore) error) error {
	beginner, ok := s.db.(store.TxBeginner)
	if !ok {
		return fn(ctx, s)
	}
	return store.RunInTransaction(ctx, beginner, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, s.WithTx(tx))
	})
}

func (s *TaskStore) log(ctx context.Context) *slog.Logger {
	return logger.FromContextOrDefault(ctx, s.logger)
}

// Create implements task.TaskStore.
func (s *TaskStore) Create(ctx context.Context, rec *task.Record) error {
	if rec.Status != task.StatusQueued {
		return fmt.Errorf("%w: new task must be queued", store.ErrInvalidEntity)
	}

	metadata := rec.Metadata
	if metadata == nil {
		metadata = task.Metadata{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata: %w", store.ErrInvalidEntity, err)
	}
	lastErr, err := marshalTaskError(rec.LastError)
	if err != nil {
		return err
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = rec.CreatedAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID,
		rec.TaskType,
		string(rec.Status),
		rec.Priority,
		rec.RetryCount,
		nullString(rec.Owner),
		nullTime(rec.NextAttemptAfter),
		lastErr,
		string(metaJSON),
		rec.CreatedAt.UTC(),
		updatedAt.UTC(),
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
	)
	if err != nil {
		level := slog.LevelError
		if IsUniqueViolation(err) {
			level = slog.LevelWarn
		}
		s.log(ctx).Log(ctx, level, "failed to create task",
			slog.String("task_id", rec.ID.String()),
			slog.String("error", err.Error()))
		return store.NewStoreError("task", "create", "insert failed", MapError(err))
	}

	s.log(ctx).Debug("task created",
		slog.String("task_id", rec.ID.String()),
		slog.String("task_type", rec.TaskType))
	return nil
}

// Get implements task.TaskStore.
func (s *TaskStore) Get(ctx context.Context, id uuid.UUID) (*task.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	if err != nil {
		s.log(ctx).Error("failed to get task",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return rec, nil
}

// List implements task.TaskStore.
func (s *TaskStore) List(ctx context.Context, filter task.Filter) ([]*task.Record, error) {
	var q queryBuilder

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = q.arg(string(st))
		}
		q.where("status IN (" + strings.Join(placeholders, ", ") + ")")
	}
	if filter.TaskType != "" {
		q.where("task_type = " + q.arg(filter.TaskType))
	}
	if filter.EligibleAt != nil {
		q.where("status = 'queued'")
		q.where("(next_attempt_after IS NULL OR next_attempt_after <= " + q.arg(filter.EligibleAt.UTC()) + ")")
	}
	if filter.MinRetryCount > 0 {
		q.where("retry_count >= " + q.arg(filter.MinRetryCount))
	}
	if filter.StartedBefore != nil {
		q.where("started_at < " + q.arg(filter.StartedBefore.UTC()))
	}
	for _, key := range slices.Sorted(maps.Keys(filter.Metadata)) {
		q.where("metadata->>" + q.arg(key) + " = " + q.arg(filter.Metadata[key]))
	}

	var sb strings.Builder
	sb.WriteString("SELECT " + taskColumns + " FROM tasks")
	sb.WriteString(q.whereClause())
	sb.WriteString(" ORDER BY " + orderClause(filter.Order))
	if filter.Limit > 0 {
		sb.WriteString(" LIMIT " + q.arg(filter.Limit))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), q.args...)
	if err != nil {
		s.log(ctx).Error("failed to list tasks", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.log(ctx).Warn("failed to close rows", slog.String("error", cerr.Error()))
		}
	}()

	var out []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, MapError(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return out, nil
}

// CompareAndSwapStatus implements task.TaskStore with a single conditional
// UPDATE ... RETURNING. No returned row means the condition did not hold.
func (s *TaskStore) CompareAndSwapStatus(
	ctx context.Context,
	id uuid.UUID,
	cond task.Condition,
	update task.Update,
) (*task.Record, error) {
	if err := task.ValidateTransition(cond.Status, update); err != nil {
		return nil, err
	}

	var q queryBuilder
	set, err := q.setClause(update)
	if err != nil {
		return nil, err
	}

	q.where("id = " + q.arg(id))
	q.where("status = " + q.arg(string(cond.Status)))
	if cond.Owner != "" {
		q.where("owner = " + q.arg(cond.Owner))
	}
	if cond.EligibleAt != nil {
		q.where("(next_attempt_after IS NULL OR next_attempt_after <= " + q.arg(cond.EligibleAt.UTC()) + ")")
	}
	if cond.StartedBefore != nil {
		q.where("started_at < " + q.arg(cond.StartedBefore.UTC()))
	}

	query := "UPDATE tasks SET " + set + q.whereClause() + " RETURNING " + taskColumns
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, q.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, task.ErrStatusMismatch
	}
	if err != nil {
		s.log(ctx).Error("conditional task update failed",
			slog.String("task_id", id.String()),
			slog.String("expected_status", string(cond.Status)),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return rec, nil
}

// UpdateTask implements task.TaskStore.
func (s *TaskStore) UpdateTask(ctx context.Context, id uuid.UUID, update task.Update) (*task.Record, error) {
	var q queryBuilder
	set, err := q.setClause(update)
	if err != nil {
		return nil, err
	}
	q.where("id = " + q.arg(id))

	query := "UPDATE tasks SET " + set + q.whereClause() + " RETURNING " + taskColumns
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, q.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	if err != nil {
		s.log(ctx).Error("task update failed",
			slog.String("task_id", id.String()),
			slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	return rec, nil
}

// Ping implements task.TaskStore.
func (s *TaskStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// queryBuilder accumulates positional arguments and WHERE predicates.
type queryBuilder struct {
	args  []any
	conds []string
}

func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) where(cond string) {
	b.conds = append(b.conds, cond)
}

func (b *queryBuilder) whereClause() string {
	if len(b.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conds, " AND ")
}

// setClause renders update as the SET list of an UPDATE statement.
// updated_at is always refreshed.
func (b *queryBuilder) setClause(u task.Update) (string, error) {
	var sets []string

	if u.Status != "" {
		sets = append(sets, "status = "+b.arg(string(u.Status)))
	}
	if u.ClearOwner {
		sets = append(sets, "owner = NULL")
	} else if u.Owner != nil {
		sets = append(sets, "owner = "+b.arg(*u.Owner))
	}
	if u.RetryCount != nil {
		sets = append(sets, "retry_count = "+b.arg(*u.RetryCount))
	}
	sets = b.appendTime(sets, "started_at", u.StartedAt, u.ClearStartedAt)
	sets = b.appendTime(sets, "completed_at", u.CompletedAt, u.ClearCompletedAt)
	sets = b.appendTime(sets, "next_attempt_after", u.NextAttemptAfter, u.ClearNextAttemptAfter)

	if u.ClearLastError {
		sets = append(sets, "last_error = NULL")
	} else if u.LastError != nil {
		data, err := marshalTaskError(u.LastError)
		if err != nil {
			return "", err
		}
		sets = append(sets, "last_error = "+b.arg(data)+"::jsonb")
	}

	if len(u.MergeMetadata) > 0 || u.AppendHistory != nil {
		expr := "metadata"
		if len(u.MergeMetadata) > 0 {
			data, err := json.Marshal(u.MergeMetadata)
			if err != nil {
				return "", fmt.Errorf("%w: metadata: %w", store.ErrInvalidEntity, err)
			}
			expr = "(" + expr + " || " + b.arg(string(data)) + "::jsonb)"
		}
		if h := u.AppendHistory; h != nil {
			data, err := json.Marshal(h.Entry)
			if err != nil {
				return "", fmt.Errorf("%w: %s entry: %w", store.ErrInvalidEntity, h.Key, err)
			}
			key := b.arg(h.Key)
			expr = fmt.Sprintf(
				"jsonb_set(%[1]s, ARRAY[%[2]s]::text[], COALESCE(%[1]s -> %[2]s::text, '[]'::jsonb) || jsonb_build_array(%[3]s::jsonb))",
				expr, key, b.arg(string(data)),
			)
		}
		sets = append(sets, "metadata = "+expr)
	}

	sets = append(sets, "updated_at = NOW()")
	return strings.Join(sets, ", "), nil
}

func (b *queryBuilder) appendTime(sets []string, column string, v *time.Time, clear bool) []string {
	if clear {
		return append(sets, column+" = NULL")
	}
	if v != nil {
		return append(sets, column+" = "+b.arg(v.UTC()))
	}
	return sets
}

func orderClause(o task.Order) string {
	switch o {
	case task.OrderNextAttempt:
		return "next_attempt_after ASC NULLS FIRST, created_at ASC, id ASC"
	case task.OrderUpdatedDesc:
		return "updated_at DESC, created_at ASC, id ASC"
	case task.OrderCreatedDesc:
		return "created_at DESC, id ASC"
	default:
		return "priority DESC, created_at ASC, id ASC"
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*task.Record, error) {
	var (
		rec         task.Record
		status      string
		owner       sql.NullString
		nextAttempt sql.NullTime
		lastErr     []byte
		metadata    []byte
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&rec.ID,
		&rec.TaskType,
		&status,
		&rec.Priority,
		&rec.RetryCount,
		&owner,
		&nextAttempt,
		&lastErr,
		&metadata,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	rec.Status = task.Status(status)
	rec.Owner = owner.String
	rec.NextAttemptAfter = timePtr(nextAttempt)
	rec.StartedAt = timePtr(startedAt)
	rec.CompletedAt = timePtr(completedAt)

	if len(lastErr) > 0 && string(lastErr) != "null" {
		var te task.TaskError
		if err := json.Unmarshal(lastErr, &te); err != nil {
			return nil, fmt.Errorf("failed to decode last_error: %w", err)
		}
		rec.LastError = &te
	}
	rec.Metadata = task.Metadata{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	return &rec, nil
}

func marshalTaskError(te *task.TaskError) (any, error) {
	if te == nil {
		return nil, nil
	}
	data, err := json.Marshal(te)
	if err != nil {
		return nil, fmt.Errorf("%w: last_error: %w", store.ErrInvalidEntity, err)
	}
	return string(data), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
