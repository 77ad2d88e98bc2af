package postgres_test

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/platform/postgres"
	"github.com/phrazzld/taskcore/internal/store"
	"github.com/phrazzld/taskcore/internal/task"
)

var recordColumns = []string{
	"id", "task_type", "status", "priority", "retry_count", "owner", "next_attempt_after",
	"last_error", "metadata", "created_at", "updated_at", "started_at", "completed_at",
}

func newMockStore(t *testing.T) (*postgres.TaskStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, _ := logger.GetTestLogger(t)
	return postgres.NewTaskStore(db, log), mock
}

type rowSpec struct {
	id        uuid.UUID
	status    task.Status
	owner     any
	lastError any
	metadata  string
	started   any
	completed any
	retries   int64
}

func recordRows(created time.Time, specs ...rowSpec) *sqlmock.Rows {
	rows := sqlmock.NewRows(recordColumns)
	for _, s := range specs {
		meta := s.metadata
		if meta == "" {
			meta = "{}"
		}
		rows.AddRow(
			s.id.String(), task.TypeIngest, string(s.status), int64(5), s.retries, s.owner, nil,
			s.lastError, []byte(meta), created, created, s.started, s.completed,
		)
	}
	return rows
}

func TestTaskStore_Create(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := &task.Record{
		ID:        uuid.New(),
		TaskType:  task.TypeIngest,
		Status:    task.StatusQueued,
		Priority:  5,
		Metadata:  task.Metadata{"source": "upload"},
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(rec.ID, task.TypeIngest, "queued", 5, 0,
			nil, nil, nil, `{"source":"upload"}`, now, now, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ts.Create(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CreateRejectsNonQueued(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)

	err := ts.Create(context.Background(), &task.Record{
		ID:       uuid.New(),
		TaskType: task.TypeIngest,
		Status:   task.StatusProcessing,
	})
	assert.ErrorIs(t, err, store.ErrInvalidEntity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CreateDuplicate(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO tasks").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "tasks_pkey"})

	err := ts.Create(context.Background(), &task.Record{
		ID:        uuid.New(),
		TaskType:  task.TypeIngest,
		Status:    task.StatusQueued,
		CreatedAt: time.Now(),
	})
	assert.True(t, store.IsDuplicateError(err))
	var storeErr *store.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "create", storeErr.Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_Get(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	id := uuid.New()
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM tasks WHERE id = $1")).
		WithArgs(id).
		WillReturnRows(recordRows(created, rowSpec{
			id:        id,
			status:    task.StatusDeadLetter,
			lastError: []byte(`{"code":"INVALID_INPUT","message":"bad","classification":"permanent"}`),
			metadata:  `{"retry_history":[{"attempt":1}]}`,
			completed: created.Add(time.Minute),
			retries:   1,
		}))

	rec, err := ts.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, task.StatusDeadLetter, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	assert.Empty(t, rec.Owner)
	assert.Nil(t, rec.StartedAt)
	require.NotNil(t, rec.CompletedAt)
	require.NotNil(t, rec.LastError)
	assert.Equal(t, task.CodeInvalidInput, rec.LastError.Code)
	assert.Equal(t, task.Permanent, rec.LastError.Classification)
	assert.Len(t, rec.Metadata.History(task.MetaRetryHistory), 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_GetNotFound(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("FROM tasks WHERE id").WithArgs(id).WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := ts.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, store.IsNotFoundError(err))
}

func TestTaskStore_List(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	created := time.Now().UTC()
	now := created.Add(time.Second)

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM tasks WHERE status IN ($1) AND task_type = $2 AND status = 'queued' AND " +
			"(next_attempt_after IS NULL OR next_attempt_after <= $3) " +
			"ORDER BY priority DESC, created_at ASC, id ASC LIMIT $4")).
		WithArgs("queued", task.TypeIngest, now, 10).
		WillReturnRows(recordRows(created,
			rowSpec{id: uuid.New(), status: task.StatusQueued},
			rowSpec{id: uuid.New(), status: task.StatusQueued},
		))

	recs, err := ts.List(context.Background(), task.Filter{
		Statuses:   []task.Status{task.StatusQueued},
		TaskType:   task.TypeIngest,
		EligibleAt: &now,
		Limit:      10,
	})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_ListOrders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		order task.Order
		want  string
	}{
		{task.OrderPriority, "ORDER BY priority DESC, created_at ASC, id ASC"},
		{task.OrderNextAttempt, "ORDER BY next_attempt_after ASC NULLS FIRST, created_at ASC, id ASC"},
		{task.OrderUpdatedDesc, "ORDER BY updated_at DESC, created_at ASC, id ASC"},
		{task.OrderCreatedDesc, "ORDER BY created_at DESC, id ASC"},
	}
	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			t.Parallel()
			ts, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta(tc.want)).WillReturnRows(sqlmock.NewRows(recordColumns))

			recs, err := ts.List(context.Background(), task.Filter{Order: tc.order})
			require.NoError(t, err)
			assert.Empty(t, recs)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestTaskStore_CompareAndSwapStatus_Claims(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	id := uuid.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	owner := "worker-1"

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE tasks SET status = $1, owner = $2, started_at = $3, updated_at = NOW() " +
			"WHERE id = $4 AND status = $5 AND (next_attempt_after IS NULL OR next_attempt_after <= $6) RETURNING")).
		WithArgs("processing", owner, now, id, "queued", now).
		WillReturnRows(recordRows(now, rowSpec{id: id, status: task.StatusProcessing, owner: owner, started: now}))

	rec, err := ts.CompareAndSwapStatus(context.Background(), id,
		task.Condition{Status: task.StatusQueued, EligibleAt: &now},
		task.Update{Status: task.StatusProcessing, Owner: &owner, StartedAt: &now},
	)
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, rec.Status)
	assert.Equal(t, owner, rec.Owner)
	require.NotNil(t, rec.StartedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CompareAndSwapStatus_Mismatch(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("UPDATE tasks SET").WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := ts.CompareAndSwapStatus(context.Background(), id,
		task.Condition{Status: task.StatusProcessing, Owner: "worker-1"},
		task.Update{Status: task.StatusComplete},
	)
	assert.ErrorIs(t, err, task.ErrStatusMismatch)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CompareAndSwapStatus_AppendsHistory(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE tasks SET status = $1, owner = NULL, retry_count = $2, last_error = NULL, " +
			"metadata = jsonb_set(metadata, ARRAY[$3]::text[], COALESCE(metadata -> $3::text, '[]'::jsonb) " +
			"|| jsonb_build_array($4::jsonb)), updated_at = NOW() WHERE id = $5 AND status = $6 AND owner = $7 RETURNING")).
		WithArgs("queued", 0, task.MetaReplayHistory, `{"replayed_by":"ops"}`, id, "processing", "worker-9").
		WillReturnRows(recordRows(now, rowSpec{
			id:       id,
			status:   task.StatusQueued,
			metadata: `{"replay_history":[{"replayed_by":"ops"}]}`,
		}))

	zero := 0
	rec, err := ts.CompareAndSwapStatus(context.Background(), id,
		task.Condition{Status: task.StatusProcessing, Owner: "worker-9"},
		task.Update{
			Status:         task.StatusQueued,
			ClearOwner:     true,
			RetryCount:     &zero,
			ClearLastError: true,
			AppendHistory: &task.HistoryEntry{
				Key:   task.MetaReplayHistory,
				Entry: map[string]any{"replayed_by": "ops"},
			},
		},
	)
	require.NoError(t, err)
	history := rec.Metadata.History(task.MetaReplayHistory)
	require.Len(t, history, 1)
	assert.Equal(t, "ops", history[0]["replayed_by"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CompareAndSwapStatus_MergesMetadataAndError(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(
		"UPDATE tasks SET status = $1, completed_at = $2, last_error = $3::jsonb, " +
			"metadata = (metadata || $4::jsonb), updated_at = NOW()")).
		WithArgs("failed", now, jsonArg{"code": "TIMEOUT"}, `{"step":"fetch"}`, id, "processing", "w").
		WillReturnRows(recordRows(now, rowSpec{id: id, status: task.StatusFailed, completed: now}))

	_, err := ts.CompareAndSwapStatus(context.Background(), id,
		task.Condition{Status: task.StatusProcessing, Owner: "w"},
		task.Update{
			Status:        task.StatusFailed,
			CompletedAt:   &now,
			LastError:     task.NewTaskError(task.CodeTimeout, "deadline exceeded"),
			MergeMetadata: task.Metadata{"step": "fetch"},
		},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_UpdateTaskNotFound(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE tasks SET status = $1, updated_at = NOW() WHERE id = $2 RETURNING")).
		WithArgs("processing", id).
		WillReturnRows(sqlmock.NewRows(recordColumns))

	_, err := ts.UpdateTask(context.Background(), id, task.Update{Status: task.StatusProcessing})
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_CASRejectsInvalidTransition(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)

	_, err := ts.CompareAndSwapStatus(context.Background(), uuid.New(),
		task.Condition{Status: task.StatusComplete},
		task.Update{Status: task.StatusQueued})
	assert.ErrorIs(t, err, task.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_Ping(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)

	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	assert.NoError(t, ts.Ping(context.Background()))

	mock.ExpectQuery("SELECT 1").WillReturnError(assert.AnError)
	assert.Error(t, ts.Ping(context.Background()))
}

func TestMapError(t *testing.T) {
	t.Parallel()

	assert.NoError(t, postgres.MapError(nil))
	assert.ErrorIs(t, postgres.MapError(&pgconn.PgError{Code: "23505"}), store.ErrDuplicate)
	assert.ErrorIs(t, postgres.MapError(&pgconn.PgError{Code: "23514"}), store.ErrInvalidEntity)
	assert.ErrorIs(t, postgres.MapError(&pgconn.PgError{Code: "23502"}), store.ErrInvalidEntity)
	assert.Equal(t, assert.AnError, postgres.MapError(assert.AnError))
	assert.True(t, postgres.IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.False(t, postgres.IsUniqueViolation(&pgconn.PgError{Code: "23514"}))
}

// jsonArg matches a JSON string argument that contains the given top-level
// string fields.
type jsonArg map[string]string

func (j jsonArg) Match(v driver.Value) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	for k, want := range j {
		if !regexp.MustCompile(`"` + k + `":"` + regexp.QuoteMeta(want) + `"`).MatchString(s) {
			return false
		}
	}
	return true
}

func TestTaskStore_ListMetadataFilter(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	created := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(
		"FROM tasks WHERE status IN ($1) AND metadata->>$2 = $3 AND metadata->>$4 = $5 " +
			"ORDER BY updated_at DESC, created_at ASC, id ASC LIMIT $6")).
		WithArgs("dead_letter", "source_id", "src-1", "twin_id", "twin-a", 50).
		WillReturnRows(recordRows(created,
			rowSpec{id: uuid.New(), status: task.StatusDeadLetter, metadata: `{"twin_id":"twin-a","source_id":"src-1"}`},
		))

	recs, err := ts.List(context.Background(), task.Filter{
		Statuses: []task.Status{task.StatusDeadLetter},
		Metadata: map[string]string{"twin_id": "twin-a", "source_id": "src-1"},
		Order:    task.OrderUpdatedDesc,
		Limit:    50,
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "twin-a", recs[0].Metadata["twin_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTaskStore_InTxBindsStatementsToTransaction(t *testing.T) {
	t.Parallel()
	ts, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM tasks WHERE id = \\$1").
		WithArgs(id).
		WillReturnRows(recordRows(now, rowSpec{id: id, status: task.StatusQueued}))
	mock.ExpectCommit()

	err := ts.InTx(context.Background(), func(ctx context.Context, tx task.TaskStore) error {
		_, err := tx.Get(ctx, id)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
