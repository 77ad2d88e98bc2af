package postgres_test

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskcore/internal/lock"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/platform/postgres"
)

const (
	tryLockSQL = "SELECT pg_try_advisory_lock($1)"
	unlockSQL  = "SELECT pg_advisory_unlock($1)"
)

func newMockLocker(t *testing.T) (*postgres.AdvisoryLocker, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	log, _ := logger.GetTestLogger(t)
	return postgres.NewAdvisoryLocker(db, "taskcore", log), mock
}

func TestAdvisoryKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, postgres.AdvisoryKey("a", "dequeue"), postgres.AdvisoryKey("a", "dequeue"))
	assert.NotEqual(t, postgres.AdvisoryKey("a", "dequeue"), postgres.AdvisoryKey("a", "maintenance"))
	assert.NotEqual(t, postgres.AdvisoryKey("a", "dequeue"), postgres.AdvisoryKey("b", "dequeue"))
}

func TestAdvisoryLocker_AcquireRelease(t *testing.T) {
	t.Parallel()
	l, mock := newMockLocker(t)
	ctx := context.Background()
	key := postgres.AdvisoryKey("taskcore", "dequeue")

	mock.ExpectQuery(regexp.QuoteMeta(tryLockSQL)).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta(unlockSQL)).WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := l.Acquire(ctx, "dequeue", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = l.Acquire(ctx, "dequeue", time.Minute)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)

	assert.NoError(t, l.Release(ctx, "dequeue", "someone-else"))
	assert.NoError(t, l.Release(ctx, "dequeue", token))
	assert.NoError(t, l.Release(ctx, "dequeue", token))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_HeldByAnotherSession(t *testing.T) {
	t.Parallel()
	l, mock := newMockLocker(t)

	mock.ExpectQuery(regexp.QuoteMeta(tryLockSQL)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	_, err := l.Acquire(context.Background(), "maintenance", time.Minute)
	assert.ErrorIs(t, err, lock.ErrNotAcquired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_InvalidTTL(t *testing.T) {
	t.Parallel()
	l, mock := newMockLocker(t)

	_, err := l.Acquire(context.Background(), "dequeue", 0)
	assert.ErrorIs(t, err, lock.ErrInvalidTTL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_ExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	l, mock := newMockLocker(t)
	ctx := context.Background()
	key := postgres.AdvisoryKey("taskcore", "dequeue")

	mock.ExpectQuery(regexp.QuoteMeta(tryLockSQL)).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta(unlockSQL)).WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, err := l.Acquire(ctx, "dequeue", 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 5*time.Millisecond)

	// The expired hold is gone; releasing it issues no statement.
	assert.NoError(t, l.Release(ctx, "dequeue", token))
}

func TestAdvisoryLocker_WithLock(t *testing.T) {
	t.Parallel()
	l, mock := newMockLocker(t)
	key := postgres.AdvisoryKey("taskcore", "maintenance")

	mock.ExpectQuery(regexp.QuoteMeta(tryLockSQL)).WithArgs(key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta(unlockSQL)).WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ran := false
	err := lock.WithLock(context.Background(), l, "maintenance", time.Minute, func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.NoError(t, mock.ExpectationsWereMet())
}
