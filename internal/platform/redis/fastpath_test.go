package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskcore/internal/platform/redis"
	"github.com/phrazzld/taskcore/internal/task"
)

func newTestClient(t *testing.T) (*goredis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func hint(priority int, created time.Time) task.Hint {
	return task.Hint{ID: uuid.New(), Priority: priority, CreatedAt: created}
}

func ids(hints []task.Hint) []uuid.UUID {
	out := make([]uuid.UUID, len(hints))
	for i, h := range hints {
		out[i] = h.ID
	}
	return out
}

func TestFastPath_PopOrder(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	fp := redis.NewFastPath(client, "test")
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	low := hint(1, base)
	highOld := hint(5, base)
	highNew := hint(5, base.Add(time.Second))
	negative := hint(-2, base)
	mid := hint(3, base.Add(time.Hour))

	for _, h := range []task.Hint{low, highNew, negative, mid, highOld} {
		require.NoError(t, fp.Push(ctx, h))
	}

	n, err := fp.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := fp.PopCandidates(ctx, 3, base)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{highOld.ID, highNew.ID, mid.ID}, ids(got))
	assert.Equal(t, 5, got[0].Priority)
	assert.True(t, got[0].CreatedAt.Equal(base))

	got, err = fp.PopCandidates(ctx, 10, base)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{low.ID, negative.ID}, ids(got))
	assert.Equal(t, -2, got[1].Priority)

	got, err = fp.PopCandidates(ctx, 10, base)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFastPath_DelayedHints(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	fp := redis.NewFastPath(client, "test")
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	later := now.Add(time.Minute)
	delayed := hint(9, now)
	delayed.NotBefore = &later
	ready := hint(1, now)

	require.NoError(t, fp.Push(ctx, delayed))
	require.NoError(t, fp.Push(ctx, ready))

	got, err := fp.PopCandidates(ctx, 10, now)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{ready.ID}, ids(got))

	n, err := fp.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err = fp.PopCandidates(ctx, 10, later)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, delayed.ID, got[0].ID)
	assert.Equal(t, 9, got[0].Priority)
	assert.Nil(t, got[0].NotBefore)
}

func TestFastPath_PushReplacesAndRemove(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	fp := redis.NewFastPath(client, "test")
	ctx := context.Background()
	now := time.Now().UTC()

	h := hint(1, now)
	require.NoError(t, fp.Push(ctx, h))
	h.Priority = 7
	require.NoError(t, fp.Push(ctx, h))

	n, err := fp.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	other := hint(2, now)
	require.NoError(t, fp.Push(ctx, other))
	require.NoError(t, fp.Remove(ctx, other.ID))
	require.NoError(t, fp.Remove(ctx, uuid.New()))

	got, err := fp.PopCandidates(ctx, 10, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].Priority)
}

func TestFastPath_PrefixesAreIsolated(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	ctx := context.Background()

	a := redis.NewFastPath(client, "a")
	b := redis.NewFastPath(client, "b")
	require.NoError(t, a.Push(ctx, hint(1, time.Now())))

	n, err := b.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFastPath_UnavailableServer(t *testing.T) {
	t.Parallel()
	client, mr := newTestClient(t)
	fp := redis.NewFastPath(client, "test")
	mr.Close()

	_, err := fp.PopCandidates(context.Background(), 1, time.Now())
	assert.Error(t, err)
}

func TestFastPath_WithScheduler(t *testing.T) {
	t.Parallel()
	client, _ := newTestClient(t)
	ctx := context.Background()

	s := task.NewScheduler(task.NewMemoryStore(), task.DefaultSchedulerConfig(), nil,
		task.WithFastPath(redis.NewFastPath(client, "sched"), redis.NewLocker(client, "sched")))

	low, err := s.CreateTask(ctx, task.TypeIngest, 1, nil)
	require.NoError(t, err)
	high, err := s.CreateTask(ctx, task.TypeIngest, 8, nil)
	require.NoError(t, err)

	first, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)

	second, err := s.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)

	_, err = s.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, task.ErrNoTaskAvailable)
}
