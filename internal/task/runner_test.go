package task_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/task"
)

func newRunner(t *testing.T, f *fixture) *task.Runner {
	t.Helper()
	log, _ := logger.GetTestLogger(t)
	return task.NewRunner(f.scheduler, task.RunnerConfig{
		WorkerID:        "test-worker",
		Concurrency:     1,
		PollInterval:    10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, log)
}

func TestRunner_ProcessNextSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	r := newRunner(t, f)

	var seenCorrelation string
	r.Register(task.TypeIngest, task.HandlerFunc(func(ctx context.Context, rec *task.Record) (task.Metadata, error) {
		seenCorrelation = logger.CorrelationID(ctx)
		return task.Metadata{"chunks": 3}, nil
	}))

	rec, err := f.scheduler.CreateTask(ctx, task.TypeIngest, 0, task.Metadata{"correlation_id": "req-123"})
	require.NoError(t, err)

	final, err := r.ProcessNext(ctx, ctx, r.Owner(0))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, final.ID)
	assert.Equal(t, task.StatusComplete, final.Status)
	assert.Equal(t, "req-123", seenCorrelation)

	_, err = r.ProcessNext(ctx, ctx, r.Owner(0))
	assert.ErrorIs(t, err, task.ErrNoTaskAvailable)
}

func TestRunner_UnknownTaskTypeIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	r := newRunner(t, f)

	_, err := f.scheduler.CreateTask(ctx, "transcode", 0, nil)
	require.NoError(t, err)

	final, err := r.ProcessNext(ctx, ctx, r.Owner(0))
	require.NoError(t, err)
	assert.Equal(t, task.StatusDeadLetter, final.Status)
	require.NotNil(t, final.LastError)
	assert.Equal(t, task.CodeUnsupportedTaskType, final.LastError.Code)
}

func TestRunner_PanicIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	r := newRunner(t, f)

	r.Register(task.TypeIngest, task.HandlerFunc(func(ctx context.Context, rec *task.Record) (task.Metadata, error) {
		panic("nil map write")
	}))

	_, err := f.scheduler.CreateTask(ctx, task.TypeIngest, 0, nil)
	require.NoError(t, err)

	final, err := r.ProcessNext(ctx, ctx, r.Owner(0))
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, final.Status)
	assert.Equal(t, 1, final.RetryCount)
	require.NotNil(t, final.LastError)
	assert.Equal(t, task.CodePanic, final.LastError.Code)
}

func TestRunner_NeedsAttention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	r := newRunner(t, f)

	r.Register(task.TypeIngest, task.HandlerFunc(func(ctx context.Context, rec *task.Record) (task.Metadata, error) {
		return nil, fmt.Errorf("scanned PDF: %w", task.ErrNeedsAttention)
	}))

	_, err := f.scheduler.CreateTask(ctx, task.TypeIngest, 0, nil)
	require.NoError(t, err)

	final, err := r.ProcessNext(ctx, ctx, r.Owner(0))
	require.NoError(t, err)
	assert.Equal(t, task.StatusNeedsAttention, final.Status)
}

func TestRunner_RunProcessesUntilCancelled(t *testing.T) {
	f := newFixture(t, fixtureOpts{fastPath: true})
	log, _ := logger.GetTestLogger(t)
	r := task.NewRunner(f.scheduler, task.RunnerConfig{
		WorkerID:            "test-worker",
		Concurrency:         4,
		PollInterval:        5 * time.Millisecond,
		MaintenanceInterval: time.Second,
		ShutdownTimeout:     time.Second,
	}, log)

	var handled atomic.Int32
	r.Register(task.TypeIngest, task.HandlerFunc(func(ctx context.Context, rec *task.Record) (task.Metadata, error) {
		handled.Add(1)
		if rec.Priority == 7 {
			return nil, task.NewTaskError(task.CodeInvalidInput, "unparseable")
		}
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const total = 20
	for i := 0; i < total; i++ {
		priority := 0
		if i == 0 {
			priority = 7
		}
		_, err := f.scheduler.CreateTask(ctx, task.TypeIngest, priority, nil)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		complete, err := f.scheduler.List(context.Background(), task.Filter{
			Statuses: []task.Status{task.StatusComplete},
		})
		return err == nil && len(complete) == total-1
	}, 5*time.Second, 10*time.Millisecond)

	dlq, err := f.scheduler.ListDeadLetter(context.Background(), task.DeadLetterFilter{})
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
	assert.Equal(t, int32(total), handled.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_HandlerSeesShutdownAfterTimeout(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	log, _ := logger.GetTestLogger(t)
	r := task.NewRunner(f.scheduler, task.RunnerConfig{
		WorkerID:        "test-worker",
		Concurrency:     1,
		PollInterval:    5 * time.Millisecond,
		ShutdownTimeout: 50 * time.Millisecond,
	}, log)

	started := make(chan struct{})
	r.Register(task.TypeIngest, task.HandlerFunc(func(ctx context.Context, rec *task.Record) (task.Metadata, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	rec, err := f.scheduler.CreateTask(context.Background(), task.TypeIngest, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	<-started
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after shutdown timeout")
	}

	got, err := f.scheduler.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, got.Status, "interrupted task is retried")
	require.NotNil(t, got.LastError)
	assert.Equal(t, task.CodeTaskFailed, got.LastError.Code)
	assert.Contains(t, got.LastError.Message, context.Canceled.Error())
}
