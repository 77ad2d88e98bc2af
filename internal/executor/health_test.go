package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskcore/internal/config"
	"github.com/phrazzld/taskcore/internal/executor"
	"github.com/phrazzld/taskcore/internal/task"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestCheckHealth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fp := task.NewMemoryFastPath()
	require.NoError(t, fp.Push(ctx, task.Hint{}))

	report := executor.CheckHealth(ctx, task.NewMemoryStore(), fp)
	assert.True(t, report.Healthy())
	assert.Equal(t, "ok", report.FastPath)
	assert.Equal(t, int64(1), report.FastPathLen)

	report = executor.CheckHealth(ctx, task.NewMemoryStore(), nil)
	assert.True(t, report.Healthy())
	assert.Equal(t, "disabled", report.FastPath)

	report = executor.CheckHealth(ctx, failingPinger{}, nil)
	assert.False(t, report.Healthy())
	assert.Equal(t, "unavailable", report.Store)
}

func TestHealthCheckExecutor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	result, err := executor.NewHealthCheckExecutor(task.NewMemoryStore(), nil).Handle(ctx, &task.Record{})
	require.NoError(t, err)
	assert.Equal(t, "ok", result["store"])

	_, err = executor.NewHealthCheckExecutor(failingPinger{}, nil).Handle(ctx, &task.Record{})
	var te *task.TaskError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, executor.CodeHealthCheckFailed, te.Code)
}

type recordingRegistrar map[string]task.Handler

func (r recordingRegistrar) Register(taskType string, h task.Handler) { r[taskType] = h }

func TestRegisterAll(t *testing.T) {
	t.Parallel()
	s := task.NewScheduler(task.NewMemoryStore(), task.DefaultSchedulerConfig(), nil)

	reg := recordingRegistrar{}
	types := executor.RegisterAll(reg, executorConfig("http://ingest.local/run", ""), s, nil)
	assert.ElementsMatch(t, []string{task.TypeHealthCheck, task.TypeIngest}, types)
	assert.Contains(t, reg, task.TypeIngest)
	assert.NotContains(t, reg, task.TypeReindex)
}

func executorConfig(ingest, reindex string) config.ExecutorConfig {
	return config.ExecutorConfig{IngestURL: ingest, ReindexURL: reindex, Timeout: time.Second}
}
