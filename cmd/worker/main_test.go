package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskcore/internal/app"
	"github.com/phrazzld/taskcore/internal/config"
	"github.com/phrazzld/taskcore/internal/platform/logger"
)

// A cancelled context stops the worker cleanly even when the database is
// unusable: maintenance and polling failures are logged, not returned.
func TestRunWorker_StopsOnCancel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	log, _ := logger.GetTestLogger(t)
	cfg := &config.Config{
		Redis: config.RedisConfig{KeyPrefix: "worker-test"},
		Task:  config.TaskConfig{LockBackend: app.LockBackendAuto, ClaimStrategy: "atomic"},
		Worker: config.WorkerConfig{
			ID:              "worker-test",
			Concurrency:     1,
			PollInterval:    10 * time.Millisecond,
			ShutdownTimeout: time.Second,
		},
		Executor: config.ExecutorConfig{IngestURL: hook.URL, Timeout: time.Second},
	}
	a, err := app.Build(cfg, db, rdb, log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runWorker(ctx, a) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
