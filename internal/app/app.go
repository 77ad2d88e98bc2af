package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/phrazzld/taskcore/internal/config"
	"github.com/phrazzld/taskcore/internal/lock"
	"github.com/phrazzld/taskcore/internal/platform/postgres"
	"github.com/phrazzld/taskcore/internal/platform/redis"
	"github.com/phrazzld/taskcore/internal/task"
)

// Lock backends accepted by TaskConfig.LockBackend.
const (
	LockBackendAuto     = "auto"
	LockBackendRedis    = "redis"
	LockBackendPostgres = "postgres"
)

// ErrRedisRequired is returned when the redis lock backend is selected
// without a Redis URL.
var ErrRedisRequired = errors.New("redis lock backend requires redis.url")

// App holds the shared process dependencies.
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Redis     *goredis.Client
	Store     *postgres.TaskStore
	FastPath  task.FastPath
	Locker    lock.Locker
	Scheduler *task.Scheduler
}

// Open connects to PostgreSQL and, when configured, Redis, then builds the
// scheduler. The caller must Close the returned App.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	log.Info("database connection established",
		slog.Int("max_open_conns", cfg.Database.MaxOpenConns))

	var rdb *goredis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		log.Info("redis fast path enabled", slog.String("key_prefix", cfg.Redis.KeyPrefix))
	} else {
		log.Info("redis not configured, dequeue will poll the database")
	}

	a, err := Build(cfg, db, rdb, log)
	if err != nil {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// Build assembles the scheduler over already opened connections. rdb may be
// nil, which disables the fast path.
func Build(cfg *config.Config, db *sql.DB, rdb *goredis.Client, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{
		Config: cfg,
		Logger: log,
		DB:     db,
		Redis:  rdb,
		Store:  postgres.NewTaskStore(db, log),
	}

	locker, err := newLocker(cfg, db, rdb, log)
	if err != nil {
		return nil, err
	}
	a.Locker = locker

	claim, err := task.NewClaimStrategy(cfg.Task.ClaimStrategy, log)
	if err != nil {
		return nil, err
	}

	opts := []task.SchedulerOption{
		task.WithClaimStrategy(claim),
		task.WithLocker(locker),
	}
	if rdb != nil {
		a.FastPath = redis.NewFastPath(rdb, cfg.Redis.KeyPrefix)
		opts = append(opts, task.WithFastPath(a.FastPath, locker))
	}

	a.Scheduler = task.NewScheduler(a.Store, SchedulerConfig(cfg.Task), log, opts...)
	log.Info("scheduler configured",
		slog.String("claim_strategy", claim.Name()),
		slog.String("lock_backend", lockBackendName(cfg.Task.LockBackend, rdb != nil)),
		slog.Bool("fast_path", a.FastPath != nil),
		slog.Int("max_retries", a.Scheduler.Policy().MaxRetries()))
	return a, nil
}

// SchedulerConfig converts the task settings into scheduler tunables.
func SchedulerConfig(tc config.TaskConfig) task.SchedulerConfig {
	return task.SchedulerConfig{
		DequeueBatchSize: tc.DequeueBatchSize,
		LockTTL:          tc.LockTTL,
		Retry: task.RetryConfig{
			MaxRetries:           tc.MaxRetries,
			BaseDelay:            tc.RetryBaseDelay,
			MaxDelay:             tc.RetryMaxDelay,
			JitterMin:            tc.JitterMin,
			JitterMax:            tc.JitterMax,
			NonRetryablePatterns: tc.NonRetryablePatterns,
		},
	}
}

// RunnerConfig converts the worker settings into runner settings.
func RunnerConfig(wc config.WorkerConfig) task.RunnerConfig {
	rc := task.RunnerConfig{
		WorkerID:            wc.ID,
		Concurrency:         wc.Concurrency,
		PollInterval:        wc.PollInterval,
		MaintenanceInterval: wc.MaintenanceInterval,
		StaleClaimAfter:     wc.StaleClaimAfter,
		ShutdownTimeout:     wc.ShutdownTimeout,
	}
	if rc.WorkerID == "" {
		rc.WorkerID = task.DefaultWorkerID()
	}
	return rc
}

func lockBackendName(backend string, haveRedis bool) string {
	if backend == LockBackendAuto || backend == "" {
		if haveRedis {
			return LockBackendRedis
		}
		return LockBackendPostgres
	}
	return backend
}

func newLocker(cfg *config.Config, db *sql.DB, rdb *goredis.Client, log *slog.Logger) (lock.Locker, error) {
	switch backend := lockBackendName(cfg.Task.LockBackend, rdb != nil); backend {
	case LockBackendRedis:
		if rdb == nil {
			return nil, ErrRedisRequired
		}
		return redis.NewLocker(rdb, cfg.Redis.KeyPrefix), nil
	case LockBackendPostgres:
		// The key prefix also namespaces advisory lock keys.
		return postgres.NewAdvisoryLocker(db, cfg.Redis.KeyPrefix, log), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", backend)
	}
}

// Close releases the Redis client and the database pool.
func (a *App) Close() error {
	var errs []error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}
	return errors.Join(errs...)
}
