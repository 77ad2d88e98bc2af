package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/taskcore/internal/lock"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/redact"
)

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// WorkerID prefixes the owner recorded on claimed tasks. Each polling
	// goroutine appends its index.
	WorkerID string

	// Concurrency determines how many tasks are processed at once
	Concurrency int

	// PollInterval is how long a goroutine waits after finding no work
	PollInterval time.Duration

	// MaintenanceInterval defines how often maintenance sweeps run.
	// Zero disables them.
	MaintenanceInterval time.Duration

	// StaleClaimAfter enables reclaiming tasks stuck in processing for
	// longer than this. Zero disables reclaiming.
	StaleClaimAfter time.Duration

	// ShutdownTimeout bounds how long in-flight tasks may run after Run's
	// context is cancelled
	ShutdownTimeout time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerID:            DefaultWorkerID(),
		Concurrency:         2,
		PollInterval:        2 * time.Second,
		MaintenanceInterval: 30 * time.Second,
		ShutdownTimeout:     30 * time.Second,
	}
}

// DefaultWorkerID derives a worker id from the hostname and process id.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// reportTimeout bounds outcome reporting once the task body has returned.
const reportTimeout = 10 * time.Second

// Runner polls the scheduler and dispatches claimed tasks to handlers.
type Runner struct {
	scheduler *Scheduler
	config    RunnerConfig
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner creates a new Runner
func NewRunner(scheduler *Scheduler, config RunnerConfig, log *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if config.WorkerID == "" {
		config.WorkerID = def.WorkerID
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	return &Runner{
		scheduler: scheduler,
		config:    config,
		logger:    log.With("worker_id", config.WorkerID),
		handlers:  make(map[string]Handler),
	}
}

// Register sets the handler for taskType, replacing any previous one.
func (r *Runner) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Runner) handler(taskType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[taskType]
}

// Owner returns the owner string used by polling goroutine i.
func (r *Runner) Owner(i int) string {
	return fmt.Sprintf("%s/%d", r.config.WorkerID, i)
}

// Run processes tasks until ctx is cancelled. In-flight tasks are given
// ShutdownTimeout to finish and report before their context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopAfter := context.AfterFunc(ctx, func() {
		time.AfterFunc(r.config.ShutdownTimeout, cancelWork)
	})
	defer stopAfter()

	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < r.config.Concurrency; i++ {
		owner := r.Owner(i)
		g.Go(func() error {
			r.poll(gctx, workCtx, owner)
			return nil
		})
	}

	if r.config.MaintenanceInterval > 0 {
		c := cron.New(
			cron.WithLogger(cronLogger{r.logger}),
			cron.WithChain(cron.Recover(cronLogger{r.logger}), cron.SkipIfStillRunning(cronLogger{r.logger})),
		)
		spec := "@every " + r.config.MaintenanceInterval.String()
		if _, err := c.AddFunc(spec, func() { r.maintain(gctx) }); err != nil {
			return fmt.Errorf("failed to schedule maintenance: %w", err)
		}
		c.Start()
		g.Go(func() error {
			<-gctx.Done()
			<-c.Stop().Done()
			return nil
		})
	}

	r.logger.Info("task runner started",
		"concurrency", r.config.Concurrency,
		"poll_interval", r.config.PollInterval.String(),
		"maintenance_interval", r.config.MaintenanceInterval.String(),
		"stale_claim_after", r.config.StaleClaimAfter.String())

	err := g.Wait()
	r.logger.Info("task runner stopped")
	return err
}

func (r *Runner) poll(ctx, workCtx context.Context, owner string) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		_, err := r.ProcessNext(ctx, workCtx, owner)
		switch {
		case err == nil:
			// more work may be waiting
			timer.Reset(0)
			continue
		case errors.Is(err, ErrNoTaskAvailable), ctx.Err() != nil:
		default:
			r.logger.Error("dequeue failed",
				"worker_id", owner,
				"error", redact.Error(err))
		}
		timer.Reset(r.config.PollInterval)
	}
}

// ProcessNext claims one task with ctx and executes it with workCtx. It
// returns the final record, or ErrNoTaskAvailable when nothing was claimable.
func (r *Runner) ProcessNext(ctx, workCtx context.Context, owner string) (*Record, error) {
	rec, err := r.scheduler.Dequeue(ctx, owner)
	if err != nil {
		return nil, err
	}
	return r.execute(workCtx, rec, owner), nil
}

func (r *Runner) execute(ctx context.Context, rec *Record, owner string) *Record {
	correlationID := rec.ID.String()
	if v, ok := rec.Metadata[MetaCorrelationID].(string); ok && v != "" {
		correlationID = v
	}
	log := r.logger.With(
		"task_id", rec.ID,
		"task_type", rec.TaskType,
		"worker_id", owner)
	ctx = logger.WithCorrelationID(logger.WithLogger(ctx, log), correlationID)

	start := time.Now()
	var (
		result Metadata
		err    error
	)
	if h := r.handler(rec.TaskType); h == nil {
		err = NewTaskError(CodeUnsupportedTaskType,
			fmt.Sprintf("no handler registered for task type %q", rec.TaskType))
	} else {
		result, err = r.safeHandle(ctx, h, rec)
	}

	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()

	var (
		final     *Record
		reportErr error
	)
	switch {
	case err == nil:
		final, reportErr = r.scheduler.ReportSuccess(reportCtx, rec.ID, owner, result)
	case errors.Is(err, ErrNeedsAttention):
		final, reportErr = r.scheduler.ReportNeedsAttention(reportCtx, rec.ID, owner, err.Error())
	default:
		final, reportErr = r.scheduler.ReportFailure(reportCtx, rec.ID, owner, err)
	}

	if reportErr != nil {
		log.Error("failed to report task outcome",
			"error", redact.Error(reportErr),
			"duration", time.Since(start).String())
		return rec
	}
	log.Debug("task processed",
		"status", final.Status,
		"duration", time.Since(start).String())
	return final
}

func (r *Runner) safeHandle(ctx context.Context, h Handler, rec *Record) (result Metadata, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.FromContext(ctx).Error("task handler panicked", "panic", p)
			result = nil
			err = NewTaskError(CodePanic, fmt.Sprintf("handler panicked: %v", p))
		}
	}()
	return h.Handle(ctx, rec)
}

func (r *Runner) maintain(ctx context.Context) {
	report, err := r.scheduler.RunMaintenance(ctx, r.config.StaleClaimAfter)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		r.logger.Debug("maintenance running elsewhere, skipping")
		return
	case err != nil:
		r.logger.Error("maintenance failed", "error", redact.Error(err))
	}
	if report.Resolved > 0 || report.Reclaimed > 0 || report.Resynced > 0 {
		r.logger.Info("maintenance completed",
			"resolved_failed", report.Resolved,
			"reclaimed_stale", report.Reclaimed,
			"resynced_hints", report.Resynced)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
