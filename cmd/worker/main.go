// Package main runs a task worker: it claims tasks from the shared store,
// executes them with the registered executors and reports their outcome.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/phrazzld/taskcore/internal/app"
	"github.com/phrazzld/taskcore/internal/config"
	"github.com/phrazzld/taskcore/internal/executor"
	"github.com/phrazzld/taskcore/internal/lock"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/redact"
	"github.com/phrazzld/taskcore/internal/task"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("worker exited with error", "error", redact.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel, Service: "taskcore-worker"})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			log.Error("error closing application resources", "error", cerr)
		}
	}()

	return runWorker(ctx, a)
}

// runWorker registers the executors, runs one maintenance pass so hints lost
// while no worker was up are restored, and then processes tasks until ctx is
// cancelled.
func runWorker(ctx context.Context, a *app.App) error {
	runner := task.NewRunner(a.Scheduler, app.RunnerConfig(a.Config.Worker), a.Logger)
	registered := executor.RegisterAll(runner, a.Config.Executor, a.Scheduler, a.Logger)
	a.Logger.Info("executors registered", "task_types", registered)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		report, err := a.Scheduler.RunMaintenance(gctx, a.Config.Worker.StaleClaimAfter)
		switch {
		case errors.Is(err, lock.ErrNotAcquired), errors.Is(err, context.Canceled):
			return nil
		case err != nil:
			a.Logger.Warn("startup maintenance failed", "error", redact.Error(err))
			return nil
		}
		a.Logger.Info("startup maintenance completed",
			slog.Int("resolved_failed", report.Resolved),
			slog.Int("reclaimed_stale", report.Reclaimed),
			slog.Int("resynced_hints", report.Resynced))
		return nil
	})
	g.Go(func() error {
		return runner.Run(gctx)
	})
	return g.Wait()
}
