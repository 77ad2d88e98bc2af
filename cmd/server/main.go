// Package main runs the task API server. With -migrate it applies database
// migrations instead and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/phrazzld/taskcore/internal/app"
	"github.com/phrazzld/taskcore/internal/config"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/platform/postgres"
	"github.com/phrazzld/taskcore/internal/redact"
)

func main() {
	migrateCmd := flag.String("migrate", "",
		"run database migrations (up, down, reset, status, version) and exit")
	flag.Parse()

	if err := run(context.Background(), *migrateCmd); err != nil {
		slog.Error("server exited with error", "error", redact.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, migrateCmd string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.Setup(logger.LoggerConfig{Level: cfg.Server.LogLevel, Service: "taskcore-server"})
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}
	log.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"redis_enabled", cfg.Redis.Enabled())

	if migrateCmd != "" {
		return runMigrations(ctx, cfg, migrateCmd, log)
	}

	a, err := app.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	srv := newServer(a)
	return srv.Run(ctx)
}

// runMigrations executes one goose command against the configured database.
func runMigrations(ctx context.Context, cfg *config.Config, command string, log *slog.Logger) error {
	migrationLog := log.With(
		"correlation_id", uuid.NewString(),
		"component", "migrations",
		"command", command)

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			migrationLog.Error("failed to close database connection", "error", cerr)
		}
	}()

	migrationLog.Info("starting migration operation",
		"database", redact.Credentials(cfg.Database.URL))
	if err := postgres.Migrate(ctx, db, command, migrationLog); err != nil {
		return fmt.Errorf("migration %s failed: %w", command, err)
	}
	migrationLog.Info("migration operation completed")
	return nil
}
