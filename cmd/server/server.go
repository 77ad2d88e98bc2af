package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/phrazzld/taskcore/internal/app"
)

const readHeaderTimeout = 10 * time.Second

// server owns the HTTP listener and the application it serves.
type server struct {
	app    *app.App
	logger *slog.Logger
}

func newServer(a *app.App) *server {
	return &server{app: a, logger: a.Logger.With("component", "http_server")}
}

// Run serves the API until ctx is cancelled or SIGINT/SIGTERM arrives, then
// drains in-flight requests and closes the application.
func (s *server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer s.cleanup()

	cfg := s.app.Config.Server
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.setupRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info("server shutdown completed")
	return nil
}

func (s *server) cleanup() {
	if err := s.app.Close(); err != nil {
		s.logger.Error("error closing application resources", "error", err)
	}
}
