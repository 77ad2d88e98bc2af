package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/phrazzld/taskcore/internal/api"
	apiMiddleware "github.com/phrazzld/taskcore/internal/api/middleware"
)

// setupRouter registers the task API and the health check.
func (s *server) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(apiMiddleware.WithTrace(s.app.Logger))
	r.Use(middleware.Recoverer)

	taskHandler := api.NewTaskHandler(s.app.Scheduler, s.app.Logger)
	r.Route("/api", func(r chi.Router) {
		taskHandler.RegisterRoutes(r)
	})

	r.Method(http.MethodGet, "/health", api.NewHealthHandler(s.app.Store, s.app.FastPath))

	return r
}
