package api

import (
	"net/http"

	"github.com/phrazzld/taskcore/internal/api/shared"
	"github.com/phrazzld/taskcore/internal/executor"
	"github.com/phrazzld/taskcore/internal/task"
)

// HealthHandler serves GET /health.
type HealthHandler struct {
	store    executor.Pinger
	fastPath task.FastPath
}

// NewHealthHandler creates a HealthHandler. fp may be nil.
func NewHealthHandler(store executor.Pinger, fp task.FastPath) *HealthHandler {
	return &HealthHandler{store: store, fastPath: fp}
}

// ServeHTTP responds 200 when the store is reachable and 503 otherwise.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := executor.CheckHealth(r.Context(), h.store, h.fastPath)
	resp := HealthResponse{
		Status:      "ok",
		Store:       report.Store,
		FastPath:    report.FastPath,
		FastPathLen: report.FastPathLen,
	}
	status := http.StatusOK
	if !report.Healthy() {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	shared.RespondWithJSON(w, r, status, resp)
}
