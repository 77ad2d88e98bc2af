package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phrazzld/taskcore/internal/api/shared"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/task"
)

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	scheduler *task.Scheduler
	logger    *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(scheduler *task.Scheduler, log *slog.Logger) *TaskHandler {
	if scheduler == nil {
		panic("scheduler cannot be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TaskHandler{
		scheduler: scheduler,
		logger:    log.With(slog.String("component", "task_handler")),
	}
}

// RegisterRoutes mounts the task endpoints on r.
func (h *TaskHandler) RegisterRoutes(r chi.Router) {
	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", h.CreateTask)
		r.Get("/", h.ListTasks)
		r.Get("/dead-letter", h.ListDeadLetter)
		r.Get("/pending-retry", h.ListPendingRetry)
		r.Get("/{id}", h.GetTask)
		r.Post("/{id}/replay", h.ReplayTask)
	})
}

// CreateTask handles POST /api/tasks. The request's trace ID is stored as
// the task's correlation ID unless the caller supplied one.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	metadata := task.Metadata(req.Metadata)
	if metadata == nil {
		metadata = task.Metadata{}
	}
	if _, ok := metadata[task.MetaCorrelationID]; !ok {
		if id := shared.GetTraceID(r.Context()); id != "" {
			metadata[task.MetaCorrelationID] = id
		}
	}

	rec, err := h.scheduler.CreateTask(r.Context(), req.TaskType, req.Priority, metadata)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to create task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(rec))
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	rec, err := h.scheduler.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get task")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(rec))
}

// ListTasks handles GET /api/tasks?status=a,b&task_type=t&limit=n.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	statuses, err := getQueryStatuses(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	limit, err := getQueryLimit(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	metadata, err := getQueryMetadata(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	recs, err := h.scheduler.List(r.Context(), task.Filter{
		Statuses: statuses,
		TaskType: r.URL.Query().Get("task_type"),
		Metadata: metadata,
		Order:    task.OrderCreatedDesc,
		Limit:    limit,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, tasksToResponse(recs))
}

// ListDeadLetter handles GET /api/tasks/dead-letter?task_type=t&metadata.key=v&limit=n.
func (h *TaskHandler) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryLimit(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	metadata, err := getQueryMetadata(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	recs, err := h.scheduler.ListDeadLetter(r.Context(), task.DeadLetterFilter{
		TaskType: r.URL.Query().Get("task_type"),
		Metadata: metadata,
		Limit:    limit,
	})
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list dead letter tasks")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, tasksToResponse(recs))
}

// ListPendingRetry handles GET /api/tasks/pending-retry.
func (h *TaskHandler) ListPendingRetry(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryLimit(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	recs, err := h.scheduler.ListPendingRetry(r.Context(), limit)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list pending retries")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, tasksToResponse(recs))
}

// ReplayTask handles POST /api/tasks/{id}/replay. The body is optional.
func (h *TaskHandler) ReplayTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	var req ReplayRequest
	if err := shared.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	rec, err := h.scheduler.Replay(r.Context(), id, req.Operator)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to replay task")
		return
	}
	logger.FromContextOrDefault(r.Context(), h.logger).Info("task replayed via api",
		slog.String("task_id", rec.ID.String()),
		slog.String("operator", req.Operator))
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(rec))
}
