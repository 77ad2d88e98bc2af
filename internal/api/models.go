package api

import (
	"time"

	"github.com/phrazzld/taskcore/internal/task"
)

// CreateTaskRequest is the body of POST /api/tasks.
type CreateTaskRequest struct {
	TaskType string         `json:"task_type" validate:"required,max=64"`
	Priority int            `json:"priority"  validate:"gte=-1000,lte=1000"`
	Metadata map[string]any `json:"metadata"`
}

// ReplayRequest is the optional body of POST /api/tasks/{id}/replay.
type ReplayRequest struct {
	Operator string `json:"operator" validate:"max=128"`
}

// TaskErrorResponse is the client view of a recorded task error.
type TaskErrorResponse struct {
	Code           string    `json:"code"`
	Message        string    `json:"message"`
	Step           string    `json:"step,omitempty"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Terminal       bool      `json:"terminal,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// TaskResponse is the client view of a task.
type TaskResponse struct {
	ID               string             `json:"id"`
	TaskType         string             `json:"task_type"`
	Status           string             `json:"status"`
	Priority         int                `json:"priority"`
	RetryCount       int                `json:"retry_count"`
	Owner            string             `json:"owner,omitempty"`
	NextAttemptAfter *time.Time         `json:"next_attempt_after,omitempty"`
	LastError        *TaskErrorResponse `json:"last_error,omitempty"`
	Metadata         map[string]any     `json:"metadata"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
}

// TaskListResponse wraps a list of tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Count int            `json:"count"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	FastPath    string `json:"fast_path"`
	FastPathLen int64  `json:"fast_path_len"`
}

func taskToResponse(rec *task.Record) TaskResponse {
	resp := TaskResponse{
		ID:               rec.ID.String(),
		TaskType:         rec.TaskType,
		Status:           string(rec.Status),
		Priority:         rec.Priority,
		RetryCount:       rec.RetryCount,
		Owner:            rec.Owner,
		NextAttemptAfter: rec.NextAttemptAfter,
		Metadata:         rec.Metadata,
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
		StartedAt:        rec.StartedAt,
		CompletedAt:      rec.CompletedAt,
	}
	if resp.Metadata == nil {
		resp.Metadata = map[string]any{}
	}
	if e := rec.LastError; e != nil {
		resp.LastError = &TaskErrorResponse{
			Code:           e.Code,
			Message:        e.Message,
			Step:           e.Step,
			CorrelationID:  e.CorrelationID,
			Classification: string(e.Classification),
			Terminal:       e.Terminal,
			OccurredAt:     e.OccurredAt,
		}
	}
	return resp
}

func tasksToResponse(recs []*task.Record) TaskListResponse {
	out := TaskListResponse{Tasks: make([]TaskResponse, 0, len(recs)), Count: len(recs)}
	for _, rec := range recs {
		out.Tasks = append(out.Tasks, taskToResponse(rec))
	}
	return out
}
