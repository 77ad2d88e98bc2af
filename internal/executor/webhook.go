package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/task"
)

// Error codes produced by the webhook executor.
const (
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInvalidResponse     = "INVALID_RESPONSE"
)

const (
	webhookStep     = "webhook"
	maxErrorBodyLen = 4096
	maxResultLen    = 1 << 20
)

// webhookRequest is the body POSTed for every task.
type webhookRequest struct {
	TaskID     string        `json:"task_id"`
	TaskType   string        `json:"task_type"`
	RetryCount int           `json:"retry_count"`
	Metadata   task.Metadata `json:"metadata"`
}

// webhookError is the optional error body returned by the service. Code lets
// the service mark a failure with one of the well-known permanent codes.
type webhookError struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	NeedsAttention string `json:"needs_attention"`
}

// WebhookExecutor performs a task by POSTing it to a URL. 2xx responses
// complete the task with the decoded JSON body as its result.
type WebhookExecutor struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

var _ task.Handler = (*WebhookExecutor)(nil)

// NewWebhookExecutor creates an executor posting to url with the given
// per-request timeout.
func NewWebhookExecutor(url string, timeout time.Duration, log *slog.Logger) *WebhookExecutor {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookExecutor{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: log.With(slog.String("component", "webhook_executor")),
	}
}

// Handle implements task.Handler.
func (w *WebhookExecutor) Handle(ctx context.Context, rec *task.Record) (task.Metadata, error) {
	body, err := json.Marshal(webhookRequest{
		TaskID:     rec.ID.String(),
		TaskType:   rec.TaskType,
		RetryCount: rec.RetryCount,
		Metadata:   rec.Metadata,
	})
	if err != nil {
		return nil, task.NewTaskError(task.CodeInvalidInput, "task metadata is not serializable").WithStep(webhookStep)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return nil, task.NewTaskError(task.CodeInvalidInput, err.Error()).WithStep(webhookStep)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", rec.ID.String())
	if id := logger.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	log := logger.FromContextOrDefault(ctx, w.logger)
	start := time.Now()
	resp, err := w.client.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug("webhook responded",
		slog.String("task_id", rec.ID.String()),
		slog.Int("status_code", resp.StatusCode),
		slog.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return decodeResult(resp)
	}
	return nil, responseError(resp)
}

func decodeResult(resp *http.Response) (task.Metadata, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResultLen))
	if err != nil {
		return nil, task.NewTaskError(CodeUpstreamUnavailable, "failed to read response: "+err.Error()).WithStep(webhookStep)
	}
	result := task.Metadata{"status_code": resp.StatusCode}
	if len(bytes.TrimSpace(data)) == 0 {
		return result, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, task.NewTaskError(CodeInvalidResponse, "response is not a JSON object").WithStep(webhookStep)
	}
	for k, v := range decoded {
		result[k] = v
	}
	return result, nil
}

func responseError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))

	var body webhookError
	if json.Unmarshal(data, &body) != nil {
		body = webhookError{}
	}
	if body.NeedsAttention != "" {
		return fmt.Errorf("%s: %w", body.NeedsAttention, task.ErrNeedsAttention)
	}

	message := body.Message
	if message == "" {
		message = strings.TrimSpace(string(data))
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	message = fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, message)

	code := body.Code
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}
	return task.NewTaskError(code, message).WithStep(webhookStep)
}

// codeForStatus maps an HTTP status to an error code. Client errors other
// than 408 and 429 map to permanent codes; everything else is transient.
func codeForStatus(status int) string {
	switch {
	case status == http.StatusRequestTimeout:
		return task.CodeTimeout
	case status == http.StatusTooManyRequests:
		return CodeUpstreamUnavailable
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return task.CodeAccessDenied
	case status == http.StatusNotFound:
		return task.CodeNotFound
	case status == http.StatusGone:
		return task.CodeContentUnavailable
	case status >= 400 && status < 500:
		return task.CodeInvalidInput
	default:
		return CodeUpstreamUnavailable
	}
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return task.NewTaskError(task.CodeTimeout, "webhook request timed out").WithStep(webhookStep)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return task.NewTaskError(CodeUpstreamUnavailable, err.Error()).WithStep(webhookStep)
}
