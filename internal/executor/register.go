package executor

import (
	"log/slog"

	"github.com/phrazzld/taskcore/internal/config"
	"github.com/phrazzld/taskcore/internal/task"
)

// Registrar is implemented by task.Runner.
type Registrar interface {
	Register(taskType string, h task.Handler)
}

// RegisterAll registers the health-check executor and a webhook executor for
// every task type with a configured URL. It returns the registered types.
func RegisterAll(r Registrar, cfg config.ExecutorConfig, s *task.Scheduler, log *slog.Logger) []string {
	registered := []string{task.TypeHealthCheck}
	r.Register(task.TypeHealthCheck, NewHealthCheckExecutor(s.Store(), s.FastPath()))

	webhooks := []struct {
		taskType string
		url      string
	}{
		{task.TypeIngest, cfg.IngestURL},
		{task.TypeReindex, cfg.ReindexURL},
	}
	for _, wh := range webhooks {
		if wh.url == "" {
			continue
		}
		r.Register(wh.taskType, NewWebhookExecutor(wh.url, cfg.Timeout, log))
		registered = append(registered, wh.taskType)
	}
	return registered
}
