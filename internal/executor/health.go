package executor

import (
	"context"
	"fmt"

	"github.com/phrazzld/taskcore/internal/task"
)

// CodeHealthCheckFailed marks a failed dependency probe.
const CodeHealthCheckFailed = "HEALTH_CHECK_FAILED"

// Pinger is implemented by task stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReport describes the scheduler's dependencies.
type HealthReport struct {
	Store       string `json:"store"`
	FastPath    string `json:"fast_path"`
	FastPathLen int64  `json:"fast_path_len,omitempty"`
}

// Healthy reports whether the store is reachable. A failing fast path only
// degrades dequeue latency, so it does not make the report unhealthy.
func (r HealthReport) Healthy() bool {
	return r.Store == "ok"
}

// CheckHealth pings the store and, when fp is not nil, counts fast path
// hints.
func CheckHealth(ctx context.Context, store Pinger, fp task.FastPath) HealthReport {
	report := HealthReport{Store: "ok", FastPath: "disabled"}
	if err := store.Ping(ctx); err != nil {
		report.Store = "unavailable"
	}
	if fp != nil {
		n, err := fp.Len(ctx)
		if err != nil {
			report.FastPath = "unavailable"
		} else {
			report.FastPath = "ok"
			report.FastPathLen = n
		}
	}
	return report
}

// HealthCheckExecutor runs health_check tasks. It fails when the store is
// unreachable and records the probe results otherwise.
type HealthCheckExecutor struct {
	store    Pinger
	fastPath task.FastPath
}

var _ task.Handler = (*HealthCheckExecutor)(nil)

// NewHealthCheckExecutor creates a HealthCheckExecutor. fp may be nil.
func NewHealthCheckExecutor(store Pinger, fp task.FastPath) *HealthCheckExecutor {
	return &HealthCheckExecutor{store: store, fastPath: fp}
}

// Handle implements task.Handler.
func (h *HealthCheckExecutor) Handle(ctx context.Context, _ *task.Record) (task.Metadata, error) {
	report := CheckHealth(ctx, h.store, h.fastPath)
	if !report.Healthy() {
		return nil, task.NewTaskError(CodeHealthCheckFailed, fmt.Sprintf("store %s", report.Store)).WithStep("ping")
	}
	return task.Metadata{
		"store":         report.Store,
		"fast_path":     report.FastPath,
		"fast_path_len": report.FastPathLen,
	}, nil
}
