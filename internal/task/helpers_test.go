package task_test

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/phrazzld/taskcore/internal/lock"
	"github.com/phrazzld/taskcore/internal/platform/logger"
	"github.com/phrazzld/taskcore/internal/task"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store     *task.MemoryStore
	fastPath  *task.MemoryFastPath
	clock     *testClock
	scheduler *task.Scheduler
	logs      *logger.TestLogBuffer
}

type fixtureOpts struct {
	fastPath   bool
	storeOpts  []task.MemoryStoreOption
	claim      string
	random     func() float64
	maxRetries *int
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()

	log, buf := logger.GetTestLogger(t)
	clock := newTestClock()
	storeOpts := append([]task.MemoryStoreOption{task.WithMemoryClock(clock.Now)}, o.storeOpts...)
	ms := task.NewMemoryStore(storeOpts...)

	cfg := task.DefaultSchedulerConfig()
	if o.maxRetries != nil {
		cfg.Retry.MaxRetries = *o.maxRetries
	}
	policy := task.NewRetryPolicy(cfg.Retry)
	random := o.random
	if random == nil {
		random = func() float64 { return 0.5 }
	}
	policy.WithRandom(random)

	opts := []task.SchedulerOption{
		task.WithClock(clock.Now),
		task.WithRetryPolicy(policy),
	}

	f := &fixture{store: ms, clock: clock, logs: buf}
	if o.fastPath {
		f.fastPath = task.NewMemoryFastPath()
		opts = append(opts, task.WithFastPath(f.fastPath, lock.NewMemoryLocker()))
	}
	if o.claim != "" {
		cs, err := task.NewClaimStrategy(o.claim, log)
		if err != nil {
			t.Fatalf("claim strategy: %v", err)
		}
		opts = append(opts, task.WithClaimStrategy(cs))
	}

	f.scheduler = task.NewScheduler(ms, cfg, log, opts...)
	return f
}

func randomSource() func() float64 {
	r := rand.New(rand.NewPCG(42, 7))
	return r.Float64
}
