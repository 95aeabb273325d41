package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/flowpress/flowpress/core/infra/bus"
	"github.com/flowpress/flowpress/core/infra/config"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/infra/metrics"
)

const runnerSender = "task-runner"

// Runner polls the task service and dispatches claimed tasks on the bus.
// Parallelism comes from N concurrent batches of up to B tasks each; a batch
// that exceeds its wall-clock limit abandons remaining tasks for the next
// poll (the stuck-job sweep covers anything half-done).
type Runner struct {
	svc     Service
	bus     bus.Bus
	cfg     *config.RunnerConfig
	metrics metrics.Metrics
}

// NewRunner wires a runner; a nil config falls back to defaults.
func NewRunner(svc Service, b bus.Bus, cfg *config.RunnerConfig, m metrics.Metrics) *Runner {
	if cfg == nil {
		cfg = config.DefaultRunner()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	return &Runner{svc: svc, bus: b, cfg: cfg, metrics: m}
}

// Run polls until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll claims and dispatches one round of due tasks across concurrent
// batches. Exported so tests and run-now paths can drive it directly.
func (r *Runner) Poll(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Concurrency; i++ {
		due, err := r.svc.RunDue(ctx, time.Now(), r.cfg.BatchSize)
		if err != nil {
			logging.Error("tasks", "claim batch failed", "error", err)
			return
		}
		if len(due) == 0 {
			break
		}
		wg.Add(1)
		go func(batch []Task) {
			defer wg.Done()
			r.dispatchBatch(ctx, batch)
		}(due)
	}
	wg.Wait()
}

func (r *Runner) dispatchBatch(ctx context.Context, batch []Task) {
	deadline := time.Now().Add(r.cfg.BatchTimeLimit)
	for _, t := range batch {
		if time.Now().After(deadline) {
			logging.Warn("tasks", "batch time limit reached", "remaining", len(batch))
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := r.Dispatch(t); err != nil {
			logging.Error("tasks", "dispatch failed", "task_id", t.ID, "action", t.Action, "error", err)
			continue
		}
		r.metrics.IncTasksDispatched(t.Action)
	}
}

// Dispatch publishes one task as a bus envelope on its action subject.
func (r *Runner) Dispatch(t Task) error {
	env, err := bus.NewEnvelope(runnerSender, "task", &t)
	if err != nil {
		return err
	}
	return r.bus.Publish(Subject(t.Action), env)
}

// Subject maps a task action to its bus subject.
func Subject(action string) string {
	return "task." + action
}
