// Package engine owns the job lifecycle: run_now creates a job from a
// flow, execute_step advances it one step at a time, schedule_next defers
// the following step through the task service, and run_later registers a
// future run. Every step hand-off goes through a deferred task, never
// synchronous recursion, so one step's failure cannot take down the next.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/flowpress/flowpress/core/events"
	"github.com/flowpress/flowpress/core/infra/bus"
	"github.com/flowpress/flowpress/core/infra/config"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/infra/metrics"
	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/step"
	"github.com/flowpress/flowpress/core/store"
	"github.com/flowpress/flowpress/core/tasks"
)

const senderID = "engine"

// ReasonStuckRecovered is set on jobs failed by the recovery sweep.
const ReasonStuckRecovered = "stuck_recovered"

// Engine drives jobs through their steps.
type Engine struct {
	store   *store.Store
	exec    *step.Executor
	tasks   tasks.Service
	bus     bus.Bus
	metrics metrics.Metrics
	cfg     *config.Config
}

// New wires an engine. A nil metrics implementation falls back to Noop.
func New(s *store.Store, exec *step.Executor, svc tasks.Service, b bus.Bus, m metrics.Metrics, cfg *config.Config) *Engine {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Engine{store: s, exec: exec, tasks: svc, bus: b, metrics: m, cfg: cfg}
}

// RunNow creates a job for a flow, freezes the engine snapshot, and
// dispatches the first step.
func (e *Engine) RunNow(ctx context.Context, flowID string) (*model.Job, error) {
	flow, err := e.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("load flow %s: %w", flowID, err)
	}
	pipeline, err := e.store.GetPipeline(ctx, flow.PipelineID)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", flow.PipelineID, err)
	}
	return e.start(ctx, pipeline, flow, false)
}

// RunDirect executes an unsaved pipeline+flow pair as an ephemeral job.
// The job carries the direct sentinel instead of the supplied flow id, so
// no flow counters or schedules are touched regardless of what the caller
// named the pair; the snapshot keeps the pair as given.
func (e *Engine) RunDirect(ctx context.Context, pipeline *model.Pipeline, flow *model.Flow) (*model.Job, error) {
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	if err := flow.Validate(pipeline); err != nil {
		return nil, err
	}
	return e.start(ctx, pipeline, flow, true)
}

func (e *Engine) start(ctx context.Context, pipeline *model.Pipeline, flow *model.Flow, direct bool) (*model.Job, error) {
	if len(pipeline.OrderedSteps()) == 0 {
		return nil, fmt.Errorf("pipeline %s has no steps", pipeline.ID)
	}
	flowID, pipelineID := flow.ID, pipeline.ID
	if direct {
		flowID, pipelineID = model.DirectSentinel, model.DirectSentinel
	}
	job := &model.Job{
		ID:         uuid.NewString(),
		FlowID:     flowID,
		PipelineID: pipelineID,
		Status:     model.JobStatusRunning,
		Snapshot: &model.EngineSnapshot{
			Pipeline:     pipeline,
			Flow:         flow,
			GlobalPrompt: e.cfg.GlobalPrompt,
			Params:       map[string]string{},
		},
		Packet: model.DataPacket{},
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	e.metrics.IncJobsStarted(job.PipelineID)
	events.Publish(e.bus, senderID, job)
	logging.Info("engine", "job started", "job_id", job.ID, "flow_id", job.FlowID, "pipeline_id", job.PipelineID)

	if err := e.dispatchStep(ctx, job.ID, 0); err != nil {
		return job, fmt.Errorf("dispatch first step: %w", err)
	}
	return job, nil
}

// ExecuteStep runs one step of one job and decides what happens next.
// Delivery is at-least-once, so stale and repeated tasks are dropped by
// status and step-index guards rather than re-executed.
func (e *Engine) ExecuteStep(ctx context.Context, jobID string, stepIndex int) error {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		logging.Debug("engine", "step task for terminal job dropped", "job_id", jobID, "status", string(job.Status))
		return nil
	}
	if stepIndex != job.CurrentStep {
		logging.Debug("engine", "stale step task dropped", "job_id", jobID, "step_index", stepIndex, "current", job.CurrentStep)
		return nil
	}
	if job.Snapshot == nil || job.Snapshot.Pipeline == nil {
		return e.finalize(ctx, job, model.JobStatusFailed, "job has no engine snapshot")
	}

	ordered := job.Snapshot.Pipeline.OrderedSteps()
	if stepIndex >= len(ordered) {
		return e.finalize(ctx, job, model.JobStatusCompleted, "")
	}
	pipelineStep := ordered[stepIndex]
	flowStep := job.Snapshot.Flow.StepFor(pipelineStep.ID)

	res := e.exec.Execute(ctx, &step.Context{
		Job:      job,
		Snapshot: job.Snapshot,
		Packet:   job.Packet,
		Step:     pipelineStep,
		FlowStep: flowStep,
	})
	e.metrics.IncStepsExecuted(string(pipelineStep.Kind), string(res.Status))
	if res.Warning != "" {
		logging.Warn("engine", "step finished with warning", "job_id", job.ID, "step_id", pipelineStep.ID, "warning", res.Warning)
	}

	if res.Entry != nil {
		entry := *res.Entry
		if res.Warning != "" {
			if entry.Meta == nil {
				entry.Meta = map[string]string{}
			}
			entry.Meta["warning"] = res.Warning
		}
		job.Packet.PushFront(entry)
	}
	if !res.Delta.Empty() {
		job.Snapshot = job.Snapshot.Merge(res.Delta)
	}

	switch res.Status {
	case model.StepFailed:
		return e.finalize(ctx, job, model.JobStatusFailed, res.Reason)
	case model.StepAgentSkipped:
		return e.finalize(ctx, job, model.JobStatusAgentSkipped, res.Reason)
	case model.StepCompletedNoItems:
		return e.finalize(ctx, job, model.JobStatusCompletedNoItems, res.Reason)
	}

	if job.Snapshot.StatusOverride != "" {
		return e.finalize(ctx, job, job.Snapshot.StatusOverride, job.Snapshot.OverrideReason)
	}
	return e.scheduleNext(ctx, job, stepIndex, len(ordered))
}

// scheduleNext persists step progress and defers the next step, or
// finalizes the job when no steps remain.
func (e *Engine) scheduleNext(ctx context.Context, job *model.Job, stepIndex, total int) error {
	if stepIndex+1 >= total {
		return e.finalize(ctx, job, model.JobStatusCompleted, "")
	}
	job.CurrentStep = stepIndex + 1
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	if err := e.dispatchStep(ctx, job.ID, job.CurrentStep); err != nil {
		return fmt.Errorf("dispatch step %d: %w", job.CurrentStep, err)
	}
	return nil
}

// RunLater registers a future run_now for a flow.
func (e *Engine) RunLater(ctx context.Context, flowID string, at time.Time) error {
	return e.tasks.ScheduleOnce(ctx, tasks.ActionFlowRun, map[string]string{"flow_id": flowID}, at)
}

func (e *Engine) dispatchStep(ctx context.Context, jobID string, stepIndex int) error {
	return e.tasks.ScheduleOnce(ctx, tasks.ActionJobStep, map[string]string{
		"job_id":     jobID,
		"step_index": strconv.Itoa(stepIndex),
	}, time.Now())
}

func (e *Engine) finalize(ctx context.Context, job *model.Job, status model.JobStatus, reason string) error {
	now := time.Now().UTC()
	job.Status = status
	job.Reason = reason
	job.CompletedAt = &now
	if err := e.store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("finalize job %s: %w", job.ID, err)
	}
	e.metrics.IncJobsCompleted(job.PipelineID, string(status))
	if !job.CreatedAt.IsZero() {
		e.metrics.ObserveJobDuration(job.PipelineID, now.Sub(job.CreatedAt).Seconds())
	}
	events.Publish(e.bus, senderID, job)
	logging.Info("engine", "job finished", "job_id", job.ID, "flow_id", job.FlowID, "status", job.CompoundStatus())

	if !job.Direct() {
		if err := e.updateFlowCounters(ctx, job); err != nil {
			logging.Error("engine", "flow counter update failed", "flow_id", job.FlowID, "error", err)
		}
	}
	return nil
}

// updateFlowCounters maintains the consecutive failure/no-item counters and
// flags problem flows past the configured threshold.
func (e *Engine) updateFlowCounters(ctx context.Context, job *model.Job) error {
	flow, err := e.store.GetFlow(ctx, job.FlowID)
	if err != nil {
		return err
	}
	switch job.Status {
	case model.JobStatusFailed:
		flow.Schedule.ConsecutiveFailures++
		flow.Schedule.ConsecutiveNoItems = 0
	case model.JobStatusCompletedNoItems:
		flow.Schedule.ConsecutiveNoItems++
		flow.Schedule.ConsecutiveFailures = 0
	default:
		flow.Schedule.ConsecutiveFailures = 0
		flow.Schedule.ConsecutiveNoItems = 0
	}
	now := time.Now().UTC()
	flow.Schedule.LastRunAt = &now
	flow.Schedule.LastRunStatus = job.CompoundStatus()

	threshold := e.cfg.ProblemFlowThreshold
	problem := threshold > 0 &&
		(flow.Schedule.ConsecutiveFailures >= threshold || flow.Schedule.ConsecutiveNoItems >= threshold)
	if problem && !flow.Schedule.Problem {
		logging.Warn("engine", "flow flagged as problem",
			"flow_id", flow.ID,
			"consecutive_failures", flow.Schedule.ConsecutiveFailures,
			"consecutive_no_items", flow.Schedule.ConsecutiveNoItems)
	}
	flow.Schedule.Problem = problem
	return e.store.SaveFlow(ctx, flow)
}

// RecoverStuck fails jobs that have been running longer than the stuck
// timeout. It is the only timeout mechanism and must tolerate partial side
// effects from the abandoned task.
func (e *Engine) RecoverStuck(ctx context.Context) (int, error) {
	stuck, err := e.store.ListStuckJobs(ctx, e.cfg.StuckJobTimeout, 200)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, job := range stuck {
		if err := e.finalize(ctx, job, model.JobStatusFailed, ReasonStuckRecovered); err != nil {
			logging.Error("engine", "stuck job recovery failed", "job_id", job.ID, "error", err)
			continue
		}
		e.metrics.IncStuckRecovered()
		recovered++
	}
	if recovered > 0 {
		logging.Warn("engine", "stuck jobs recovered", "count", recovered)
	}
	return recovered, nil
}

// Cleanup trims packets and snapshots from terminal jobs past retention.
func (e *Engine) Cleanup(ctx context.Context) (int, error) {
	return e.store.CleanupJobs(ctx, e.cfg.JobRetention, 500)
}

// Subscribe wires the engine to its task subjects. Queue group "engine"
// ensures one engine instance handles each task.
func (e *Engine) Subscribe(ctx context.Context) error {
	if err := e.bus.Subscribe(bus.SubjectFlowRun, senderID, func(env *bus.Envelope) {
		var task tasks.Task
		if err := env.Decode(&task); err != nil {
			logging.Error("engine", "decode flow.run task failed", "error", err)
			return
		}
		if _, err := e.RunNow(ctx, task.Args["flow_id"]); err != nil {
			logging.Error("engine", "flow.run failed", "flow_id", task.Args["flow_id"], "error", err)
		}
	}); err != nil {
		return err
	}
	return e.bus.Subscribe(bus.SubjectJobStep, senderID, func(env *bus.Envelope) {
		var task tasks.Task
		if err := env.Decode(&task); err != nil {
			logging.Error("engine", "decode job.step task failed", "error", err)
			return
		}
		idx, err := strconv.Atoi(task.Args["step_index"])
		if err != nil {
			logging.Error("engine", "bad step index", "value", task.Args["step_index"])
			return
		}
		if err := e.ExecuteStep(ctx, task.Args["job_id"], idx); err != nil {
			logging.Error("engine", "job.step failed", "job_id", task.Args["job_id"], "error", err)
		}
	})
}
