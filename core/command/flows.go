package command

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/model"
)

// maxRepeatRuns caps the N-repeats run command.
const maxRepeatRuns = 10

// CreateFlow instantiates a pipeline into a new flow and registers its
// schedule.
func (s *Service) CreateFlow(ctx context.Context, pipelineID, name string, schedule model.ScheduleConfig) (*model.Flow, error) {
	if name == "" {
		return nil, validationErr("flow name required")
	}
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return nil, s.pipelineErr(pipelineID, err)
	}
	if schedule.Mode == "" {
		schedule.Mode = model.ScheduleManual
	}
	if err := s.sched.Validate(&schedule, false, time.Time{}); err != nil {
		return nil, validationErr("invalid schedule: %s", err)
	}
	f := model.InstantiateFlow(uuid.NewString(), name, p)
	f.Schedule = schedule
	if err := s.store.SaveFlow(ctx, f); err != nil {
		return nil, internalErr(err)
	}
	if err := s.sched.Apply(ctx, f); err != nil {
		return nil, internalErr(err)
	}
	logging.Info("command", "flow created", "flow_id", f.ID, "pipeline_id", pipelineID)
	return f, nil
}

// UpdateFlow overwrites a flow after validating it against its pipeline,
// then re-syncs its schedule.
func (s *Service) UpdateFlow(ctx context.Context, f *model.Flow) error {
	if f == nil || f.ID == "" {
		return validationErr("flow id required")
	}
	if _, err := s.store.GetFlow(ctx, f.ID); err != nil {
		return s.flowErr(f.ID, err)
	}
	p, err := s.store.GetPipeline(ctx, f.PipelineID)
	if err != nil {
		return s.pipelineErr(f.PipelineID, err)
	}
	if err := f.Validate(p); err != nil {
		return validationErr("invalid flow: %s", err)
	}
	if err := s.sched.Validate(&f.Schedule, false, time.Time{}); err != nil {
		return validationErr("invalid schedule: %s", err)
	}
	if err := s.store.SaveFlow(ctx, f); err != nil {
		return internalErr(err)
	}
	if err := s.sched.Apply(ctx, f); err != nil {
		return internalErr(err)
	}
	return nil
}

// DeleteFlow unschedules and removes a flow. Queues and dedup history
// cascade with it; job history stays.
func (s *Service) DeleteFlow(ctx context.Context, id string) error {
	if _, err := s.store.GetFlow(ctx, id); err != nil {
		return s.flowErr(id, err)
	}
	if err := s.sched.Remove(ctx, id); err != nil {
		return internalErr(err)
	}
	if err := s.store.DeleteFlow(ctx, id); err != nil {
		return internalErr(err)
	}
	logging.Info("command", "flow deleted", "flow_id", id)
	return nil
}

// DuplicateFlow copies a flow's step configuration into a new flow. The
// copy starts with fresh counters and a manual schedule so it never runs
// before someone reviews it.
func (s *Service) DuplicateFlow(ctx context.Context, id, name string) (*model.Flow, error) {
	src, err := s.store.GetFlow(ctx, id)
	if err != nil {
		return nil, s.flowErr(id, err)
	}
	if name == "" {
		name = src.Name + " (copy)"
	}
	dup := &model.Flow{
		ID:         uuid.NewString(),
		PipelineID: src.PipelineID,
		Name:       name,
		Schedule:   model.ScheduleConfig{Mode: model.ScheduleManual},
		Steps:      make(map[string]*model.FlowStep, len(src.Steps)),
	}
	for _, fs := range src.Steps {
		fsID := model.FlowStepID(fs.PipelineStepID, dup.ID)
		copied := &model.FlowStep{
			ID:             fsID,
			PipelineStepID: fs.PipelineStepID,
			HandlerSlug:    fs.HandlerSlug,
			UserMessage:    fs.UserMessage,
			QueueEnabled:   fs.QueueEnabled,
		}
		if len(fs.HandlerConfig) > 0 {
			copied.HandlerConfig = make(map[string]any, len(fs.HandlerConfig))
			for k, v := range fs.HandlerConfig {
				copied.HandlerConfig[k] = v
			}
		}
		dup.Steps[fsID] = copied
	}
	if err := s.store.SaveFlow(ctx, dup); err != nil {
		return nil, internalErr(err)
	}
	return dup, nil
}

// ResetDedup clears a flow's processed-item ledger so previously seen
// items become fetchable again.
func (s *Service) ResetDedup(ctx context.Context, flowID string) error {
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return s.flowErr(flowID, err)
	}
	if err := s.store.ClearDedupByFlow(ctx, flowID); err != nil {
		return internalErr(err)
	}
	logging.Info("command", "dedup ledger reset", "flow_id", flowID)
	return nil
}

// ResetDedupByPipeline clears the ledger for every flow of a pipeline.
func (s *Service) ResetDedupByPipeline(ctx context.Context, pipelineID string) error {
	if _, err := s.store.GetPipeline(ctx, pipelineID); err != nil {
		return s.pipelineErr(pipelineID, err)
	}
	if err := s.store.ClearDedupByPipeline(ctx, pipelineID); err != nil {
		return internalErr(err)
	}
	logging.Info("command", "dedup ledger reset", "pipeline_id", pipelineID)
	return nil
}

// RunDirect executes an ad-hoc pipeline+flow pair without persisting
// either, for trying a configuration before saving it.
func (s *Service) RunDirect(ctx context.Context, p *model.Pipeline, f *model.Flow) (*model.Job, error) {
	job, err := s.engine.RunDirect(ctx, p, f)
	if err != nil {
		return nil, validationErr("%s", err)
	}
	return job, nil
}

// Run triggers an immediate job for a flow.
func (s *Service) Run(ctx context.Context, flowID string) (*model.Job, error) {
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return nil, s.flowErr(flowID, err)
	}
	job, err := s.engine.RunNow(ctx, flowID)
	if err != nil {
		return nil, internalErr(err)
	}
	return job, nil
}

// RunAt registers a one-time future run for a flow.
func (s *Service) RunAt(ctx context.Context, flowID string, at time.Time) error {
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return s.flowErr(flowID, err)
	}
	if err := s.sched.Validate(nil, true, at); err != nil {
		return validationErr("%s", err)
	}
	if err := s.engine.RunLater(ctx, flowID, at); err != nil {
		return internalErr(err)
	}
	return nil
}

// RunRepeated triggers up to maxRepeatRuns immediate jobs for a flow and
// returns the job ids started.
func (s *Service) RunRepeated(ctx context.Context, flowID string, n int) ([]string, error) {
	if n < 1 || n > maxRepeatRuns {
		return nil, validationErr("repeat count must be between 1 and %d", maxRepeatRuns)
	}
	if _, err := s.store.GetFlow(ctx, flowID); err != nil {
		return nil, s.flowErr(flowID, err)
	}
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		job, err := s.engine.RunNow(ctx, flowID)
		if err != nil {
			return ids, internalErr(err)
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}
