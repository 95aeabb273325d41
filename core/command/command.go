// Package command is the control surface consumed by external callers:
// pipeline and flow CRUD, runs, queue operations, and bulk step
// configuration. Every failure is a structured error with a type and,
// where useful, a remediation hint, because callers are frequently
// automated agents rather than humans.
package command

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/flowpress/flowpress/core/engine"
	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/registry"
	"github.com/flowpress/flowpress/core/sched"
	"github.com/flowpress/flowpress/core/store"
)

// Error taxonomy.
const (
	ErrTypeValidation = "validation"
	ErrTypeNotFound   = "not_found"
	ErrTypeInternal   = "internal"
)

// Error is the structured failure returned to external callers.
type Error struct {
	Type        string `json:"error_type"`
	Message     string `json:"error"`
	Diagnostic  string `json:"diagnostic,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

func (e *Error) Error() string { return e.Message }

func validationErr(format string, args ...any) *Error {
	return &Error{Type: ErrTypeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundErr(kind, id, remediation string) *Error {
	return &Error{
		Type:        ErrTypeNotFound,
		Message:     fmt.Sprintf("%s %q not found", kind, id),
		Remediation: remediation,
	}
}

func internalErr(err error) *Error {
	return &Error{Type: ErrTypeInternal, Message: err.Error()}
}

// Wrap converts any error into a structured command error. A nil error
// stays nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*Error); ok {
		return ce
	}
	switch err {
	case store.ErrNotFound:
		return &Error{Type: ErrTypeNotFound, Message: err.Error()}
	case store.ErrIndexOutOfRange:
		return &Error{
			Type:        ErrTypeValidation,
			Message:     err.Error(),
			Remediation: "use queue list to see current indexes",
		}
	}
	return internalErr(err)
}

// Service exposes the command operations.
type Service struct {
	store    *store.Store
	engine   *engine.Engine
	sched    *sched.Scheduler
	handlers *registry.Registry
}

// New wires a command service.
func New(s *store.Store, e *engine.Engine, sc *sched.Scheduler, handlers *registry.Registry) *Service {
	return &Service{store: s, engine: e, sched: sc, handlers: handlers}
}

// CreatePipeline validates and persists a new pipeline, assigning ids to
// the pipeline and any steps that lack one.
func (s *Service) CreatePipeline(ctx context.Context, p *model.Pipeline) (*model.Pipeline, error) {
	if p == nil || p.Name == "" {
		return nil, validationErr("pipeline name required")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Steps == nil {
		p.Steps = map[string]*model.PipelineStep{}
	}
	for id, ps := range p.Steps {
		if ps.ID == "" {
			ps.ID = id
		}
	}
	if err := p.Validate(); err != nil {
		return nil, validationErr("invalid pipeline: %s", err)
	}
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return nil, internalErr(err)
	}
	logging.Info("command", "pipeline created", "pipeline_id", p.ID, "name", p.Name)
	return p, nil
}

// UpdatePipeline overwrites an existing pipeline after validation.
func (s *Service) UpdatePipeline(ctx context.Context, p *model.Pipeline) error {
	if p == nil || p.ID == "" {
		return validationErr("pipeline id required")
	}
	if _, err := s.store.GetPipeline(ctx, p.ID); err != nil {
		return s.pipelineErr(p.ID, err)
	}
	if err := p.Validate(); err != nil {
		return validationErr("invalid pipeline: %s", err)
	}
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return internalErr(err)
	}
	return nil
}

// DeletePipeline removes a pipeline and every flow instantiated from it,
// including their schedules.
func (s *Service) DeletePipeline(ctx context.Context, id string) error {
	if _, err := s.store.GetPipeline(ctx, id); err != nil {
		return s.pipelineErr(id, err)
	}
	flows, err := s.store.ListFlowsByPipeline(ctx, id, 0)
	if err != nil {
		return internalErr(err)
	}
	for _, f := range flows {
		if err := s.DeleteFlow(ctx, f.ID); err != nil {
			return err
		}
	}
	if err := s.store.DeletePipeline(ctx, id); err != nil {
		return internalErr(err)
	}
	logging.Info("command", "pipeline deleted", "pipeline_id", id, "flows", len(flows))
	return nil
}

// AddStep appends a step to a pipeline and cascades a matching flow step
// into every dependent flow.
func (s *Service) AddStep(ctx context.Context, pipelineID string, ps *model.PipelineStep) error {
	if ps == nil || !ps.Kind.Valid() {
		return validationErr("step kind must be one of fetch, ai, publish, update, notify")
	}
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return s.pipelineErr(pipelineID, err)
	}
	if ps.ID == "" {
		ps.ID = uuid.NewString()
	}
	if _, dup := p.Steps[ps.ID]; dup {
		return validationErr("step %q already exists in pipeline %s", ps.ID, pipelineID)
	}
	p.Steps[ps.ID] = ps
	if err := p.Validate(); err != nil {
		delete(p.Steps, ps.ID)
		return validationErr("invalid step: %s", err)
	}
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return internalErr(err)
	}
	return s.forEachFlow(ctx, pipelineID, func(f *model.Flow) error {
		fsID := model.FlowStepID(ps.ID, f.ID)
		if _, ok := f.Steps[fsID]; ok {
			return nil
		}
		f.Steps[fsID] = &model.FlowStep{ID: fsID, PipelineStepID: ps.ID}
		return s.store.SaveFlow(ctx, f)
	})
}

// UpdateStep replaces one pipeline step definition.
func (s *Service) UpdateStep(ctx context.Context, pipelineID string, ps *model.PipelineStep) error {
	if ps == nil || ps.ID == "" {
		return validationErr("step id required")
	}
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return s.pipelineErr(pipelineID, err)
	}
	if _, ok := p.Steps[ps.ID]; !ok {
		return notFoundErr("step", ps.ID, "use get_pipeline to list its steps")
	}
	prev := p.Steps[ps.ID]
	p.Steps[ps.ID] = ps
	if err := p.Validate(); err != nil {
		p.Steps[ps.ID] = prev
		return validationErr("invalid step: %s", err)
	}
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return internalErr(err)
	}
	return nil
}

// DeleteStep removes a step from the pipeline and cascades removal from
// every dependent flow.
func (s *Service) DeleteStep(ctx context.Context, pipelineID, stepID string) error {
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return s.pipelineErr(pipelineID, err)
	}
	if _, ok := p.Steps[stepID]; !ok {
		return notFoundErr("step", stepID, "use get_pipeline to list its steps")
	}
	delete(p.Steps, stepID)
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return internalErr(err)
	}
	return s.forEachFlow(ctx, pipelineID, func(f *model.Flow) error {
		fsID := model.FlowStepID(stepID, f.ID)
		if _, ok := f.Steps[fsID]; !ok {
			return nil
		}
		delete(f.Steps, fsID)
		return s.store.SaveFlow(ctx, f)
	})
}

// ReorderSteps applies a new execution order to a pipeline's steps. Every
// step in the order map must exist, and the resulting order must stay a
// total order.
func (s *Service) ReorderSteps(ctx context.Context, pipelineID string, order map[string]int) error {
	if len(order) == 0 {
		return validationErr("order map required")
	}
	p, err := s.store.GetPipeline(ctx, pipelineID)
	if err != nil {
		return s.pipelineErr(pipelineID, err)
	}
	prev := make(map[string]int, len(order))
	for stepID, pos := range order {
		ps, ok := p.Steps[stepID]
		if !ok {
			return notFoundErr("step", stepID, "use get_pipeline to list its steps")
		}
		prev[stepID] = ps.ExecutionOrder
		ps.ExecutionOrder = pos
	}
	if err := p.Validate(); err != nil {
		for stepID, pos := range prev {
			p.Steps[stepID].ExecutionOrder = pos
		}
		return validationErr("invalid order: %s", err)
	}
	if err := s.store.SavePipeline(ctx, p); err != nil {
		return internalErr(err)
	}
	return nil
}

func (s *Service) forEachFlow(ctx context.Context, pipelineID string, fn func(*model.Flow) error) error {
	flows, err := s.store.ListFlowsByPipeline(ctx, pipelineID, 0)
	if err != nil {
		return internalErr(err)
	}
	for _, f := range flows {
		if err := fn(f); err != nil {
			return internalErr(err)
		}
	}
	return nil
}

func (s *Service) pipelineErr(id string, err error) error {
	if err == store.ErrNotFound {
		return notFoundErr("pipeline", id, "use list_pipelines to find valid IDs")
	}
	return internalErr(err)
}

func (s *Service) flowErr(id string, err error) error {
	if err == store.ErrNotFound {
		return notFoundErr("flow", id, "use list_flows to find valid IDs")
	}
	return internalErr(err)
}
