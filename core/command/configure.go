package command

import (
	"context"

	"github.com/flowpress/flowpress/core/infra/logging"
	"github.com/flowpress/flowpress/core/model"
	"github.com/flowpress/flowpress/core/registry"
)

// ConfigureRequest targets flow steps for configuration. Exactly one
// targeting shape must be used:
//   - FlowID (optionally FlowStepID) for a single flow;
//   - PipelineID plus HandlerSlug, or PipelineID plus AllFlows, for a
//     pipeline-wide bulk;
//   - HandlerSlug alone for a global bulk across every pipeline.
//
// A PipelineID with neither a handler filter nor the AllFlows opt-in is
// rejected outright to prevent accidental mass mutation.
type ConfigureRequest struct {
	FlowID      string `json:"flow_id,omitempty"`
	FlowStepID  string `json:"flow_step_id,omitempty"`
	PipelineID  string `json:"pipeline_id,omitempty"`
	HandlerSlug string `json:"handler_slug,omitempty"`
	AllFlows    bool   `json:"all_flows,omitempty"`

	Config       map[string]any `json:"config,omitempty"`
	UserMessage  *string        `json:"user_message,omitempty"`
	QueueEnabled *bool          `json:"queue_enabled,omitempty"`

	// ValidateOnly reports what would change without mutating anything.
	ValidateOnly bool `json:"validate_only,omitempty"`
}

// ConfigureFailure is one per-step failure in a bulk report.
type ConfigureFailure struct {
	FlowID     string `json:"flow_id"`
	FlowStepID string `json:"flow_step_id"`
	Error      string `json:"error"`
}

// ConfigureReport is the partial-success result of a configure operation.
type ConfigureReport struct {
	ValidateOnly bool               `json:"validate_only,omitempty"`
	Updated      int                `json:"updated"`
	Failures     []ConfigureFailure `json:"failures,omitempty"`
}

// ConfigureSteps applies a shared configuration patch across the targeted
// flow steps. Bulk operations collect per-step errors into a partial
// -success report instead of failing atomically; validate_only performs
// zero mutation.
func (s *Service) ConfigureSteps(ctx context.Context, req *ConfigureRequest) (*ConfigureReport, error) {
	if req == nil {
		return nil, validationErr("request required")
	}
	if err := s.checkTargeting(req); err != nil {
		return nil, err
	}

	flows, err := s.targetFlows(ctx, req)
	if err != nil {
		return nil, err
	}

	report := &ConfigureReport{ValidateOnly: req.ValidateOnly}
	for _, f := range flows {
		changed := false
		for _, fs := range targetSteps(f, req) {
			if err := s.applyStepConfig(fs, req); err != nil {
				report.Failures = append(report.Failures, ConfigureFailure{
					FlowID:     f.ID,
					FlowStepID: fs.ID,
					Error:      err.Error(),
				})
				continue
			}
			report.Updated++
			changed = true
		}
		if changed && !req.ValidateOnly {
			if err := s.store.SaveFlow(ctx, f); err != nil {
				return nil, internalErr(err)
			}
		}
	}
	if req.FlowStepID != "" && report.Updated == 0 && len(report.Failures) == 0 {
		return nil, notFoundErr("flow step", req.FlowStepID, "use get_flow to list its steps")
	}
	logging.Info("command", "steps configured",
		"updated", report.Updated,
		"failures", len(report.Failures),
		"validate_only", req.ValidateOnly)
	return report, nil
}

// checkTargeting enforces the explicit-targeting safety rule.
func (s *Service) checkTargeting(req *ConfigureRequest) error {
	if req.FlowID == "" && req.PipelineID == "" && req.HandlerSlug == "" {
		return validationErr("no target: set flow_id, pipeline_id, or handler_slug")
	}
	if req.FlowID == "" && req.PipelineID != "" && req.HandlerSlug == "" && !req.AllFlows {
		return &Error{
			Type:        ErrTypeValidation,
			Message:     "bulk configure scoped only by pipeline_id is not allowed",
			Diagnostic:  "this would mutate every flow of the pipeline",
			Remediation: "add a handler_slug filter or set all_flows=true to opt in explicitly",
		}
	}
	if req.Config == nil && req.UserMessage == nil && req.QueueEnabled == nil {
		return validationErr("nothing to apply: set config, user_message, or queue_enabled")
	}
	return nil
}

func (s *Service) targetFlows(ctx context.Context, req *ConfigureRequest) ([]*model.Flow, error) {
	if req.FlowID != "" {
		f, err := s.store.GetFlow(ctx, req.FlowID)
		if err != nil {
			return nil, s.flowErr(req.FlowID, err)
		}
		return []*model.Flow{f}, nil
	}
	if req.PipelineID != "" {
		if _, err := s.store.GetPipeline(ctx, req.PipelineID); err != nil {
			return nil, s.pipelineErr(req.PipelineID, err)
		}
		flows, err := s.store.ListFlowsByPipeline(ctx, req.PipelineID, 0)
		if err != nil {
			return nil, internalErr(err)
		}
		return flows, nil
	}
	flows, err := s.store.ListFlows(ctx, 0)
	if err != nil {
		return nil, internalErr(err)
	}
	return flows, nil
}

func targetSteps(f *model.Flow, req *ConfigureRequest) []*model.FlowStep {
	var out []*model.FlowStep
	for _, fs := range f.Steps {
		if req.FlowStepID != "" && fs.ID != req.FlowStepID {
			continue
		}
		if req.HandlerSlug != "" && fs.HandlerSlug != req.HandlerSlug {
			continue
		}
		if req.FlowStepID == "" && req.HandlerSlug == "" && fs.HandlerSlug == "" && req.Config != nil {
			// A config patch needs a handler schema to validate against.
			continue
		}
		out = append(out, fs)
	}
	return out
}

// applyStepConfig validates the patch against the step's handler schema
// and mutates the in-memory flow step. The caller decides whether the
// flow is persisted.
func (s *Service) applyStepConfig(fs *model.FlowStep, req *ConfigureRequest) error {
	if req.Config != nil {
		if fs.HandlerSlug == "" {
			return validationErr("step %s has no handler to configure", fs.ID)
		}
		h, err := s.handlers.Get(fs.HandlerSlug)
		if err != nil {
			return notFoundErr("handler", fs.HandlerSlug, "use list_handlers for registered slugs")
		}
		merged, err := mergeConfig(h.Descriptor(), fs.HandlerConfig, req.Config)
		if err != nil {
			return validationErr("%s", err)
		}
		fs.HandlerConfig = merged
	}
	if req.UserMessage != nil {
		fs.UserMessage = *req.UserMessage
	}
	if req.QueueEnabled != nil {
		fs.QueueEnabled = *req.QueueEnabled
	}
	return nil
}

func mergeConfig(d *registry.Descriptor, current, patch map[string]any) (map[string]any, error) {
	// Precedence: the explicit per-call patch beats the step's existing
	// config, which beats schema defaults.
	if _, err := registry.ResolveConfig(d, current, patch); err != nil {
		return nil, err
	}
	merged := make(map[string]any, len(current)+len(patch))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return merged, nil
}
