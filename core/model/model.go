package model

import (
	"fmt"
	"sort"
	"time"
)

// StepKind identifies the kind of step in a pipeline.
type StepKind string

const (
	StepKindFetch   StepKind = "fetch"
	StepKindAI      StepKind = "ai"
	StepKindPublish StepKind = "publish"
	StepKindUpdate  StepKind = "update"
	StepKindNotify  StepKind = "notify"
)

// Valid reports whether the kind is a member of the closed set.
func (k StepKind) Valid() bool {
	switch k {
	case StepKindFetch, StepKindAI, StepKindPublish, StepKindUpdate, StepKindNotify:
		return true
	}
	return false
}

// Queueable reports whether a step of this kind may pop its prompt from the
// flow queue when no static prompt is configured.
func (k StepKind) Queueable() bool {
	return k == StepKindAI || k == StepKindNotify
}

// AISettings configures the model conversation for an AI step.
type AISettings struct {
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model,omitempty"`
	SystemPrompt  string   `json:"system_prompt,omitempty"`
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// PipelineStep is one node in a pipeline template.
type PipelineStep struct {
	ID             string      `json:"id"`
	Name           string      `json:"name,omitempty"`
	Kind           StepKind    `json:"kind"`
	ExecutionOrder int         `json:"execution_order"`
	AI             *AISettings `json:"ai,omitempty"`
}

// Pipeline is a reusable workflow template.
type Pipeline struct {
	ID        string                   `json:"id"`
	Name      string                   `json:"name"`
	Steps     map[string]*PipelineStep `json:"steps"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// OrderedSteps returns the pipeline steps sorted by execution_order.
func (p *Pipeline) OrderedSteps() []*PipelineStep {
	if p == nil {
		return nil
	}
	out := make([]*PipelineStep, 0, len(p.Steps))
	for _, step := range p.Steps {
		out = append(out, step)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExecutionOrder < out[j].ExecutionOrder
	})
	return out
}

// Validate checks step kinds and the execution_order total order.
func (p *Pipeline) Validate() error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("pipeline id required")
	}
	seen := make(map[int]string, len(p.Steps))
	for id, step := range p.Steps {
		if step == nil {
			return fmt.Errorf("step %s: nil definition", id)
		}
		if !step.Kind.Valid() {
			return fmt.Errorf("step %s: unknown kind %q", id, step.Kind)
		}
		if prev, dup := seen[step.ExecutionOrder]; dup {
			return fmt.Errorf("steps %s and %s share execution_order %d", prev, id, step.ExecutionOrder)
		}
		seen[step.ExecutionOrder] = id
	}
	return nil
}

// ScheduleMode selects how a flow is triggered.
type ScheduleMode string

const (
	ScheduleManual   ScheduleMode = "manual"
	ScheduleInterval ScheduleMode = "interval"
	ScheduleCron     ScheduleMode = "cron"
)

// ScheduleConfig holds a flow's trigger mode plus run-tracking counters.
type ScheduleConfig struct {
	Mode     ScheduleMode `json:"mode"`
	Interval string       `json:"interval,omitempty"`
	Cron     string       `json:"cron,omitempty"`

	ConsecutiveFailures int        `json:"consecutive_failures"`
	ConsecutiveNoItems  int        `json:"consecutive_no_items"`
	Problem             bool       `json:"problem,omitempty"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastRunStatus       string     `json:"last_run_status,omitempty"`
}

// FlowStep is the per-flow configuration of one pipeline step.
// The prompt queue itself lives in its own store so concurrent jobs can pop
// atomically; only the enablement flag is part of the flow document.
type FlowStep struct {
	ID             string         `json:"id"`
	PipelineStepID string         `json:"pipeline_step_id"`
	HandlerSlug    string         `json:"handler_slug,omitempty"`
	HandlerConfig  map[string]any `json:"handler_config,omitempty"`
	UserMessage    string         `json:"user_message,omitempty"`
	QueueEnabled   bool           `json:"queue_enabled"`
}

// Flow is a configured, schedulable instance of exactly one pipeline.
type Flow struct {
	ID         string               `json:"id"`
	PipelineID string               `json:"pipeline_id"`
	Name       string               `json:"name"`
	Schedule   ScheduleConfig       `json:"schedule"`
	Steps      map[string]*FlowStep `json:"steps"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// FlowStepID derives the stable flow-step identifier from its parents.
// The derivation is deterministic so the id can always be reconstructed.
func FlowStepID(pipelineStepID, flowID string) string {
	return pipelineStepID + "_" + flowID
}

// StepFor returns the flow step configured for a pipeline step, if any.
func (f *Flow) StepFor(pipelineStepID string) *FlowStep {
	if f == nil {
		return nil
	}
	return f.Steps[FlowStepID(pipelineStepID, f.ID)]
}

// Validate checks that every flow step references an existing pipeline step
// and carries the expected derived id.
func (f *Flow) Validate(p *Pipeline) error {
	if f == nil || f.ID == "" {
		return fmt.Errorf("flow id required")
	}
	if p == nil || f.PipelineID != p.ID {
		return fmt.Errorf("flow %s: pipeline mismatch", f.ID)
	}
	for id, fs := range f.Steps {
		if fs == nil {
			return fmt.Errorf("flow step %s: nil definition", id)
		}
		if _, ok := p.Steps[fs.PipelineStepID]; !ok {
			return fmt.Errorf("flow step %s: unknown pipeline step %q", id, fs.PipelineStepID)
		}
		if want := FlowStepID(fs.PipelineStepID, f.ID); id != want {
			return fmt.Errorf("flow step %s: id should be %s", id, want)
		}
	}
	return nil
}

// InstantiateFlow creates a flow from a pipeline, auto-populating one flow
// step per pipeline step.
func InstantiateFlow(id, name string, p *Pipeline) *Flow {
	f := &Flow{
		ID:         id,
		PipelineID: p.ID,
		Name:       name,
		Schedule:   ScheduleConfig{Mode: ScheduleManual},
		Steps:      make(map[string]*FlowStep, len(p.Steps)),
	}
	for stepID := range p.Steps {
		fsID := FlowStepID(stepID, id)
		f.Steps[fsID] = &FlowStep{ID: fsID, PipelineStepID: stepID}
	}
	return f
}
