// Package tools implements the AI tool registry and executor: tools are
// registered globally at startup, a step's disabled list subtracts from the
// global set, call arguments are validated against each tool's declared
// parameters, and every execution is normalized into a result the
// conversation loop can correlate back to its call.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/flowpress/flowpress/core/ai"
	"github.com/flowpress/flowpress/core/infra/schema"
	"github.com/flowpress/flowpress/core/model"
)

// Param declares one tool parameter. EngineKey names the engine snapshot
// parameter that can supply the value; when the snapshot has it, the
// parameter is elided from the schema shown to the model.
type Param struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
	EngineKey   string `json:"engine_key,omitempty"`
}

// Spec declares one tool.
type Spec struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Params      map[string]Param `json:"params,omitempty"`
}

// Result is the normalized outcome of one tool execution. ToolName is
// always set so multi-call turns can correlate results to calls.
type Result struct {
	Success  bool   `json:"success"`
	Data     any    `json:"data,omitempty"`
	Error    string `json:"error,omitempty"`
	ToolName string `json:"tool_name"`
}

// Invocation is the job context a tool executes in. Delta is provided by
// the caller; tools write status overrides and engine params into it.
type Invocation struct {
	JobID      string
	FlowID     string
	FlowStepID string
	Params     map[string]string
	Delta      *model.SnapshotDelta
}

// Tool is one registered AI tool.
type Tool interface {
	Spec() *Spec
	Execute(ctx context.Context, inv *Invocation, args map[string]any) (*Result, error)
}

// Registry holds the globally enabled tool set.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the global set.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Spec() == nil || t.Spec().Name == "" {
		return fmt.Errorf("tool requires a spec with a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Spec().Name
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Enabled resolves the tool names available to a step: the global set minus
// the step's disabled list. An empty disabled list means every global tool
// is available.
func (r *Registry) Enabled(disabled []string) []string {
	off := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		off[name] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		if !off[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Specs builds the model-facing tool specs for a step. Parameters whose
// engine key is already present in engineParams are elided so the model is
// never asked to re-supply known data.
func (r *Registry) Specs(disabled []string, engineParams map[string]string) []ai.ToolSpec {
	names := r.Enabled(disabled)
	out := make([]ai.ToolSpec, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		spec := r.tools[name].Spec()
		out = append(out, ai.ToolSpec{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  paramSchema(spec, engineParams),
		})
	}
	return out
}

func paramSchema(spec *Spec, engineParams map[string]string) map[string]any {
	props := make(map[string]any)
	var required []string
	for name, p := range spec.Params {
		if elided(p, engineParams) {
			continue
		}
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
		if p.Required {
			required = append(required, name)
		}
	}
	sort.Strings(required)
	doc := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func elided(p Param, engineParams map[string]string) bool {
	return p.EngineKey != "" && engineParams[p.EngineKey] != ""
}

// Execute runs one tool call in the given invocation context. Failures are
// reported through the result, never a Go error, so the conversation loop
// can always hand something back to the model.
func (r *Registry) Execute(ctx context.Context, inv *Invocation, call ai.ToolCall) *Result {
	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return &Result{ToolName: call.Name, Error: fmt.Sprintf("unknown tool %q", call.Name)}
	}
	spec := tool.Spec()

	args := make(map[string]any, len(call.Args))
	for k, v := range call.Args {
		args[k] = v
	}
	// Back-fill elided parameters from the engine snapshot.
	for name, p := range spec.Params {
		if _, present := args[name]; !present && elided(p, inv.Params) {
			args[name] = inv.Params[p.EngineKey]
		}
	}

	var required []string
	for name, p := range spec.Params {
		if p.Required {
			required = append(required, name)
		}
	}
	if missing := schema.MissingRequired(required, args); len(missing) > 0 {
		return &Result{
			ToolName: call.Name,
			Error:    fmt.Sprintf("missing required parameter(s): %s", strings.Join(missing, ", ")),
		}
	}

	res, err := tool.Execute(ctx, inv, args)
	if err != nil {
		return &Result{ToolName: call.Name, Error: err.Error()}
	}
	if res == nil {
		res = &Result{Success: true}
	}
	res.ToolName = call.Name
	return res
}
