// Package ai defines the model-provider contract used by AI steps: a
// Complete call that takes conversation messages plus exposed tools and
// returns either assistant content or tool calls, never both.
package ai

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolSpec describes one tool exposed to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is one completion call.
type Request struct {
	Model    string     `json:"model,omitempty"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// Response carries either final content or tool calls, never both.
type Response struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// HasToolCalls reports whether the model asked for tool execution.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Provider is the model backend contract.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Providers is a registry of model backends keyed by name, with a default
// used when a step names no provider.
type Providers struct {
	mu          sync.RWMutex
	byName      map[string]Provider
	defaultName string
}

// NewProviders returns an empty provider registry.
func NewProviders() *Providers {
	return &Providers{byName: make(map[string]Provider)}
}

// Register adds a provider; the first registration becomes the default.
func (p *Providers) Register(prov Provider) error {
	if prov == nil || prov.Name() == "" {
		return fmt.Errorf("provider requires a name")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name := prov.Name()
	if _, dup := p.byName[name]; dup {
		return fmt.Errorf("provider %s already registered", name)
	}
	p.byName[name] = prov
	if p.defaultName == "" {
		p.defaultName = name
	}
	return nil
}

// Get resolves a provider by name; an empty name resolves the default.
func (p *Providers) Get(name string) (Provider, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if name == "" {
		name = p.defaultName
	}
	if name == "" {
		return nil, fmt.Errorf("no providers registered")
	}
	prov, ok := p.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return prov, nil
}

// Names returns registered provider names, sorted.
func (p *Providers) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.byName))
	for name := range p.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
