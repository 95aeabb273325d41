// Package registry holds the handler registry: startup-time registration of
// fetch/publish/update handlers into a typed map keyed by slug, plus config
// validation and default-merging against each handler's declared field
// schema.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowpress/flowpress/core/model"
)

// Field types accepted in a handler config schema.
const (
	FieldString = "string"
	FieldInt    = "int"
	FieldNumber = "number"
	FieldBool   = "bool"
)

// Field declares one handler config field.
type Field struct {
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Default  any      `json:"default,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Descriptor is a handler's capability declaration.
type Descriptor struct {
	Slug         string           `json:"slug"`
	Name         string           `json:"name"`
	Kinds        []model.StepKind `json:"kinds"`
	Fields       map[string]Field `json:"fields,omitempty"`
	RequiresAuth bool             `json:"requires_auth,omitempty"`
}

// Supports reports whether the handler serves steps of the given kind.
func (d *Descriptor) Supports(kind model.StepKind) bool {
	for _, k := range d.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Item is one content item produced by a fetch handler. Params carry engine
// parameters (source URL, image path) bound for the snapshot side channel,
// never the data packet.
type Item struct {
	Identifier string            `json:"identifier"`
	SourceType string            `json:"source_type"`
	Title      string            `json:"title,omitempty"`
	Content    string            `json:"content"`
	Params     map[string]string `json:"params,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// Result is the outcome of a publish or update call. Handlers report
// domain failures (e.g. content empty after sanitization) through ErrorType
// and Error rather than a Go error, so the engine surfaces them without
// retry.
type Result struct {
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	ErrorType string         `json:"error_type,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Handler is the contract every registered handler implements. A handler
// only has to do the kinds its descriptor declares; the others return
// ErrUnsupported.
type Handler interface {
	Descriptor() *Descriptor
	Fetch(ctx context.Context, config map[string]any) ([]Item, error)
	Publish(ctx context.Context, payload string, params map[string]string, config map[string]any) (*Result, error)
	Update(ctx context.Context, payload string, params map[string]string, config map[string]any) (*Result, error)
}

// ErrUnsupported is returned by handlers for kinds they do not declare.
var ErrUnsupported = fmt.Errorf("operation not supported by handler")

// Registry maps handler slugs to registered handlers. Registration happens
// at startup; lookups are read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under its descriptor slug. Duplicate slugs and
// malformed descriptors are rejected.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	d := h.Descriptor()
	if d == nil || d.Slug == "" {
		return fmt.Errorf("handler descriptor missing slug")
	}
	if len(d.Kinds) == 0 {
		return fmt.Errorf("handler %s: no step kinds declared", d.Slug)
	}
	for _, k := range d.Kinds {
		if !k.Valid() {
			return fmt.Errorf("handler %s: unknown step kind %q", d.Slug, k)
		}
	}
	for name, f := range d.Fields {
		switch f.Type {
		case FieldString, FieldInt, FieldNumber, FieldBool:
		default:
			return fmt.Errorf("handler %s: field %s has unknown type %q", d.Slug, name, f.Type)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[d.Slug]; dup {
		return fmt.Errorf("handler %s already registered", d.Slug)
	}
	r.handlers[d.Slug] = h
	return nil
}

// Get looks up a handler by slug.
func (r *Registry) Get(slug string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[slug]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", slug)
	}
	return h, nil
}

// Slugs returns all registered slugs, sorted.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for slug := range r.handlers {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// ByKind returns the descriptors of all handlers serving the given kind.
func (r *Registry) ByKind(kind model.StepKind) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Descriptor
	for _, h := range r.handlers {
		if d := h.Descriptor(); d.Supports(kind) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
