package registry

import (
	"fmt"

	"github.com/flowpress/flowpress/core/infra/schema"
)

// ResolveConfig merges config layers against the descriptor's field schema
// and validates the result. Layers are ordered lowest precedence first; a
// later layer overrides an earlier one. Schema defaults sit below every
// layer, so the full order is:
//
//	explicit per-call > per-flow > site default > schema default
//
// with callers passing (siteDefaults, flowConfig, callConfig).
func ResolveConfig(d *Descriptor, layers ...map[string]any) (map[string]any, error) {
	if d == nil {
		return nil, fmt.Errorf("nil descriptor")
	}
	merged := make(map[string]any, len(d.Fields))
	for name, f := range d.Fields {
		if f.Default != nil {
			merged[name] = f.Default
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			if _, known := d.Fields[k]; !known {
				return nil, fmt.Errorf("handler %s: unknown config field %q", d.Slug, k)
			}
			merged[k] = v
		}
	}
	if err := ValidateConfig(d, merged); err != nil {
		return nil, err
	}
	return merged, nil
}

// ValidateConfig checks a fully-merged config against the field schema.
func ValidateConfig(d *Descriptor, config map[string]any) error {
	if d == nil {
		return fmt.Errorf("nil descriptor")
	}
	if len(d.Fields) == 0 {
		return nil
	}
	if err := schema.Validate("handler-"+d.Slug, d.JSONSchema(), config); err != nil {
		return fmt.Errorf("handler %s config: %w", d.Slug, err)
	}
	return nil
}

// JSONSchema compiles the descriptor's field declarations into a JSON-schema
// document.
func (d *Descriptor) JSONSchema() map[string]any {
	props := make(map[string]any, len(d.Fields))
	var required []string
	for name, f := range d.Fields {
		prop := map[string]any{"type": jsonType(f.Type)}
		if len(f.Options) > 0 {
			enum := make([]any, len(f.Options))
			for i, o := range f.Options {
				enum[i] = o
			}
			prop["enum"] = enum
		}
		props[name] = prop
		if f.Required {
			required = append(required, name)
		}
	}
	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return doc
}

func jsonType(fieldType string) string {
	switch fieldType {
	case FieldInt:
		return "integer"
	case FieldNumber:
		return "number"
	case FieldBool:
		return "boolean"
	default:
		return "string"
	}
}
