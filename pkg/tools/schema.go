package tools

import (
	"fmt"
	"math"
	"sort"
)

// ToolDefinition describes a tool to the language model.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// InputSchema is the JSON schema subset used for tool arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one argument. Items is set for arrays; Properties and Required for objects.
type Property struct {
	Type        string              `json:"type"`
	Description string              `json:"description,omitempty"`
	Items       *Property           `json:"items,omitempty"`
	Properties  map[string]Property `json:"properties,omitempty"`
	Required    []string            `json:"required,omitempty"`
}

// ValidationError reports the first argument that violates a tool's schema.
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("invalid arguments for %s: %s %s", e.Tool, e.Field, e.Reason)
}

// Validate checks args against the schema and reports the first violation.
// Unknown arguments are ignored.
func (s InputSchema) Validate(tool string, args map[string]any) error {
	return validateObject(tool, "", s.Properties, s.Required, args)
}

func validateObject(tool, prefix string, props map[string]Property, required []string, args map[string]any) error {
	for _, name := range required {
		if v, ok := args[name]; !ok || v == nil {
			return &ValidationError{Tool: tool, Field: join(prefix, name), Reason: "is required"}
		}
	}

	// Sorted so the reported violation is stable.
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v, ok := args[name]
		if !ok || v == nil {
			continue
		}
		if err := validateValue(tool, join(prefix, name), props[name], v); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(tool, field string, prop Property, v any) error {
	mismatch := func() error {
		return &ValidationError{Tool: tool, Field: field, Reason: fmt.Sprintf("must be of type %s", prop.Type)}
	}

	switch prop.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return mismatch()
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return mismatch()
		}
	case "number":
		if _, ok := asFloat(v); !ok {
			return mismatch()
		}
	case "integer":
		f, ok := asFloat(v)
		if !ok || f != math.Trunc(f) {
			return mismatch()
		}
	case "array":
		items, ok := v.([]any)
		if !ok {
			return mismatch()
		}
		if prop.Items == nil {
			return nil
		}
		for i, item := range items {
			if err := validateValue(tool, fmt.Sprintf("%s[%d]", field, i), *prop.Items, item); err != nil {
				return err
			}
		}
	case "object":
		obj, ok := v.(map[string]any)
		if !ok {
			return mismatch()
		}
		return validateObject(tool, field, prop.Properties, prop.Required, obj)
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// JSONSchema renders the schema as a plain JSON-schema object for provider SDKs.
func (s InputSchema) JSONSchema() map[string]any {
	out := map[string]any{
		"type":       "object",
		"properties": propertiesSchema(s.Properties),
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// JSONSchema renders the property as a JSON-schema fragment.
func (p Property) JSONSchema() map[string]any {
	out := map[string]any{"type": p.Type}
	if p.Description != "" {
		out["description"] = p.Description
	}
	if p.Items != nil {
		out["items"] = p.Items.JSONSchema()
	}
	if p.Type == "object" {
		out["properties"] = propertiesSchema(p.Properties)
		if len(p.Required) > 0 {
			out["required"] = p.Required
		}
	}
	return out
}

func propertiesSchema(props map[string]Property) map[string]any {
	out := make(map[string]any, len(props))
	for name, prop := range props {
		out[name] = prop.JSONSchema()
	}
	return out
}
