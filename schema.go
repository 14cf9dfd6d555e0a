package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/qri-io/jsonschema"
)

// ParamKind is the small fixed type vocabulary shared by every extension source. Kinds
// outside the vocabulary degrade to KindAny, never to a load failure.
type ParamKind string

// ParamKind values.
const (
	KindString  ParamKind = "string"
	KindNumber  ParamKind = "number"
	KindBoolean ParamKind = "boolean"
	KindArray   ParamKind = "array"
	KindObject  ParamKind = "object"
	KindAny     ParamKind = "any"
)

// ParamSpec declares a single tool or prompt parameter. Default is only meaningful when
// Optional is true.
type ParamSpec struct {
	Kind        ParamKind
	Description string
	Optional    bool
	Default     any
}

// ParamSchema couples the JSON Schema document sent to clients with the compiled
// validator applied to arguments before a handler runs.
type ParamSchema struct {
	specs map[string]ParamSpec
	doc   json.RawMessage
	rs    *jsonschema.Schema
}

// KindFromDeclared maps a declared-kind string from an extension manifest to a ParamKind.
// The recognized vocabulary follows the manifest contract: "string()", "number()",
// "number().int()", "boolean()", "array()", "object()". Anything else maps to KindAny.
func KindFromDeclared(decl string) ParamKind {
	switch {
	case strings.HasPrefix(decl, "string"):
		return KindString
	case strings.HasPrefix(decl, "number"):
		return KindNumber
	case strings.HasPrefix(decl, "boolean"):
		return KindBoolean
	case strings.HasPrefix(decl, "array"):
		return KindArray
	case strings.HasPrefix(decl, "object"):
		return KindObject
	default:
		return KindAny
	}
}

// BuildSchema converts parameter specs into a ParamSchema. Non-optional fields land in
// the schema's required array; defaults are attached to their property schema.
func BuildSchema(specs map[string]ParamSpec) (*ParamSchema, error) {
	properties := make(map[string]any, len(specs))
	var required []string

	for name, spec := range specs {
		prop := make(map[string]any)
		if spec.Kind != KindAny {
			prop["type"] = string(spec.Kind)
		}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		if spec.Optional {
			if spec.Default != nil {
				prop["default"] = spec.Default
			}
		} else {
			required = append(required, name)
		}
		properties[name] = prop
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}

	docBs, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(docBs, rs); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &ParamSchema{specs: specs, doc: docBs, rs: rs}, nil
}

// Doc returns the JSON Schema document for the wire Tool.InputSchema field.
func (p *ParamSchema) Doc() json.RawMessage {
	if p == nil {
		return nil
	}
	return p.doc
}

// Validate checks arguments against the compiled schema. A nil or empty payload is
// treated as an empty object so tools without required parameters accept bare calls.
func (p *ParamSchema) Validate(ctx context.Context, args json.RawMessage) error {
	if p == nil || p.rs == nil {
		return nil
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	vErrs, err := p.rs.ValidateBytes(ctx, args)
	if err != nil {
		return fmt.Errorf("failed to validate arguments: %w", err)
	}
	if len(vErrs) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(vErrs))
	for _, vErr := range vErrs {
		msgs = append(msgs, vErr.Message)
	}
	return fmt.Errorf("params validation failed: %s", strings.Join(msgs, ", "))
}

// ApplyDefaults fills declared defaults into the argument map for optional fields the
// caller omitted.
func (p *ParamSchema) ApplyDefaults(args map[string]any) map[string]any {
	if args == nil {
		args = make(map[string]any)
	}
	if p == nil {
		return args
	}
	for name, spec := range p.specs {
		if _, ok := args[name]; ok {
			continue
		}
		if spec.Optional && spec.Default != nil {
			args[name] = spec.Default
		}
	}
	return args
}

// TypeSummary renders a human-readable parameter summary for introspection endpoints.
// Optional fields render as "<type> (optional)".
func TypeSummary(specs map[string]ParamSpec) map[string]string {
	summary := make(map[string]string, len(specs))
	for name, spec := range specs {
		s := string(spec.Kind)
		if spec.Optional {
			s += " (optional)"
		}
		summary[name] = s
	}
	return summary
}

// PromptArguments converts parameter specs into the wire prompt argument list.
func PromptArguments(specs map[string]ParamSpec) []PromptArgument {
	args := make([]PromptArgument, 0, len(specs))
	for name, spec := range specs {
		args = append(args, PromptArgument{
			Name:        name,
			Description: spec.Description,
			Required:    !spec.Optional,
		})
	}
	sort.Slice(args, func(i, j int) bool { return args[i].Name < args[j].Name })
	return args
}

// SpecsFromSchema derives parameter specs from an external tool's JSON Schema. Fields
// listed in the schema's required array become non-optional; unknown or missing types
// degrade to KindAny.
func SpecsFromSchema(inputSchema json.RawMessage) (map[string]ParamSpec, error) {
	specs := make(map[string]ParamSpec)
	if len(inputSchema) == 0 {
		return specs, nil
	}

	var doc struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Default     any    `json:"default"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(inputSchema, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input schema: %w", err)
	}

	required := make(map[string]struct{}, len(doc.Required))
	for _, name := range doc.Required {
		required[name] = struct{}{}
	}

	for name, prop := range doc.Properties {
		kind := KindAny
		switch prop.Type {
		case "string":
			kind = KindString
		case "number", "integer":
			kind = KindNumber
		case "boolean":
			kind = KindBoolean
		case "array":
			kind = KindArray
		case "object":
			kind = KindObject
		}
		_, req := required[name]
		specs[name] = ParamSpec{
			Kind:        kind,
			Description: prop.Description,
			Optional:    !req,
			Default:     prop.Default,
		}
	}

	return specs, nil
}
