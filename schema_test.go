package mcphost

import (
	"context"
	"encoding/json"
	"testing"
)

func TestKindFromDeclared(t *testing.T) {
	cases := []struct {
		decl string
		want ParamKind
	}{
		{"string()", KindString},
		{"number()", KindNumber},
		{"number().int()", KindNumber},
		{"boolean()", KindBoolean},
		{"array()", KindArray},
		{"object()", KindObject},
		{"tuple()", KindAny},
		{"", KindAny},
	}

	for _, c := range cases {
		if got := KindFromDeclared(c.decl); got != c.want {
			t.Errorf("KindFromDeclared(%q) = %q, want %q", c.decl, got, c.want)
		}
	}
}

func TestBuildSchemaValidation(t *testing.T) {
	schema, err := BuildSchema(map[string]ParamSpec{
		"a": {Kind: KindNumber},
		"b": {Kind: KindNumber},
		"note": {
			Kind:     KindString,
			Optional: true,
			Default:  "none",
		},
	})
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}

	ctx := context.Background()

	if err := schema.Validate(ctx, json.RawMessage(`{"a":2,"b":3}`)); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}

	if err := schema.Validate(ctx, json.RawMessage(`{"a":"two","b":3}`)); err == nil {
		t.Error("expected rejection for wrong-typed required field")
	}

	if err := schema.Validate(ctx, json.RawMessage(`{"b":3}`)); err == nil {
		t.Error("expected rejection for missing required field")
	}

	// Optional field may be absent.
	if err := schema.Validate(ctx, json.RawMessage(`{"a":1,"b":2}`)); err != nil {
		t.Errorf("absent optional field rejected: %v", err)
	}
}

func TestBuildSchemaEmptyArgs(t *testing.T) {
	schema, err := BuildSchema(map[string]ParamSpec{
		"verbose": {Kind: KindBoolean, Optional: true},
	})
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}

	// Tools without required parameters accept bare calls.
	if err := schema.Validate(context.Background(), nil); err != nil {
		t.Errorf("nil args rejected: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	schema, err := BuildSchema(map[string]ParamSpec{
		"name":  {Kind: KindString},
		"style": {Kind: KindString, Optional: true, Default: "plain"},
	})
	if err != nil {
		t.Fatalf("failed to build schema: %v", err)
	}

	args := schema.ApplyDefaults(map[string]any{"name": "x"})
	if args["style"] != "plain" {
		t.Errorf("got style %v, want plain", args["style"])
	}

	args = schema.ApplyDefaults(map[string]any{"name": "x", "style": "loud"})
	if args["style"] != "loud" {
		t.Errorf("default overwrote provided value: got %v", args["style"])
	}
}

func TestTypeSummary(t *testing.T) {
	summary := TypeSummary(map[string]ParamSpec{
		"a":    {Kind: KindNumber},
		"note": {Kind: KindString, Optional: true},
	})

	if summary["a"] != "number" {
		t.Errorf("got %q, want %q", summary["a"], "number")
	}
	if summary["note"] != "string (optional)" {
		t.Errorf("got %q, want %q", summary["note"], "string (optional)")
	}
}

func TestSpecsFromSchema(t *testing.T) {
	inputSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {"type": "string", "description": "What to echo"},
			"count": {"type": "integer", "default": 1},
			"blob": {"type": "custom"}
		},
		"required": ["message"]
	}`)

	specs, err := SpecsFromSchema(inputSchema)
	if err != nil {
		t.Fatalf("failed to convert schema: %v", err)
	}

	msg := specs["message"]
	if msg.Kind != KindString || msg.Optional {
		t.Errorf("message: got %+v, want required string", msg)
	}

	count := specs["count"]
	if count.Kind != KindNumber || !count.Optional {
		t.Errorf("count: got %+v, want optional number", count)
	}

	if specs["blob"].Kind != KindAny {
		t.Errorf("blob: got kind %q, want any", specs["blob"].Kind)
	}
}
