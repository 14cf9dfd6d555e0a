package mcphost

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestBuiltinBundleUnknown(t *testing.T) {
	if _, err := BuiltinBundle("nope"); err == nil {
		t.Error("expected error for unknown builtin")
	}
}

func TestBuiltinUtility(t *testing.T) {
	registry := NewRegistry(nil)
	bundle, err := BuiltinBundle("utility")
	if err != nil {
		t.Fatalf("failed to resolve builtin: %v", err)
	}
	if err := registry.RegisterBundle("utility", bundle); err != nil {
		t.Fatalf("failed to register bundle: %v", err)
	}

	ctx := context.Background()

	result, err := registry.CallTool(ctx, "echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("failed to call echo: %v", err)
	}
	if result.Content[0].Text != "Echo: hi" {
		t.Errorf("got %q, want Echo: hi", result.Content[0].Text)
	}

	result, err = registry.CallTool(ctx, "add", json.RawMessage(`{"a":2,"b":3}`))
	if err != nil {
		t.Fatalf("failed to call add: %v", err)
	}
	if !strings.Contains(result.Content[0].Text, "5") {
		t.Errorf("got %q, want the sum", result.Content[0].Text)
	}

	t.Setenv("MCPHOST_TEST_KEY", "val")
	read, err := registry.ReadResource(ctx, "host://env/MCPHOST_TEST_KEY")
	if err != nil {
		t.Fatalf("failed to read env resource: %v", err)
	}
	if read.Contents[0].Text != "val" {
		t.Errorf("got %q, want val", read.Contents[0].Text)
	}

	prompt, err := registry.GetPrompt(ctx, "complex_prompt", map[string]string{"temperature": "0.5"})
	if err != nil {
		t.Fatalf("failed to get prompt: %v", err)
	}
	if !strings.Contains(prompt.Messages[0].Content.Text, "style=plain") {
		t.Errorf("got %q, want default style applied", prompt.Messages[0].Content.Text)
	}
}

func TestBuiltinTime(t *testing.T) {
	registry := NewRegistry(nil)
	bundle, err := BuiltinBundle("time")
	if err != nil {
		t.Fatalf("failed to resolve builtin: %v", err)
	}
	if err := registry.RegisterBundle("time", bundle); err != nil {
		t.Fatalf("failed to register bundle: %v", err)
	}

	result, err := registry.CallTool(context.Background(), "currentTime", json.RawMessage(`{"format":"2006"}`))
	if err != nil {
		t.Fatalf("failed to call currentTime: %v", err)
	}
	if len(result.Content[0].Text) != 4 {
		t.Errorf("got %q, want a four digit year", result.Content[0].Text)
	}
}
