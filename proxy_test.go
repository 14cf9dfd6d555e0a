package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

// startRemoteServer runs a Server over in-memory pipes, standing in for an external MCP
// server child process, and returns a connected client.
func startRemoteServer(t *testing.T, registry *Registry) *Client {
	t.Helper()

	serverReader, clientWriter := io.Pipe()
	clientReader, serverWriter := io.Pipe()
	t.Cleanup(func() {
		serverReader.Close()
		clientWriter.Close()
		clientReader.Close()
		serverWriter.Close()
	})

	srv := NewServer(Info{Name: "remote", Version: "1.0"}, NewStdIO(serverReader, serverWriter, nil), registry)
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Logf("remote server forced to shutdown: %v", err)
		}
	})

	client := NewClient(Info{Name: "proxy", Version: "1.0"}, NewStdIO(clientReader, clientWriter, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect to remote: %v", err)
	}
	t.Cleanup(client.Close)

	return client
}

func newRemoteRegistry(t *testing.T) *Registry {
	t.Helper()

	registry := NewRegistry(nil)

	defs := []ToolDef{
		echoToolDef(nil),
		{
			Name:   "fail",
			Params: map[string]ParamSpec{},
			Handler: func(_ context.Context, _ map[string]any) ([]Content, error) {
				return nil, fmt.Errorf("remote boom")
			},
		},
		{
			Name:   "silent",
			Params: map[string]ParamSpec{},
			Handler: func(_ context.Context, _ map[string]any) ([]Content, error) {
				return nil, nil
			},
		},
	}
	for _, def := range defs {
		if err := registry.RegisterTool("remote", def); err != nil {
			t.Fatalf("failed to register %s: %v", def.Name, err)
		}
	}
	return registry
}

func TestProxyRegisterTools(t *testing.T) {
	client := startRemoteServer(t, newRemoteRegistry(t))

	local := NewRegistry(nil)
	proxy := NewProxy(Info{Name: "host", Version: "1.0"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := proxy.registerTools(ctx, local, "mysource", client); err != nil {
		t.Fatalf("failed to register tools: %v", err)
	}

	tools := local.Tools()
	if len(tools) != 3 {
		t.Fatalf("got %d tools, want 3", len(tools))
	}
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	want := []string{"mysource_echo", "mysource_fail", "mysource_silent"}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("got tools %v, want %v", names, want)
			break
		}
	}

	// The remote schema survives the round trip.
	_, err := local.CallTool(ctx, "mysource_echo", json.RawMessage(`{"message":42}`))
	if err == nil {
		t.Error("expected validation error for wrong-typed param")
	}
}

func TestProxyForwardsCalls(t *testing.T) {
	client := startRemoteServer(t, newRemoteRegistry(t))

	local := NewRegistry(nil)
	proxy := NewProxy(Info{Name: "host", Version: "1.0"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := proxy.registerTools(ctx, local, "mysource", client); err != nil {
		t.Fatalf("failed to register tools: %v", err)
	}

	result, err := local.CallTool(ctx, "mysource_echo", json.RawMessage(`{"message":"hi"}`))
	if err != nil {
		t.Fatalf("failed to call forwarded tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hi" {
		t.Errorf("got %v, want remote content verbatim", result.Content)
	}
}

func TestProxyForwardsRemoteFailure(t *testing.T) {
	client := startRemoteServer(t, newRemoteRegistry(t))

	local := NewRegistry(nil)
	proxy := NewProxy(Info{Name: "host", Version: "1.0"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := proxy.registerTools(ctx, local, "mysource", client); err != nil {
		t.Fatalf("failed to register tools: %v", err)
	}

	_, err := local.CallTool(ctx, "mysource_fail", nil)
	if err == nil || !strings.Contains(err.Error(), "remote boom") {
		t.Errorf("got %v, want remote failure surfaced", err)
	}
}

func TestProxySubstitutesEmptyContent(t *testing.T) {
	client := startRemoteServer(t, newRemoteRegistry(t))

	local := NewRegistry(nil)
	proxy := NewProxy(Info{Name: "host", Version: "1.0"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := proxy.registerTools(ctx, local, "mysource", client); err != nil {
		t.Fatalf("failed to register tools: %v", err)
	}

	result, err := local.CallTool(ctx, "mysource_silent", nil)
	if err != nil {
		t.Fatalf("failed to call forwarded tool: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "No content returned" {
		t.Errorf("got %v, want substituted text content", result.Content)
	}
}
