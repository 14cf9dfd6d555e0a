package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Proxy republishes the tools of external MCP servers into a local registry. Each
// External source becomes one child process with an MCP client speaking newline-delimited
// JSON over its stdio; every remote tool is registered locally under
// "{sourceName}_{toolName}" with a forwarding handler.
//
// Instances are created with NewProxy and torn down with CloseAll.
type Proxy struct {
	info   Info
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*ExternalConnection
}

// ExternalConnection tracks one running external server: its child process and the
// client connected to it.
type ExternalConnection struct {
	SourceName string

	client *Client
	cmd    *exec.Cmd
}

// NewProxy creates a proxy that introduces itself to external servers as info.
func NewProxy(info Info, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		info:   info,
		logger: logger.With(slog.String("component", "proxy")),
		conns:  make(map[string]*ExternalConnection),
	}
}

// Load spawns the external server, connects to it and registers its tools into the
// registry. env entries are appended to the parent environment. The connection stays
// open for forwarding until CloseAll.
func (p *Proxy) Load(
	ctx context.Context,
	registry *Registry,
	sourceName, command string,
	args []string,
	env map[string]string,
) error {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdin pipe for %s: %w", sourceName, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open stdout pipe for %s: %w", sourceName, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start external server %s: %w", sourceName, err)
	}

	client := NewClient(p.info, NewStdIO(stdout, stdin, p.logger),
		WithClientLogger(p.logger.With(slog.String("source", sourceName))))
	if err := client.Connect(ctx); err != nil {
		client.Close()
		p.kill(sourceName, cmd)
		return fmt.Errorf("failed to connect to external server %s: %w", sourceName, err)
	}

	if err := p.registerTools(ctx, registry, sourceName, client); err != nil {
		client.Close()
		p.kill(sourceName, cmd)
		return err
	}

	p.mu.Lock()
	p.conns[sourceName] = &ExternalConnection{SourceName: sourceName, client: client, cmd: cmd}
	p.mu.Unlock()

	return nil
}

// registerTools enumerates the external server's tools and registers a forwarding
// descriptor for each one.
func (p *Proxy) registerTools(ctx context.Context, registry *Registry, sourceName string, client *Client) error {
	res, err := client.ListTools(ctx, ListToolsParams{})
	if err != nil {
		return fmt.Errorf("failed to list tools of %s: %w", sourceName, err)
	}

	for _, tool := range res.Tools {
		specs, err := SpecsFromSchema(tool.InputSchema)
		if err != nil {
			p.logger.Warn("failed to convert input schema, exposing untyped parameters",
				slog.String("source", sourceName),
				slog.String("tool", tool.Name),
				slog.String("err", err.Error()))
			specs = map[string]ParamSpec{}
		}

		localName := fmt.Sprintf("%s_%s", sourceName, tool.Name)
		def := ToolDef{
			Name:        localName,
			Description: tool.Description,
			Params:      specs,
			Handler:     p.forwardHandler(client, tool.Name),
		}
		if err := registry.RegisterTool(sourceName, def); err != nil {
			p.logger.Warn("failed to register proxied tool",
				slog.String("source", sourceName),
				slog.String("tool", localName),
				slog.String("err", err.Error()))
		}
	}

	p.logger.Info("registered external server",
		slog.String("source", sourceName),
		slog.Int("tools", len(res.Tools)))
	return nil
}

// forwardHandler relays a local call to the external server and returns its content
// verbatim, substituting a single text item when the server returned none.
func (p *Proxy) forwardHandler(client *Client, remoteName string) ToolHandler {
	return func(ctx context.Context, args map[string]any) ([]Content, error) {
		argsBs, err := marshalArgs(args)
		if err != nil {
			return nil, err
		}

		res, err := client.CallTool(ctx, CallToolParams{Name: remoteName, Arguments: argsBs})
		if err != nil {
			return nil, fmt.Errorf("external call failed: %w", err)
		}
		if res.IsError {
			return nil, fmt.Errorf("external tool failed: %s", contentText(res.Content))
		}
		if len(res.Content) == 0 {
			return []Content{{Type: ContentTypeText, Text: "No content returned"}}, nil
		}
		return res.Content, nil
	}
}

// Connections returns the names of the currently open external connections.
func (p *Proxy) Connections() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.conns))
	for name := range p.conns {
		names = append(names, name)
	}
	return names
}

// CloseAll tears down every external connection: clients are closed and children
// killed. Cleanup failures are logged, never returned.
func (p *Proxy) CloseAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*ExternalConnection)
	p.mu.Unlock()

	for name, conn := range conns {
		conn.client.Close()
		p.kill(name, conn.cmd)
	}
}

func marshalArgs(args map[string]any) (json.RawMessage, error) {
	if args == nil {
		args = map[string]any{}
	}
	argsBs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	return argsBs, nil
}

func contentText(content []Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (p *Proxy) kill(sourceName string, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Kill(); err != nil {
		p.logger.Warn("failed to kill external server",
			slog.String("source", sourceName),
			slog.String("err", err.Error()))
	}
	// Reap the child so it doesn't linger as a zombie.
	go func() { _ = cmd.Wait() }()
}
