package mcphost

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("got listen %q, want :8080", cfg.Listen)
	}
	if cfg.SSEPath != "/sse" || cfg.MessagesPath != "/messages" {
		t.Errorf("got paths %q %q, want /sse /messages", cfg.SSEPath, cfg.MessagesPath)
	}
	if cfg.CallTimeout != 30*time.Second {
		t.Errorf("got call timeout %s, want 30s", cfg.CallTimeout)
	}
}

func TestLoadConfigFile(t *testing.T) {
	content := `
name: myhost
listen: ":9090"
call_timeout: 10s
sources:
  - name: utility
    type: builtin
  - name: weather
    type: external
    command: weather-server
    args: ["--port", "0"]
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Name != "myhost" || cfg.Listen != ":9090" {
		t.Errorf("got %q %q, want myhost :9090", cfg.Name, cfg.Listen)
	}
	if cfg.CallTimeout != 10*time.Second {
		t.Errorf("got call timeout %s, want 10s", cfg.CallTimeout)
	}
	// Unset fields keep their defaults.
	if cfg.SSEPath != "/sse" {
		t.Errorf("got sse path %q, want /sse", cfg.SSEPath)
	}
	if len(cfg.Sources) != 2 || cfg.Sources[1].Command != "weather-server" {
		t.Errorf("got sources %v, want utility and weather", cfg.Sources)
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	content := "listen: \":9090\"\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	t.Setenv("MCPHOST_LISTEN", ":7070")
	t.Setenv("MCPHOST_PYTHON", "/usr/local/bin/python3")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Listen != ":7070" {
		t.Errorf("got listen %q, want env override :7070", cfg.Listen)
	}
	if cfg.Python != "/usr/local/bin/python3" {
		t.Errorf("got python %q, want env override", cfg.Python)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.Sources = []SourceConfig{
		{Name: "utility", Type: SourceBuiltin},
		{Name: "mod", Type: SourceModule, Path: "ext.so"},
		{Name: "ext", Type: SourceExternal, Command: "server"},
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen", func(c *Config) { c.Listen = "" }},
		{"unnamed source", func(c *Config) { c.Sources = []SourceConfig{{Type: SourceBuiltin}} }},
		{"module without path", func(c *Config) { c.Sources = []SourceConfig{{Name: "m", Type: SourceModule}} }},
		{"external without command", func(c *Config) { c.Sources = []SourceConfig{{Name: "e", Type: SourceExternal}} }},
		{"unknown type", func(c *Config) { c.Sources = []SourceConfig{{Name: "x", Type: "magic"}} }},
	}

	for _, c := range cases {
		cfg := DefaultConfig()
		c.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestSourceConfigIsEnabled(t *testing.T) {
	enabled := true
	disabled := false

	if !(SourceConfig{}).IsEnabled() {
		t.Error("unset enabled flag should default to true")
	}
	if !(SourceConfig{Enabled: &enabled}).IsEnabled() {
		t.Error("explicitly enabled source reported disabled")
	}
	if (SourceConfig{Enabled: &disabled}).IsEnabled() {
		t.Error("explicitly disabled source reported enabled")
	}
}
