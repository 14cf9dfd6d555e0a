package mcphost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoaderIsolatesSourceFailures(t *testing.T) {
	registry := NewRegistry(nil)
	loader := NewLoader(registry, nil, nil, "", nil)

	disabled := false
	sources := []SourceConfig{
		{Name: "broken", Type: "module", Path: "/nonexistent/ext.so"},
		{Name: "utility", Type: SourceBuiltin},
		{Name: "time", Type: SourceBuiltin, Enabled: &disabled},
	}

	registered := loader.Load(context.Background(), sources)
	if registered != 1 {
		t.Errorf("got %d registered sources, want 1", registered)
	}

	// The broken source must not block the builtin from loading.
	tools := registry.Tools()
	if len(tools) == 0 {
		t.Fatal("builtin source did not register")
	}
	for _, tool := range tools {
		if tool.Name == "currentTime" {
			t.Error("disabled source was loaded")
		}
	}
}

func TestLoaderExternalWithoutProxy(t *testing.T) {
	registry := NewRegistry(nil)
	loader := NewLoader(registry, nil, nil, "", nil)

	// An external source with no proxy fails the source, not the process.
	registered := loader.Load(context.Background(), []SourceConfig{
		{Name: "remote", Type: SourceExternal, Command: "some-server"},
	})
	if registered != 0 {
		t.Errorf("got %d registered sources, want 0", registered)
	}
}

func TestLoaderUnknownSourceType(t *testing.T) {
	registry := NewRegistry(nil)
	loader := NewLoader(registry, nil, nil, "", nil)

	registered := loader.Load(context.Background(), []SourceConfig{
		{Name: "weird", Type: "carrier-pigeon"},
	})
	if registered != 0 {
		t.Errorf("got %d registered sources, want 0", registered)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	// Missing file is not an error.
	env, err := LoadDotEnv(dir)
	if err != nil {
		t.Fatalf("missing .env treated as error: %v", err)
	}
	if len(env) != 0 {
		t.Errorf("got %v, want empty map", env)
	}

	content := "API_KEY=secret\nREGION=eu-west-1\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}

	env, err = LoadDotEnv(dir)
	if err != nil {
		t.Fatalf("failed to load .env: %v", err)
	}
	if env["API_KEY"] != "secret" || env["REGION"] != "eu-west-1" {
		t.Errorf("got %v, want API_KEY and REGION", env)
	}
}

func TestLoaderLoadDirBootstrapsExample(t *testing.T) {
	runner, _ := newShellRunner(t, manifestLoader, echoHandler)

	registry := NewRegistry(nil)
	extensionsDir := filepath.Join(t.TempDir(), "extensions")
	loader := NewLoader(registry, nil, runner, extensionsDir, nil)

	registered := loader.LoadDir(context.Background())
	if registered != 1 {
		t.Errorf("got %d registered files, want 1", registered)
	}

	// A fresh directory gets seeded with the bundled example.
	if _, err := os.Stat(filepath.Join(extensionsDir, "example_extension.py")); err != nil {
		t.Errorf("example extension was not seeded: %v", err)
	}

	tools := registry.Tools()
	if len(tools) != 1 || tools[0].Name != "add" {
		t.Errorf("got %v, want the manifest tool registered", tools)
	}
}

func TestLoaderLoadDirSkipsUnknownFiles(t *testing.T) {
	runner, _ := newShellRunner(t, manifestLoader, echoHandler)

	registry := NewRegistry(nil)
	extensionsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(extensionsDir, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(extensionsDir, "demo.py"), []byte("EXTENSION = {}"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	loader := NewLoader(registry, nil, runner, extensionsDir, nil)

	registered := loader.LoadDir(context.Background())
	if registered != 1 {
		t.Errorf("got %d registered files, want 1", registered)
	}
}

func TestLoaderLoadDirWithoutPyRunner(t *testing.T) {
	registry := NewRegistry(nil)
	extensionsDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(extensionsDir, "demo.py"), []byte("EXTENSION = {}"), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	loader := NewLoader(registry, nil, nil, extensionsDir, nil)

	// The file fails to load but LoadDir itself survives.
	if registered := loader.LoadDir(context.Background()); registered != 0 {
		t.Errorf("got %d registered files, want 0", registered)
	}
}
