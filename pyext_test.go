package mcphost

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// writeScript drops a shell script the runner can execute in place of the Python
// helpers, so these tests need no interpreter.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o700); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func newShellRunner(t *testing.T, loaderBody, handlerBody string) (*PyRunner, string) {
	t.Helper()

	scriptDir := t.TempDir()
	workDir := t.TempDir()

	loader := writeScript(t, scriptDir, "loader.sh", loaderBody)
	handler := writeScript(t, scriptDir, "handler.sh", handlerBody)

	runner, err := NewPyRunner("/bin/sh", workDir, WithPyScripts(loader, handler))
	if err != nil {
		t.Fatalf("failed to create runner: %v", err)
	}
	return runner, workDir
}

// assertNoTempFiles checks that every per-invocation file was removed from the work
// directory.
func assertNoTempFiles(t *testing.T, workDir string) {
	t.Helper()
	leftovers, err := filepath.Glob(filepath.Join(workDir, "mcphost-*"))
	if err != nil {
		t.Fatalf("failed to glob work dir: %v", err)
	}
	if len(leftovers) > 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

const manifestLoader = `cat > "$2" <<'EOF'
{
  "schema_version": 1,
  "name": "demo",
  "description": "A demo extension",
  "tools": [
    {
      "id": "add",
      "function_name": "do_add",
      "description": "Adds two numbers",
      "parameters": {
        "a": {"zod_type": "number()", "is_optional": false},
        "b": {"zod_type": "number()", "is_optional": false},
        "note": {"zod_type": "string()", "is_optional": true, "has_default": true, "default_value": "none"}
      }
    }
  ],
  "resources": [
    {
      "id": "env",
      "template": "demo://env/{key}",
      "function_name": "read_env",
      "mime_type": "text/plain"
    }
  ],
  "prompts": [
    {"id": "haiku", "function_name": "make_haiku", "parameters": {"topic": {"zod_type": "string()"}}}
  ]
}
EOF
`

const echoHandler = `if ! grep -q function_name "$3"; then
  printf '%s' '{"error":"params file missing function_name"}' > "$4"
  exit 0
fi
if [ ! -f "$5" ]; then
  printf '%s' '{"error":"env file missing"}' > "$4"
  exit 0
fi
printf '{"content":[{"type":"text","text":"handled %s"}]}' "$2" > "$4"
`

func TestPyRunnerLoad(t *testing.T) {
	runner, workDir := newShellRunner(t, manifestLoader, echoHandler)

	bundle, name, err := runner.Load(context.Background(), "/tmp/demo_ext.py")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if name != "demo" {
		t.Errorf("got name %q, want demo", name)
	}

	if len(bundle.Tools) != 1 {
		t.Fatalf("got %d tools, want 1", len(bundle.Tools))
	}
	tool := bundle.Tools[0]
	if tool.Name != "add" {
		t.Errorf("got tool name %q, want add", tool.Name)
	}
	if spec := tool.Params["a"]; spec.Kind != KindNumber || spec.Optional {
		t.Errorf("param a: got %+v, want required number", spec)
	}
	if spec := tool.Params["note"]; !spec.Optional || spec.Default != "none" {
		t.Errorf("param note: got %+v, want optional with default none", spec)
	}

	if len(bundle.Resources) != 1 || bundle.Resources[0].Template != "demo://env/{key}" {
		t.Errorf("got resources %v, want demo://env/{key}", bundle.Resources)
	}
	if len(bundle.Prompts) != 1 || bundle.Prompts[0].Name != "haiku" {
		t.Errorf("got prompts %v, want haiku", bundle.Prompts)
	}

	assertNoTempFiles(t, workDir)
}

func TestPyRunnerLoadFallbackName(t *testing.T) {
	loader := `printf '%s' '{"schema_version":1,"tools":[]}' > "$2"` + "\n"
	runner, _ := newShellRunner(t, loader, echoHandler)

	_, name, err := runner.Load(context.Background(), "/tmp/my_ext.py")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if name != "my_ext" {
		t.Errorf("got name %q, want my_ext", name)
	}
}

func TestPyRunnerLoadErrors(t *testing.T) {
	errLoader := `printf '%s' '{"schema_version":1,"error":"no EXTENSION defined"}' > "$2"` + "\n"
	runner, workDir := newShellRunner(t, errLoader, echoHandler)

	_, _, err := runner.Load(context.Background(), "/tmp/broken.py")
	if err == nil || !strings.Contains(err.Error(), "no EXTENSION defined") {
		t.Errorf("got %v, want load error from manifest", err)
	}
	assertNoTempFiles(t, workDir)

	versionLoader := `printf '%s' '{"schema_version":99}' > "$2"` + "\n"
	runner, workDir = newShellRunner(t, versionLoader, echoHandler)

	_, _, err = runner.Load(context.Background(), "/tmp/future.py")
	if err == nil || !strings.Contains(err.Error(), "schema_version") {
		t.Errorf("got %v, want schema_version error", err)
	}
	assertNoTempFiles(t, workDir)
}

func TestPyRunnerInvoke(t *testing.T) {
	runner, workDir := newShellRunner(t, manifestLoader, echoHandler)

	res, err := runner.Invoke(context.Background(), "/tmp/demo_ext.py", pyHandlerTool, "do_add",
		map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatalf("failed to invoke: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "handled tool" {
		t.Errorf("got %v, want handled tool", res.Content)
	}

	assertNoTempFiles(t, workDir)
}

func TestPyRunnerInvokeConcurrent(t *testing.T) {
	// The handler sleeps so invocations overlap, then answers with the digits found in
	// its params file. A shared temp path would garble the per-call answers.
	slowHandler := `sleep 0.05
n=$(tr -dc 0-9 < "$3")
printf '{"content":[{"type":"text","text":"%s"}]}' "$n" > "$4"
`
	runner, workDir := newShellRunner(t, manifestLoader, slowHandler)

	const calls = 16
	results := make([]string, calls)
	errs := make([]error, calls)

	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := runner.Invoke(context.Background(), "/tmp/demo_ext.py", pyHandlerTool, "do_add",
				map[string]any{"n": i})
			if err != nil {
				errs[i] = err
				return
			}
			if len(res.Content) == 1 {
				results[i] = res.Content[0].Text
			}
		}(i)
	}
	wg.Wait()

	for i := range calls {
		if errs[i] != nil {
			t.Errorf("call %d failed: %v", i, errs[i])
			continue
		}
		if results[i] != strconv.Itoa(i) {
			t.Errorf("call %d got %q, want its own params back", i, results[i])
		}
	}

	assertNoTempFiles(t, workDir)
}

func TestPyRunnerInvokeHandlerError(t *testing.T) {
	errHandler := `printf '%s' '{"schema_version":1,"error":"division by zero"}' > "$4"` + "\n"
	runner, workDir := newShellRunner(t, manifestLoader, errHandler)

	_, err := runner.Invoke(context.Background(), "/tmp/demo_ext.py", pyHandlerTool, "do_div", nil)
	if err == nil || !strings.Contains(err.Error(), "division by zero") {
		t.Errorf("got %v, want handler error", err)
	}

	assertNoTempFiles(t, workDir)
}

func TestPyRunnerSubprocessFailure(t *testing.T) {
	crashHandler := `echo "Traceback: kaboom" >&2
exit 3
`
	runner, workDir := newShellRunner(t, manifestLoader, crashHandler)

	_, err := runner.Invoke(context.Background(), "/tmp/demo_ext.py", pyHandlerTool, "do_add", nil)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("got %v, want stderr folded into error", err)
	}

	// Cleanup must happen on the failure path too.
	assertNoTempFiles(t, workDir)
}
