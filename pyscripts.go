package mcphost

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

// The helper scripts and the example extension ship inside the binary so the host works
// without any installation step beyond a Python interpreter.
//
//go:embed python/loader.py python/handler.py python/example_extension.py
var pyScriptsFS embed.FS

// materializePyScripts writes the embedded loader and handler scripts into dir and
// returns their paths.
func materializePyScripts(dir string) (loaderScript, handlerScript string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("failed to create script dir: %w", err)
	}

	for _, name := range []string{"loader.py", "handler.py"} {
		data, err := pyScriptsFS.ReadFile("python/" + name)
		if err != nil {
			return "", "", fmt.Errorf("failed to read embedded script %s: %w", name, err)
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", "", fmt.Errorf("failed to write script %s: %w", name, err)
		}
	}

	return filepath.Join(dir, "loader.py"), filepath.Join(dir, "handler.py"), nil
}

// exampleExtension returns the bundled example Python extension source.
func exampleExtension() ([]byte, error) {
	return pyScriptsFS.ReadFile("python/example_extension.py")
}
