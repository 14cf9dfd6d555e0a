package mcphost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PyRunner executes Python extension files through two helper scripts: a loader that
// emits the extension's capability manifest, and a handler runner that invokes one named
// function with arguments passed through the filesystem. Every invocation spawns a fresh
// subprocess with unique temp file names, so concurrent invocations of the same
// extension never collide.
//
// Instances are created with NewPyRunner.
type PyRunner struct {
	python        string
	loaderScript  string
	handlerScript string
	workDir       string
	env           map[string]string
	timeout       time.Duration
	logger        *slog.Logger
}

// PyRunnerOption configures a PyRunner.
type PyRunnerOption func(*PyRunner)

// Handler types passed to the handler script.
const (
	pyHandlerTool     = "tool"
	pyHandlerResource = "resource"
	pyHandlerPrompt   = "prompt"
)

// pyManifest is the document the loader script writes. schema_version identifies the
// manifest layout; version 1 is assumed when the field is absent. A non-empty Error
// means the extension failed to load.
type pyManifest struct {
	SchemaVersion int               `json:"schema_version"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Tools         []pyToolEntry     `json:"tools"`
	Resources     []pyResourceEntry `json:"resources"`
	Prompts       []pyPromptEntry   `json:"prompts"`
	Error         string            `json:"error"`
}

type pyToolEntry struct {
	ID           string             `json:"id"`
	FunctionName string             `json:"function_name"`
	Description  string             `json:"description"`
	Parameters   map[string]pyParam `json:"parameters"`
}

type pyResourceEntry struct {
	ID           string `json:"id"`
	Template     string `json:"template"`
	FunctionName string `json:"function_name"`
	Description  string `json:"description"`
	MimeType     string `json:"mime_type"`
}

type pyPromptEntry struct {
	ID           string             `json:"id"`
	FunctionName string             `json:"function_name"`
	Description  string             `json:"description"`
	Parameters   map[string]pyParam `json:"parameters"`
}

// pyParam declares one parameter. ZodType carries the declared-kind vocabulary, e.g.
// "string()" or "number().int()"; unknown declarations degrade to any.
type pyParam struct {
	ZodType      string `json:"zod_type"`
	Description  string `json:"description"`
	IsOptional   bool   `json:"is_optional"`
	HasDefault   bool   `json:"has_default"`
	DefaultValue any    `json:"default_value"`
}

// pyResult is the envelope a handler invocation writes to its result file. Exactly one
// of Content, Contents or Messages is populated depending on the handler type.
type pyResult struct {
	SchemaVersion int                `json:"schema_version"`
	Content       []Content          `json:"content"`
	Contents      []ResourceContents `json:"contents"`
	Messages      []pyPromptMessage  `json:"messages"`
	Error         string             `json:"error"`
}

type pyPromptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const manifestSchemaVersion = 1

var defaultPyTimeout = 30 * time.Second

// NewPyRunner creates a runner using the given Python interpreter. The helper scripts
// are materialized into workDir unless overridden with WithPyScripts.
func NewPyRunner(python, workDir string, options ...PyRunnerOption) (*PyRunner, error) {
	if python == "" {
		python = "python3"
	}
	if workDir == "" {
		workDir = os.TempDir()
	}
	r := &PyRunner{
		python:  python,
		workDir: workDir,
		env:     map[string]string{},
		timeout: defaultPyTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	if r.loaderScript == "" || r.handlerScript == "" {
		loader, handler, err := materializePyScripts(workDir)
		if err != nil {
			return nil, err
		}
		if r.loaderScript == "" {
			r.loaderScript = loader
		}
		if r.handlerScript == "" {
			r.handlerScript = handler
		}
	}
	return r, nil
}

// WithPyScripts overrides the helper script paths. Useful for tests that substitute the
// interpreter.
func WithPyScripts(loaderScript, handlerScript string) PyRunnerOption {
	return func(r *PyRunner) {
		r.loaderScript = loaderScript
		r.handlerScript = handlerScript
	}
}

// WithPyEnv sets the environment written to the env file of every handler invocation.
func WithPyEnv(env map[string]string) PyRunnerOption {
	return func(r *PyRunner) {
		r.env = env
	}
}

// WithPyTimeout bounds how long one subprocess may run before it is killed.
func WithPyTimeout(timeout time.Duration) PyRunnerOption {
	return func(r *PyRunner) {
		r.timeout = timeout
	}
}

// WithPyLogger sets the logger for the runner.
func WithPyLogger(logger *slog.Logger) PyRunnerOption {
	return func(r *PyRunner) {
		r.logger = logger.With(slog.String("component", "pyext"))
	}
}

// Load runs the loader script against extFile and converts the resulting manifest into a
// Bundle whose handlers invoke the extension through the handler script. The returned
// name is the extension's declared name, falling back to the file's base name.
func (r *PyRunner) Load(ctx context.Context, extFile string) (*Bundle, string, error) {
	manifestFile := r.tempFile("manifest")
	defer os.Remove(manifestFile)

	if err := r.run(ctx, r.loaderScript, extFile, manifestFile); err != nil {
		return nil, "", fmt.Errorf("loader failed for %s: %w", extFile, err)
	}

	manifestBs, err := os.ReadFile(manifestFile)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read manifest for %s: %w", extFile, err)
	}

	var manifest pyManifest
	if err := json.Unmarshal(manifestBs, &manifest); err != nil {
		return nil, "", fmt.Errorf("failed to unmarshal manifest for %s: %w", extFile, err)
	}
	if manifest.Error != "" {
		return nil, "", fmt.Errorf("extension %s failed to load: %s", extFile, manifest.Error)
	}
	if manifest.SchemaVersion != 0 && manifest.SchemaVersion != manifestSchemaVersion {
		return nil, "", fmt.Errorf("extension %s declares unsupported manifest schema_version %d",
			extFile, manifest.SchemaVersion)
	}

	name := manifest.Name
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(extFile), filepath.Ext(extFile))
	}

	bundle := &Bundle{}
	for _, entry := range manifest.Tools {
		bundle.Tools = append(bundle.Tools, ToolDef{
			Name:        entry.ID,
			Description: entry.Description,
			Params:      specsFromPyParams(entry.Parameters),
			Handler:     r.toolHandler(extFile, entry.FunctionName),
		})
	}
	for _, entry := range manifest.Resources {
		bundle.Resources = append(bundle.Resources, ResourceDef{
			Template:    entry.Template,
			Name:        entry.ID,
			Description: entry.Description,
			MimeType:    entry.MimeType,
			Handler:     r.resourceHandler(extFile, entry.FunctionName),
		})
	}
	for _, entry := range manifest.Prompts {
		bundle.Prompts = append(bundle.Prompts, PromptDef{
			Name:        entry.ID,
			Description: entry.Description,
			Params:      specsFromPyParams(entry.Parameters),
			Handler:     r.promptHandler(extFile, entry.FunctionName),
		})
	}

	return bundle, name, nil
}

func specsFromPyParams(params map[string]pyParam) map[string]ParamSpec {
	specs := make(map[string]ParamSpec, len(params))
	for name, p := range params {
		spec := ParamSpec{
			Kind:        KindFromDeclared(p.ZodType),
			Description: p.Description,
			Optional:    p.IsOptional,
		}
		if p.HasDefault {
			spec.Default = p.DefaultValue
		}
		specs[name] = spec
	}
	return specs
}

func (r *PyRunner) toolHandler(extFile, functionName string) ToolHandler {
	return func(ctx context.Context, args map[string]any) ([]Content, error) {
		res, err := r.Invoke(ctx, extFile, pyHandlerTool, functionName, args)
		if err != nil {
			return nil, err
		}
		return res.Content, nil
	}
}

func (r *PyRunner) resourceHandler(extFile, functionName string) ResourceHandler {
	return func(ctx context.Context, uri string, vars map[string]string) ([]ResourceContents, error) {
		args := make(map[string]any, len(vars)+1)
		for k, v := range vars {
			args[k] = v
		}
		args["uri"] = uri

		res, err := r.Invoke(ctx, extFile, pyHandlerResource, functionName, args)
		if err != nil {
			return nil, err
		}

		if len(res.Contents) > 0 {
			return res.Contents, nil
		}
		// A handler may answer with plain content; map it onto the requested URI.
		contents := make([]ResourceContents, 0, len(res.Content))
		for _, c := range res.Content {
			contents = append(contents, ResourceContents{URI: uri, Text: c.Text})
		}
		return contents, nil
	}
}

func (r *PyRunner) promptHandler(extFile, functionName string) PromptHandler {
	return func(ctx context.Context, args map[string]string) ([]PromptMessage, error) {
		anyArgs := make(map[string]any, len(args))
		for k, v := range args {
			anyArgs[k] = v
		}

		res, err := r.Invoke(ctx, extFile, pyHandlerPrompt, functionName, anyArgs)
		if err != nil {
			return nil, err
		}

		messages := make([]PromptMessage, 0, len(res.Messages))
		for _, m := range res.Messages {
			role := Role(m.Role)
			if role != RoleUser && role != RoleAssistant {
				role = RoleUser
			}
			messages = append(messages, PromptMessage{
				Role:    role,
				Content: Content{Type: ContentTypeText, Text: m.Content},
			})
		}
		return messages, nil
	}
}

// Invoke runs one extension function in a subprocess. Arguments travel through a params
// file, the outcome through a result file and the captured environment through an env
// file; all three use fresh unique names and are removed when the call finishes, whether
// it succeeded or not.
func (r *PyRunner) Invoke(
	ctx context.Context,
	extFile, handlerType, functionName string,
	args map[string]any,
) (pyResult, error) {
	paramsFile := r.tempFile("params")
	resultFile := r.tempFile("result")
	envFile := r.tempFile("env")
	defer func() {
		os.Remove(paramsFile)
		os.Remove(resultFile)
		os.Remove(envFile)
	}()

	// The target function name rides along inside the params document.
	params := make(map[string]any, len(args)+1)
	for k, v := range args {
		params[k] = v
	}
	params["function_name"] = functionName

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return pyResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	if err := os.WriteFile(paramsFile, paramsBs, 0o600); err != nil {
		return pyResult{}, fmt.Errorf("failed to write params file: %w", err)
	}

	envBs, err := json.Marshal(r.env)
	if err != nil {
		return pyResult{}, fmt.Errorf("failed to marshal env: %w", err)
	}
	if err := os.WriteFile(envFile, envBs, 0o600); err != nil {
		return pyResult{}, fmt.Errorf("failed to write env file: %w", err)
	}

	if err := r.run(ctx, r.handlerScript, extFile, handlerType, paramsFile, resultFile, envFile); err != nil {
		return pyResult{}, fmt.Errorf("handler %s failed for %s: %w", functionName, extFile, err)
	}

	resultBs, err := os.ReadFile(resultFile)
	if err != nil {
		return pyResult{}, fmt.Errorf("failed to read result file: %w", err)
	}

	var res pyResult
	if err := json.Unmarshal(resultBs, &res); err != nil {
		return pyResult{}, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	if res.SchemaVersion != 0 && res.SchemaVersion != manifestSchemaVersion {
		return pyResult{}, fmt.Errorf("result declares unsupported schema_version %d", res.SchemaVersion)
	}
	if res.Error != "" {
		return pyResult{}, errors.New(res.Error)
	}
	return res, nil
}

// run executes one helper subprocess with a bounded lifetime. The process is killed when
// the deadline passes; captured stderr is folded into the returned error.
func (r *PyRunner) run(ctx context.Context, script string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmdArgs := append([]string{script}, args...)
	cmd := exec.CommandContext(runCtx, r.python, cmdArgs...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if runCtx.Err() != nil {
			return fmt.Errorf("subprocess timed out after %s", elapsed.Round(time.Millisecond))
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}

	if stderr.Len() > 0 {
		r.logger.Debug("subprocess stderr",
			slog.String("script", filepath.Base(script)),
			slog.String("stderr", strings.TrimSpace(stderr.String())))
	}
	return nil
}

// tempFile returns a fresh path in the runner's work directory. Names embed a UUID so
// concurrent invocations never share files.
func (r *PyRunner) tempFile(kind string) string {
	return filepath.Join(r.workDir, fmt.Sprintf("mcphost-%s-%s.json", kind, uuid.New().String()))
}
