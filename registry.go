package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ToolHandler executes a tool call. Arguments arrive validated against the tool's
// parameter schema, with declared defaults already applied.
type ToolHandler func(ctx context.Context, args map[string]any) ([]Content, error)

// ResourceHandler reads a resource. vars holds the values extracted from the resource's
// URI template placeholders; it is empty for concrete resources.
type ResourceHandler func(ctx context.Context, uri string, vars map[string]string) ([]ResourceContents, error)

// PromptHandler renders a prompt with the given arguments.
type PromptHandler func(ctx context.Context, args map[string]string) ([]PromptMessage, error)

// ToolDef declares a callable tool owned by an extension source.
type ToolDef struct {
	Name        string
	Description string
	Params      map[string]ParamSpec
	Handler     ToolHandler
}

// ResourceDef declares a readable resource. Template is a URI that may contain
// {placeholder} segments; without placeholders it names a concrete resource.
type ResourceDef struct {
	Template    string
	Name        string
	Description string
	MimeType    string
	Handler     ResourceHandler
}

// PromptDef declares a prompt template.
type PromptDef struct {
	Name        string
	Description string
	Params      map[string]ParamSpec
	Handler     PromptHandler
}

// Bundle groups the capabilities one extension source contributes.
type Bundle struct {
	Tools     []ToolDef
	Resources []ResourceDef
	Prompts   []PromptDef
}

// NotFoundError reports an invoke against an id the registry does not hold.
type NotFoundError struct {
	Kind string
	Name string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// HandlerError wraps a failure raised by a capability handler so callers can decide how
// to surface it. It is the normal error-content path, not a transport failure.
type HandlerError struct {
	ID  string
	Err error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("handler error for %s: %v", e.ID, e.Err)
}

func (e HandlerError) Unwrap() error { return e.Err }

// ErrDuplicateID is returned when a registration collides with an id owned by a
// different source. The existing registration is retained.
var ErrDuplicateID = fmt.Errorf("capability id already registered by another source")

type toolEntry struct {
	def    ToolDef
	source string
	schema *ParamSchema
}

type resourceEntry struct {
	def    ResourceDef
	source string
}

type promptEntry struct {
	def    PromptDef
	source string
	schema *ParamSchema
}

// Registry is the in-memory store of registered tools, resources and prompts. It is
// mutated by the extension loader during load passes and read concurrently by session
// dispatch afterwards; all access goes through one RWMutex.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	tools     map[string]*toolEntry
	resources map[string]*resourceEntry
	prompts   map[string]*promptEntry
}

// NewRegistry creates an empty capability registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger.With(slog.String("component", "registry")),
		tools:     make(map[string]*toolEntry),
		resources: make(map[string]*resourceEntry),
		prompts:   make(map[string]*promptEntry),
	}
}

// RegisterTool adds a tool owned by source. Re-registration from the same source
// replaces the prior entry; a collision with another source keeps the existing entry,
// logs a warning and returns ErrDuplicateID.
func (r *Registry) RegisterTool(source string, def ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("tool from source %q has no name", source)
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q from source %q has no handler", def.Name, source)
	}

	schema, err := BuildSchema(def.Params)
	if err != nil {
		return fmt.Errorf("failed to build schema for tool %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tools[def.Name]; ok && existing.source != source {
		r.logger.Warn("tool id collision, keeping existing registration",
			slog.String("tool", def.Name),
			slog.String("owner", existing.source),
			slog.String("rejected", source))
		return fmt.Errorf("tool %q: %w", def.Name, ErrDuplicateID)
	}

	r.tools[def.Name] = &toolEntry{def: def, source: source, schema: schema}
	return nil
}

// RegisterResource adds a resource owned by source, with the same collision rules as
// RegisterTool. Resources are keyed by their URI template.
func (r *Registry) RegisterResource(source string, def ResourceDef) error {
	if def.Template == "" {
		return fmt.Errorf("resource from source %q has no URI template", source)
	}
	if def.Handler == nil {
		return fmt.Errorf("resource %q from source %q has no handler", def.Template, source)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.resources[def.Template]; ok && existing.source != source {
		r.logger.Warn("resource template collision, keeping existing registration",
			slog.String("template", def.Template),
			slog.String("owner", existing.source),
			slog.String("rejected", source))
		return fmt.Errorf("resource %q: %w", def.Template, ErrDuplicateID)
	}

	r.resources[def.Template] = &resourceEntry{def: def, source: source}
	return nil
}

// RegisterPrompt adds a prompt owned by source, with the same collision rules as
// RegisterTool.
func (r *Registry) RegisterPrompt(source string, def PromptDef) error {
	if def.Name == "" {
		return fmt.Errorf("prompt from source %q has no name", source)
	}
	if def.Handler == nil {
		return fmt.Errorf("prompt %q from source %q has no handler", def.Name, source)
	}

	schema, err := BuildSchema(def.Params)
	if err != nil {
		return fmt.Errorf("failed to build schema for prompt %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.prompts[def.Name]; ok && existing.source != source {
		r.logger.Warn("prompt id collision, keeping existing registration",
			slog.String("prompt", def.Name),
			slog.String("owner", existing.source),
			slog.String("rejected", source))
		return fmt.Errorf("prompt %q: %w", def.Name, ErrDuplicateID)
	}

	r.prompts[def.Name] = &promptEntry{def: def, source: source, schema: schema}
	return nil
}

// RegisterBundle registers everything a bundle contains. Collisions are logged and
// skipped per entry; the first error is returned after the whole bundle is attempted.
func (r *Registry) RegisterBundle(source string, bundle *Bundle) error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, def := range bundle.Tools {
		record(r.RegisterTool(source, def))
	}
	for _, def := range bundle.Resources {
		record(r.RegisterResource(source, def))
	}
	for _, def := range bundle.Prompts {
		record(r.RegisterPrompt(source, def))
	}
	return firstErr
}

// UnregisterSource removes every capability owned by source.
func (r *Registry) UnregisterSource(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, entry := range r.tools {
		if entry.source == source {
			delete(r.tools, name)
		}
	}
	for tmpl, entry := range r.resources {
		if entry.source == source {
			delete(r.resources, tmpl)
		}
	}
	for name, entry := range r.prompts {
		if entry.source == source {
			delete(r.prompts, name)
		}
	}
}

// Tools returns the wire descriptions of all registered tools, sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		tools = append(tools, Tool{
			Name:        entry.def.Name,
			Description: entry.def.Description,
			InputSchema: entry.schema.Doc(),
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// Resources returns all concrete resources, i.e. registered templates without
// placeholder segments.
func (r *Registry) Resources() []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resources := make([]Resource, 0, len(r.resources))
	for tmpl, entry := range r.resources {
		if strings.Contains(tmpl, "{") {
			continue
		}
		resources = append(resources, Resource{
			URI:         tmpl,
			Name:        entry.def.Name,
			Description: entry.def.Description,
			MimeType:    entry.def.MimeType,
		})
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].URI < resources[j].URI })
	return resources
}

// ResourceTemplates returns all templated resources.
func (r *Registry) ResourceTemplates() []ResourceTemplate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	templates := make([]ResourceTemplate, 0, len(r.resources))
	for tmpl, entry := range r.resources {
		if !strings.Contains(tmpl, "{") {
			continue
		}
		templates = append(templates, ResourceTemplate{
			URITemplate: tmpl,
			Name:        entry.def.Name,
			Description: entry.def.Description,
			MimeType:    entry.def.MimeType,
		})
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].URITemplate < templates[j].URITemplate })
	return templates
}

// Prompts returns the wire descriptions of all registered prompts, sorted by name.
func (r *Registry) Prompts() []Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	prompts := make([]Prompt, 0, len(r.prompts))
	for _, entry := range r.prompts {
		prompts = append(prompts, Prompt{
			Name:        entry.def.Name,
			Description: entry.def.Description,
			Arguments:   PromptArguments(entry.def.Params),
		})
	}
	sort.Slice(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts
}

// CallTool validates the arguments against the tool's schema and runs its handler.
// An unknown name returns NotFoundError; a validation failure returns before the handler
// runs; a handler failure is wrapped in HandlerError.
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (CallToolResult, error) {
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return CallToolResult{}, NotFoundError{Kind: "tool", Name: name}
	}

	if err := entry.schema.Validate(ctx, args); err != nil {
		return CallToolResult{}, err
	}

	argMap := make(map[string]any)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &argMap); err != nil {
			return CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
	}
	argMap = entry.schema.ApplyDefaults(argMap)

	content, err := entry.def.Handler(ctx, argMap)
	if err != nil {
		return CallToolResult{}, HandlerError{ID: name, Err: err}
	}

	return CallToolResult{Content: content}, nil
}

// ReadResource resolves uri against the registered templates and runs the matching
// handler. Concrete templates match exactly; {placeholder} segments capture one path
// segment each.
func (r *Registry) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	r.mu.RLock()
	var matched *resourceEntry
	var vars map[string]string
	// An exact match wins over any templated one, so resolution stays deterministic
	// when a URI satisfies both.
	if entry, ok := r.resources[uri]; ok {
		matched = entry
		vars = map[string]string{}
	} else {
		for tmpl, entry := range r.resources {
			if !strings.Contains(tmpl, "{") {
				continue
			}
			if vs, ok := matchURITemplate(tmpl, uri); ok {
				matched = entry
				vars = vs
				break
			}
		}
	}
	r.mu.RUnlock()

	if matched == nil {
		return ReadResourceResult{}, NotFoundError{Kind: "resource", Name: uri}
	}

	contents, err := matched.def.Handler(ctx, uri, vars)
	if err != nil {
		return ReadResourceResult{}, HandlerError{ID: matched.def.Template, Err: err}
	}

	return ReadResourceResult{Contents: contents}, nil
}

// GetPrompt checks required arguments and runs the prompt's handler.
func (r *Registry) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	r.mu.RLock()
	entry, ok := r.prompts[name]
	r.mu.RUnlock()
	if !ok {
		return GetPromptResult{}, NotFoundError{Kind: "prompt", Name: name}
	}

	for pName, spec := range entry.def.Params {
		if spec.Optional {
			continue
		}
		if _, ok := args[pName]; !ok {
			return GetPromptResult{}, fmt.Errorf("missing required argument %q for prompt %q", pName, name)
		}
	}

	messages, err := entry.def.Handler(ctx, args)
	if err != nil {
		return GetPromptResult{}, HandlerError{ID: name, Err: err}
	}

	return GetPromptResult{Messages: messages, Description: entry.def.Description}, nil
}

// toolSource reports which source owns a tool; used by tests and introspection.
func (r *Registry) toolSource(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return entry.source, true
}

// toolSummaries returns per-tool parameter summaries for the introspection endpoint.
func (r *Registry) toolSummaries() map[string]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]string, len(r.tools))
	for name, entry := range r.tools {
		out[name] = TypeSummary(entry.def.Params)
	}
	return out
}

func (r *Registry) promptSummaries() map[string]map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]string, len(r.prompts))
	for name, entry := range r.prompts {
		out[name] = TypeSummary(entry.def.Params)
	}
	return out
}

// matchURITemplate matches uri against a template whose {placeholder} parts each capture
// a single path segment. It returns the captured values and whether the match succeeded.
func matchURITemplate(template, uri string) (map[string]string, bool) {
	if !strings.Contains(template, "{") {
		if template == uri {
			return map[string]string{}, true
		}
		return nil, false
	}

	tParts := strings.Split(template, "/")
	uParts := strings.Split(uri, "/")
	if len(tParts) != len(uParts) {
		return nil, false
	}

	vars := make(map[string]string)
	for i, tp := range tParts {
		if strings.HasPrefix(tp, "{") && strings.HasSuffix(tp, "}") {
			name := tp[1 : len(tp)-1]
			if uParts[i] == "" {
				return nil, false
			}
			vars[name] = uParts[i]
			continue
		}
		if tp != uParts[i] {
			return nil, false
		}
	}
	return vars, true
}
