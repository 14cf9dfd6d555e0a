package mcphost

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Loader fills a registry from configured extension sources and from files discovered
// under the extensions directory. Each source loads independently: a failure is logged
// with the source name and the loader moves on, so one broken extension never takes the
// host down.
//
// Instances are created with NewLoader; dependencies are passed in explicitly so tests
// can run several isolated hosts side by side.
type Loader struct {
	registry *Registry
	proxy    *Proxy
	py       *PyRunner
	logger   *slog.Logger

	extensionsDir string
}

// NewLoader creates a loader that registers into registry, proxies external sources
// through proxy and runs Python extensions through py.
func NewLoader(registry *Registry, proxy *Proxy, py *PyRunner, extensionsDir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry:      registry,
		proxy:         proxy,
		py:            py,
		logger:        logger.With(slog.String("component", "loader")),
		extensionsDir: extensionsDir,
	}
}

// LoadDotEnv reads the optional .env file under extensionsDir. A missing file is not an
// error; the result is an empty map.
func LoadDotEnv(extensionsDir string) (map[string]string, error) {
	path := filepath.Join(extensionsDir, ".env")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	env, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return env, nil
}

// Load registers every enabled source from the list. Failures are per source: each is
// logged and the next source still loads. The number of sources that registered
// successfully is returned.
func (l *Loader) Load(ctx context.Context, sources []SourceConfig) int {
	registered := 0
	for _, src := range sources {
		if !src.IsEnabled() {
			l.logger.Debug("skipping disabled source", slog.String("source", src.Name))
			continue
		}

		l.logger.Debug("loading source",
			slog.String("source", src.Name),
			slog.String("type", src.Type))

		if err := l.loadSource(ctx, src); err != nil {
			l.logger.Warn("failed to load source",
				slog.String("source", src.Name),
				slog.String("type", src.Type),
				slog.String("err", err.Error()))
			continue
		}

		l.logger.Info("registered source", slog.String("source", src.Name))
		registered++
	}
	return registered
}

func (l *Loader) loadSource(ctx context.Context, src SourceConfig) error {
	switch src.Type {
	case SourceBuiltin:
		bundle, err := BuiltinBundle(src.Name)
		if err != nil {
			return err
		}
		return l.registry.RegisterBundle(src.Name, bundle)
	case SourceModule:
		path := src.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(l.extensionsDir, path)
		}
		config := make(map[string]any, len(src.Env))
		for k, v := range src.Env {
			config[k] = v
		}
		bundle, err := LoadModule(path, config)
		if err != nil {
			return err
		}
		return l.registry.RegisterBundle(src.Name, bundle)
	case SourceExternal:
		if l.proxy == nil {
			return fmt.Errorf("no external proxy configured")
		}
		return l.proxy.Load(ctx, l.registry, src.Name, src.Command, src.Args, src.Env)
	default:
		return fmt.Errorf("unknown source type %q", src.Type)
	}
}

// LoadDir discovers extension files under the extensions directory and registers each
// one: .so files load through the plugin contract, .py files through the subprocess
// protocol. An empty or freshly created directory is seeded with the bundled example
// extension; seeding failures are logged, never fatal.
func (l *Loader) LoadDir(ctx context.Context) int {
	if l.extensionsDir == "" {
		return 0
	}

	if err := os.MkdirAll(l.extensionsDir, 0o755); err != nil {
		l.logger.Warn("failed to create extensions directory",
			slog.String("dir", l.extensionsDir),
			slog.String("err", err.Error()))
		return 0
	}

	entries, err := os.ReadDir(l.extensionsDir)
	if err != nil {
		l.logger.Warn("failed to read extensions directory",
			slog.String("dir", l.extensionsDir),
			slog.String("err", err.Error()))
		return 0
	}

	if !hasExtensionFiles(entries) {
		l.bootstrapExamples()
		entries, err = os.ReadDir(l.extensionsDir)
		if err != nil {
			return 0
		}
	}

	registered := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(l.extensionsDir, entry.Name())

		var loadErr error
		switch filepath.Ext(entry.Name()) {
		case ".py":
			loadErr = l.loadPyFile(ctx, path)
		case ".so":
			loadErr = l.loadPluginFile(path)
		default:
			continue
		}

		if loadErr != nil {
			l.logger.Warn("failed to load extension file",
				slog.String("file", path),
				slog.String("err", loadErr.Error()))
			continue
		}
		registered++
	}
	return registered
}

func (l *Loader) loadPyFile(ctx context.Context, path string) error {
	if l.py == nil {
		return fmt.Errorf("no Python runner configured")
	}
	bundle, name, err := l.py.Load(ctx, path)
	if err != nil {
		return err
	}
	return l.registry.RegisterBundle(name, bundle)
}

func (l *Loader) loadPluginFile(path string) error {
	bundle, err := LoadModule(path, nil)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return l.registry.RegisterBundle(name, bundle)
}

// bootstrapExamples seeds an empty extensions directory with the bundled example so a
// fresh install has something to serve.
func (l *Loader) bootstrapExamples() {
	data, err := exampleExtension()
	if err != nil {
		l.logger.Warn("failed to read bundled example extension", slog.String("err", err.Error()))
		return
	}
	path := filepath.Join(l.extensionsDir, "example_extension.py")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		l.logger.Warn("failed to seed example extension",
			slog.String("file", path),
			slog.String("err", err.Error()))
		return
	}
	l.logger.Info("seeded extensions directory with example extension", slog.String("file", path))
}

func hasExtensionFiles(entries []os.DirEntry) bool {
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".py", ".so":
			return true
		}
	}
	return false
}
