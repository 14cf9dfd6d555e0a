package mcphost

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Source types accepted in SourceConfig.Type.
const (
	SourceBuiltin  = "builtin"
	SourceModule   = "module"
	SourceExternal = "external"
)

// Config holds the host's configuration. Values come from a YAML file, with MCPHOST_*
// environment variables taking precedence over the file.
type Config struct {
	Name    string `yaml:"name" env:"MCPHOST_NAME"`
	Version string `yaml:"version" env:"MCPHOST_VERSION"`

	Listen       string `yaml:"listen" env:"MCPHOST_LISTEN"`
	SSEPath      string `yaml:"sse_path" env:"MCPHOST_SSE_PATH"`
	MessagesPath string `yaml:"messages_path" env:"MCPHOST_MESSAGES_PATH"`
	InfoPath     string `yaml:"info_path" env:"MCPHOST_INFO_PATH"`

	ExtensionsDir string        `yaml:"extensions_dir" env:"MCPHOST_EXTENSIONS_DIR"`
	Python        string        `yaml:"python" env:"MCPHOST_PYTHON"`
	CallTimeout   time.Duration `yaml:"call_timeout" env:"MCPHOST_CALL_TIMEOUT"`

	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig declares one extension source. The fields beyond Name, Type and Enabled
// depend on the type: builtin uses Name only, module uses Path, external uses Command,
// Args and Env.
type SourceConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Enabled *bool             `yaml:"enabled"`
	Path    string            `yaml:"path"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// IsEnabled reports whether the source should be loaded. Sources are enabled unless
// explicitly disabled.
func (s SourceConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Name:          "mcphost",
		Version:       "dev",
		Listen:        ":8080",
		SSEPath:       "/sse",
		MessagesPath:  "/messages",
		InfoPath:      "/info",
		ExtensionsDir: "extensions",
		Python:        "python3",
		CallTimeout:   30 * time.Second,
	}
}

// LoadConfig reads the YAML file at path, applies environment overrides and validates
// the result. An empty path skips the file and uses defaults plus environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the per-source required fields. Source config errors are fatal here,
// before any loading starts; load-time failures are handled per source instead.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	for i, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("source %d has no name", i)
		}
		switch src.Type {
		case SourceBuiltin:
		case SourceModule:
			if src.Path == "" {
				return fmt.Errorf("module source %q has no path", src.Name)
			}
		case SourceExternal:
			if src.Command == "" {
				return fmt.Errorf("external source %q has no command", src.Name)
			}
		default:
			return fmt.Errorf("source %q has unknown type %q", src.Name, src.Type)
		}
	}
	return nil
}
