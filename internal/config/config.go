package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/iambrandonn/rarun/internal/environ"
	"github.com/iambrandonn/rarun/internal/fsutil"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileNames are the configuration files searched for, in order of preference
var FileNames = []string{"rarun.json", "rarun.yaml", "rarun.yml", "rarun.toml"}

// Config represents the rarun configuration file
type Config struct {
	Version   string    `json:"version"`
	Server    Server    `json:"server"`
	Runnables Runnables `json:"runnables"`
	Session   Session   `json:"session"`
	StateDir  string    `json:"state_dir"`
}

// Server describes how to launch the analysis server
type Server struct {
	Cmd             []string          `json:"cmd"`
	Env             map[string]string `json:"env,omitempty"`
	RequestTimeoutS int               `json:"request_timeout_s"`
	InitOptions     map[string]any    `json:"init_options,omitempty"`
}

// Runnables holds the settings consumed when turning a runnable into a task
type Runnables struct {
	ExtraEnv       protocol.RuleSet `json:"extra_env"`
	ProblemMatcher []string         `json:"problem_matcher"`
	CargoRunner    string           `json:"cargo_runner,omitempty"`
}

// Session holds picker behavior
type Session struct {
	ShowButtons  bool `json:"show_buttons"`
	DebuggeeOnly bool `json:"debuggee_only"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		Server: Server{
			Cmd:             []string{"rust-analyzer"},
			Env:             map[string]string{},
			RequestTimeoutS: 30,
		},
		Runnables: Runnables{
			ExtraEnv:       protocol.Unconditional(map[string]string{}),
			ProblemMatcher: []string{"$rustc"},
		},
		Session: Session{
			ShowButtons: true,
		},
		StateDir: ".rarun",
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if len(c.Server.Cmd) == 0 {
		return fmt.Errorf("configuration error: 'server.cmd' is empty\n\nHint: Specify the command that starts the analysis server:\n  \"server\": {\n    \"cmd\": [\"rust-analyzer\"]\n  }")
	}

	if c.Server.RequestTimeoutS < 0 {
		return fmt.Errorf("configuration error: invalid 'server.request_timeout_s' value: %d\n\nHint: Use a positive number of seconds, or 0 to wait indefinitely", c.Server.RequestTimeoutS)
	}

	if err := environ.ValidateRules(c.Runnables.ExtraEnv); err != nil {
		var maskErr *environ.MaskError
		if errors.As(err, &maskErr) {
			return fmt.Errorf("configuration error: 'runnables.extra_env[%d].mask' is not a valid regular expression: %w\n\nHint: Masks are matched against runnable labels, e.g.:\n  \"mask\": \"^test\"", maskErr.Index, err)
		}
		return fmt.Errorf("configuration error: %w", err)
	}

	for i, rule := range c.Runnables.ExtraEnv.Rules {
		if len(rule.Env) == 0 {
			return fmt.Errorf("configuration error: 'runnables.extra_env[%d]' has no 'env' entries\n\nHint: Each rule needs variables to set:\n  {\"env\": {\"RUST_LOG\": \"debug\"}, \"mask\": \"^test\"}", i)
		}
	}

	return nil
}

// RequestTimeout returns the per-request bound for analysis server calls. Zero means none.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutS) * time.Second
}

// LoadFromFile loads a configuration file. The format follows the extension:
// .json, .yaml/.yml or .toml.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg, err := Parse(data, formatOf(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration data in the given format ("json", "yaml" or "toml").
// YAML and TOML are normalized through JSON so every format shares one set of
// decoding rules.
func Parse(data []byte, format string) (*Config, error) {
	switch format {
	case "json":
	case "yaml", "toml":
		var raw map[string]any
		var err error
		if format == "yaml" {
			err = yaml.Unmarshal(data, &raw)
		} else {
			err = toml.Unmarshal(data, &raw)
		}
		if err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("normalize %s: %w", format, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveToFile writes the configuration atomically, in the format named by the extension
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	switch format := formatOf(path); format {
	case "json":
		data = append(data, '\n')
	case "yaml", "toml":
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		if format == "yaml" {
			data, err = yaml.Marshal(raw)
		} else {
			data, err = toml.Marshal(raw)
		}
		if err != nil {
			return fmt.Errorf("failed to marshal config as %s: %w", format, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q", format)
	}

	if err := fsutil.AtomicWrite(path, data); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// Find searches dir and its parents for a configuration file. It returns ""
// when none exists.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve directory: %w", err)
	}

	for {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".json":
		return "json"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}
