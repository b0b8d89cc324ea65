// Package launch persists runnables as debugger launch configurations in the
// workspace's launch.json.
package launch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/iambrandonn/rarun/internal/fsutil"
	"github.com/iambrandonn/rarun/internal/protocol"
)

const (
	// FileName is the launch file inside the state directory
	FileName = "launch.json"
	// Version is the launch file format version
	Version = "0.2.0"

	maxLaunchFileBytes = 1 << 20
)

// Configuration is one debugger launch entry
type Configuration struct {
	Type    string            `json:"type"`
	Request string            `json:"request"`
	Name    string            `json:"name"`
	Cargo   *CargoTarget      `json:"cargo,omitempty"`
	Program string            `json:"program,omitempty"`
	Args    []string          `json:"args"`
	Cwd     string            `json:"cwd"`
	Env     map[string]string `json:"env,omitempty"`
}

// CargoTarget tells the debugger how to build the debuggee
type CargoTarget struct {
	Args []string `json:"args"`
}

// File is the launch.json document
type File struct {
	Version        string          `json:"version"`
	Configurations []Configuration `json:"configurations"`
}

// Store reads and writes one workspace's launch file
type Store struct {
	workspace string
	relPath   string
	logger    *slog.Logger
}

// NewStore creates a store writing to <workspace>/<stateDir>/launch.json
func NewStore(workspace, stateDir string, logger *slog.Logger) *Store {
	return &Store{
		workspace: workspace,
		relPath:   filepath.Join(stateDir, FileName),
		logger:    logger,
	}
}

// ConfigurationFor derives a launch configuration from a runnable
func ConfigurationFor(r protocol.Runnable) (Configuration, error) {
	cfg := Configuration{
		Type:    "lldb",
		Request: "launch",
		Name:    "Debug " + r.Label,
	}

	switch {
	case r.Kind == protocol.RunnableKindCargo && r.Cargo != nil:
		cfg.Cargo = &CargoTarget{Args: buildArgs(r.Cargo)}
		cfg.Args = append([]string{}, r.Cargo.ExecutableArgs...)
		cfg.Cwd = r.Cargo.WorkspaceRoot
		if cfg.Cwd == "" {
			cfg.Cwd = "${workspaceFolder}"
		}
	case r.Kind == protocol.RunnableKindProject && r.Project != nil:
		if len(r.Project.Args) == 0 {
			return Configuration{}, fmt.Errorf("runnable %q has no program", r.Label)
		}
		cfg.Program = r.Project.Args[0]
		cfg.Args = append([]string{}, r.Project.Args[1:]...)
		cfg.Cwd = r.Project.WorkspaceRoot
	default:
		return Configuration{}, fmt.Errorf("runnable %q: %w: %s", r.Label, protocol.ErrUnknownRunnableKind, r.Kind)
	}

	return cfg, nil
}

// buildArgs turns the cargo invocation into one that only builds the debuggee
func buildArgs(c *protocol.CargoArgs) []string {
	args := append([]string{}, c.CargoArgs...)
	args = append(args, c.CargoExtraArgs...)
	if len(args) == 0 {
		return args
	}
	switch args[0] {
	case "run":
		args[0] = "build"
	case "test", "bench":
		if !slices.Contains(args, "--no-run") {
			args = append(args, "--no-run")
		}
	}
	return args
}

// Load returns the current launch file, or an empty one if none exists
func (s *Store) Load() (*File, error) {
	data, err := fsutil.ReadLimited(s.workspace, s.relPath, maxLaunchFileBytes)
	if errors.Is(err, os.ErrNotExist) {
		return &File{Version: Version, Configurations: []Configuration{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read launch file: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.relPath, err)
	}
	if f.Version == "" {
		f.Version = Version
	}
	if f.Configurations == nil {
		f.Configurations = []Configuration{}
	}
	return &f, nil
}

// SaveConfig adds the configuration for r, replacing an entry with the same name
func (s *Store) SaveConfig(ctx context.Context, r protocol.Runnable) error {
	cfg, err := ConfigurationFor(r)
	if err != nil {
		return err
	}

	f, err := s.Load()
	if err != nil {
		return err
	}

	idx := slices.IndexFunc(f.Configurations, func(c Configuration) bool { return c.Name == cfg.Name })
	if idx >= 0 {
		f.Configurations[idx] = cfg
	} else {
		f.Configurations = append(f.Configurations, cfg)
	}

	path, err := fsutil.ResolveWorkspacePath(s.workspace, s.relPath)
	if err != nil {
		return fmt.Errorf("launch file path: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal launch file: %w", err)
	}
	if err := fsutil.AtomicWriteMode(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write launch file: %w", err)
	}

	s.logger.Info("launch configuration saved", "name", cfg.Name, "path", path, "replaced", idx >= 0)
	return nil
}

// Path returns the launch file location relative to the workspace
func (s *Store) Path() string {
	return s.relPath
}
