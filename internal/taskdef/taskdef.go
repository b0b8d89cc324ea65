// Package taskdef turns a runnable into a task the host can execute.
package taskdef

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/iambrandonn/rarun/internal/environ"
	"github.com/iambrandonn/rarun/internal/protocol"
)

// TaskType is the definition type of every task built here
const TaskType = "cargo"

var (
	// ErrMissingWorkspaceRoot is returned for project runnables without a workspace root
	ErrMissingWorkspaceRoot = errors.New("project runnable has no workspace root")
	// ErrEmptyCommand is returned when a runnable expands to no arguments at all
	ErrEmptyCommand = errors.New("runnable expands to an empty command")
)

// Definition is the host-executable part of a task
type Definition struct {
	Type          string            `json:"type"`
	Command       string            `json:"command"`
	Args          []string          `json:"args"`
	Cwd           string            `json:"cwd"`
	Env           map[string]string `json:"env"`
	OverrideCargo string            `json:"overrideCargo,omitempty"`
}

// Reveal controls when the host brings the task output into view
type Reveal string

const (
	RevealAlways Reveal = "always"
	RevealSilent Reveal = "silent"
	RevealNever  Reveal = "never"
)

// Presentation is the host-side display policy for a task
type Presentation struct {
	Clear  bool   `json:"clear"`
	Focus  bool   `json:"focus"`
	Reveal Reveal `json:"reveal"`
}

// DefaultPresentation clears prior output and leaves focus where it is
func DefaultPresentation() Presentation {
	return Presentation{Clear: true, Focus: false, Reveal: RevealSilent}
}

// Task is what gets submitted to the host
type Task struct {
	ID             string                   `json:"id"`
	Scope          protocol.WorkspaceFolder `json:"scope"`
	Label          string                   `json:"label"`
	Definition     Definition               `json:"definition"`
	Args           []string                 `json:"args"`
	ProblemMatcher []string                 `json:"problemMatcher"`
	CargoRunner    string                   `json:"cargoRunner,omitempty"`
	Presentation   Presentation             `json:"presentation"`
}

// Host is the task-execution side: it knows the workspace and accepts tasks
type Host interface {
	WorkspaceFolders(ctx context.Context) ([]protocol.WorkspaceFolder, error)
	RegisterTask(ctx context.Context, task *Task) error
}

// Options carries the configuration consumed by the builder
type Options struct {
	ProblemMatcher []string
	CargoRunner    string
}

// Builder builds tasks against one host, ambient environment and platform
type Builder struct {
	host     Host
	ambient  environ.Snapshot
	platform string
	opts     Options
	logger   *slog.Logger
}

// NewBuilder creates a builder. The ambient snapshot is read-only input to
// environment composition.
func NewBuilder(host Host, ambient environ.Snapshot, platform string, opts Options, logger *slog.Logger) *Builder {
	if len(opts.ProblemMatcher) == 0 {
		opts.ProblemMatcher = []string{"$rustc"}
	}
	return &Builder{
		host:     host,
		ambient:  ambient,
		platform: platform,
		opts:     opts,
		logger:   logger,
	}
}

// Expand returns the full argument sequence of a runnable; the first element is the command
func Expand(r protocol.Runnable) []string {
	switch {
	case r.Kind == protocol.RunnableKindCargo && r.Cargo != nil:
		args := make([]string, 0, len(r.Cargo.CargoArgs)+len(r.Cargo.CargoExtraArgs)+len(r.Cargo.ExecutableArgs)+1)
		args = append(args, r.Cargo.CargoArgs...)
		args = append(args, r.Cargo.CargoExtraArgs...)
		if len(r.Cargo.ExecutableArgs) > 0 {
			args = append(args, "--")
			args = append(args, r.Cargo.ExecutableArgs...)
		}
		return args
	case r.Kind == protocol.RunnableKindProject && r.Project != nil:
		return append([]string(nil), r.Project.Args...)
	}
	return nil
}

// NewDefinition builds the definition for r with an already resolved environment
func NewDefinition(r protocol.Runnable, env map[string]string) (Definition, error) {
	args := Expand(r)
	if len(args) == 0 {
		return Definition{}, fmt.Errorf("%q: %w", r.Label, ErrEmptyCommand)
	}

	def := Definition{
		Type:    TaskType,
		Command: args[0],
		Args:    args[1:],
		Env:     env,
	}

	switch r.Kind {
	case protocol.RunnableKindCargo:
		def.Cwd = r.Cargo.WorkspaceRoot
		if def.Cwd == "" {
			def.Cwd = "."
		}
		def.OverrideCargo = r.Cargo.OverrideCargo
	case protocol.RunnableKindProject:
		if r.Project.WorkspaceRoot == "" {
			return Definition{}, fmt.Errorf("%q: %w", r.Label, ErrMissingWorkspaceRoot)
		}
		def.Cwd = r.Project.WorkspaceRoot
		def.OverrideCargo = protocol.ExternalBuildTool
	default:
		return Definition{}, fmt.Errorf("%q: %w: %s", r.Label, protocol.ErrUnknownRunnableKind, r.Kind)
	}

	return def, nil
}

// Build resolves the environment and assembles a task for r. The host must
// report exactly one workspace folder; anything else is a broken caller and panics.
func (b *Builder) Build(ctx context.Context, r protocol.Runnable, rules protocol.RuleSet, pres Presentation) (*Task, error) {
	folders, err := b.host.WorkspaceFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace folders: %w", err)
	}
	if len(folders) != 1 {
		panic(fmt.Sprintf("taskdef: expected exactly one workspace folder, host reported %d", len(folders)))
	}

	env, err := environ.Compose(r, rules, b.ambient, b.platform)
	if err != nil {
		return nil, err
	}

	def, err := NewDefinition(r, env)
	if err != nil {
		return nil, err
	}

	// clear-before-run and no focus steal are not negotiable
	pres.Clear = true
	pres.Focus = false
	if pres.Reveal == "" {
		pres.Reveal = RevealSilent
	}

	task := &Task{
		ID:             uuid.NewString(),
		Scope:          folders[0],
		Label:          r.Label,
		Definition:     def,
		Args:           Expand(r),
		ProblemMatcher: append([]string(nil), b.opts.ProblemMatcher...),
		CargoRunner:    b.opts.CargoRunner,
		Presentation:   pres,
	}

	b.logger.Debug("task built",
		"task_id", task.ID,
		"label", task.Label,
		"command", def.Command,
		"cwd", def.Cwd,
		"env_keys", len(def.Env))

	return task, nil
}

// Register submits a built task to the host
func (b *Builder) Register(ctx context.Context, task *Task) error {
	if err := b.host.RegisterTask(ctx, task); err != nil {
		return fmt.Errorf("register task %q: %w", task.Label, err)
	}
	b.logger.Info("task registered", "task_id", task.ID, "label", task.Label)
	return nil
}
