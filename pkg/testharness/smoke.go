package testharness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/iambrandonn/rarun/internal/config"
	"github.com/iambrandonn/rarun/internal/runstate"
)

// Scenario is a deterministic sequence of rarun invocations against a
// mockserver answering from a fixture file.
type Scenario struct {
	Name    string
	Fixture string
	// Steps are rarun subcommands; --config and --file are appended to each
	Steps [][]string
}

var (
	// ScenarioListAndTask lists, registers the second runnable, then lists
	// again with the remembered runnable first.
	ScenarioListAndTask = Scenario{
		Name:    "list-and-task",
		Fixture: "testdata/runnables_fixture.json",
		Steps: [][]string{
			{"list"},
			{"task", "2"},
			{"list"},
		},
	}
	// ScenarioServerFailure checks that a failing runnables request surfaces as an error.
	ScenarioServerFailure = Scenario{
		Name:    "server-failure",
		Fixture: "testdata/runnables_failing.json",
		Steps:   [][]string{{"list"}},
	}
	// ScenarioNoTarget checks that an empty result cannot produce a task.
	ScenarioNoTarget = Scenario{
		Name:    "no-target",
		Fixture: "testdata/runnables_empty.json",
		Steps: [][]string{
			{"list"},
			{"task", "1"},
		},
	}
)

// SmokeOptions configures RunSmoke.
type SmokeOptions struct {
	Scenario         Scenario
	RarunBinary      string
	MockServerBinary string
	WorkspaceDir     string
	Env              map[string]string
}

// StepResult is the output of one rarun invocation.
type StepResult struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

// SmokeResult captures the outcome of a smoke scenario.
type SmokeResult struct {
	Scenario   Scenario
	Workspace  string
	Steps      []StepResult
	RunErr     error
	RunState   *runstate.RunState
	ConfigPath string
}

// RunSmoke creates a cargo workspace, points rarun at the mockserver and
// runs every step of the scenario in order. RunErr is the first step error.
func RunSmoke(ctx context.Context, opts SmokeOptions) (*SmokeResult, error) {
	if opts.RarunBinary == "" {
		return nil, fmt.Errorf("rarun binary path is required")
	}
	if opts.MockServerBinary == "" {
		return nil, fmt.Errorf("mockserver binary path is required")
	}
	if len(opts.Scenario.Steps) == 0 {
		return nil, fmt.Errorf("scenario %q has no steps", opts.Scenario.Name)
	}

	repoRoot, err := DetectRepoRoot()
	if err != nil {
		return nil, err
	}
	fixture, err := resolveScenarioPath(repoRoot, opts.Scenario.Fixture)
	if err != nil {
		return nil, err
	}

	workspace := opts.WorkspaceDir
	if workspace == "" {
		workspace, err = os.MkdirTemp("", "rarun-smoke-")
		if err != nil {
			return nil, fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	src, err := writeCargoPackage(workspace)
	if err != nil {
		return nil, err
	}

	cfg := config.GenerateDefault()
	cfg.Server.Cmd = []string{opts.MockServerBinary, "-fixture", fixture}
	cfg.Server.RequestTimeoutS = 10
	configPath := filepath.Join(workspace, "rarun.json")
	if err := cfg.SaveToFile(configPath); err != nil {
		return nil, err
	}

	result := &SmokeResult{
		Scenario:   opts.Scenario,
		Workspace:  workspace,
		ConfigPath: configPath,
	}

	for _, step := range opts.Scenario.Steps {
		args := append(append([]string{}, step...), "--config", configPath, "--file", src)

		stdOut := &bytes.Buffer{}
		stdErr := &bytes.Buffer{}
		cmd := exec.CommandContext(ctx, opts.RarunBinary, args...)
		cmd.Dir = workspace
		cmd.Stdout = stdOut
		cmd.Stderr = stdErr
		cmd.Env = mergeEnv(os.Environ(), opts.Env)

		runErr := cmd.Run()
		result.Steps = append(result.Steps, StepResult{
			Args:   args,
			Stdout: stdOut.String(),
			Stderr: stdErr.String(),
			Err:    runErr,
		})
		if runErr != nil && result.RunErr == nil {
			result.RunErr = fmt.Errorf("rarun %v: %w", step, runErr)
		}
	}

	if st, err := runstate.LoadRunState(runstate.GetRunStatePath(workspace, cfg.StateDir)); err == nil {
		result.RunState = st
	}

	return result, nil
}

// writeCargoPackage lays out a one-file cargo package and returns its source path
func writeCargoPackage(dir string) (string, error) {
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace directory: %w", err)
	}
	manifest := "[package]\nname = \"demo\"\nversion = \"0.1.0\"\nedition = \"2021\"\n"
	if err := os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifest), 0o644); err != nil {
		return "", fmt.Errorf("failed to write Cargo.toml: %w", err)
	}
	src := filepath.Join(dir, "src", "lib.rs")
	if err := os.WriteFile(src, []byte("pub fn add(a: i32, b: i32) -> i32 {\n    a + b\n}\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to write lib.rs: %w", err)
	}
	return src, nil
}

func resolveScenarioPath(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("scenario fixture is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("scenario fixture %s not found: %w", path, err)
	}
	return path, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	for k, v := range extra {
		base = setEnv(base, k, v)
	}
	return base
}

// DetectRepoRoot locates the repository root by searching for go.mod.
func DetectRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found (starting from %s)", dir)
		}
		dir = parent
	}
}
