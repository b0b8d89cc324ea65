package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"

	"github.com/iambrandonn/rarun/internal/environ"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/iambrandonn/rarun/internal/taskdef"
)

// clearScreen resets the terminal before a task runs
const clearScreen = "\x1b[H\x1b[2J"

// terminalHost is the task host behind the CLI. It prints tasks as JSON, or
// runs them when execute is set.
type terminalHost struct {
	root    string
	execute bool
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	logger  *slog.Logger

	// exitCode is set after an executed task finishes
	exitCode *int
}

// WorkspaceFolders reports the single workspace the CLI runs in
func (h *terminalHost) WorkspaceFolders(ctx context.Context) ([]protocol.WorkspaceFolder, error) {
	return []protocol.WorkspaceFolder{{
		URI:  protocol.FileURI(h.root),
		Name: filepath.Base(h.root),
	}}, nil
}

// RegisterTask prints or runs the task. A task that runs and exits non-zero
// is not a registration failure; its code is kept in exitCode.
func (h *terminalHost) RegisterTask(ctx context.Context, task *taskdef.Task) error {
	if !h.execute {
		enc := json.NewEncoder(h.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	}

	program, args := commandLine(task)
	cwd := task.Definition.Cwd
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(h.root, cwd)
	}

	if task.Presentation.Clear && task.Presentation.Reveal != taskdef.RevealNever {
		fmt.Fprint(h.stderr, clearScreen)
	}

	h.logger.Info("running task", "task_id", task.ID, "program", program, "args", args, "cwd", cwd)

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = cwd
	cmd.Env = environ.List(task.Definition.Env)
	cmd.Stdin = h.stdin
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	code := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("failed to run %s: %w", program, err)
		}
		code = exitErr.ExitCode()
	}
	h.exitCode = &code
	return nil
}

// commandLine resolves the program a task runs. Project tasks run their
// command directly; cargo tasks go through cargo or its configured stand-in.
func commandLine(task *taskdef.Task) (string, []string) {
	def := task.Definition
	if def.OverrideCargo == protocol.ExternalBuildTool {
		return def.Command, append([]string(nil), def.Args...)
	}

	program := "cargo"
	switch {
	case def.OverrideCargo != "":
		program = def.OverrideCargo
	case task.CargoRunner != "":
		program = task.CargoRunner
	}
	return program, append([]string{def.Command}, def.Args...)
}
