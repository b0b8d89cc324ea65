package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/config"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/iambrandonn/rarun/internal/runstate"
	"github.com/iambrandonn/rarun/internal/taskdef"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestCommandLine(t *testing.T) {
	tests := []struct {
		name        string
		task        taskdef.Task
		wantProgram string
		wantArgs    []string
	}{
		{
			name:        "cargo by default",
			task:        taskdef.Task{Definition: taskdef.Definition{Command: "test", Args: []string{"--lib"}}},
			wantProgram: "cargo",
			wantArgs:    []string{"test", "--lib"},
		},
		{
			name:        "cargo runner replaces cargo",
			task:        taskdef.Task{CargoRunner: "cross", Definition: taskdef.Definition{Command: "build"}},
			wantProgram: "cross",
			wantArgs:    []string{"build"},
		},
		{
			name: "override wins over runner",
			task: taskdef.Task{
				CargoRunner: "cross",
				Definition:  taskdef.Definition{Command: "run", OverrideCargo: "/opt/cargo"},
			},
			wantProgram: "/opt/cargo",
			wantArgs:    []string{"run"},
		},
		{
			name: "project tasks run their own command",
			task: taskdef.Task{Definition: taskdef.Definition{
				Command:       "bazel",
				Args:          []string{"test", "//demo"},
				OverrideCargo: protocol.ExternalBuildTool,
			}},
			wantProgram: "bazel",
			wantArgs:    []string{"test", "//demo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			program, args := commandLine(&tt.task)
			require.Equal(t, tt.wantProgram, program)
			require.Equal(t, tt.wantArgs, args)
		})
	}
}

func TestTerminalHostPrintsTask(t *testing.T) {
	var out bytes.Buffer
	host := &terminalHost{root: "/ws", stdout: &out, logger: discardLogger()}

	folders, err := host.WorkspaceFolders(context.Background())
	require.NoError(t, err)
	require.Equal(t, []protocol.WorkspaceFolder{{URI: protocol.FileURI("/ws"), Name: "ws"}}, folders)

	require.NoError(t, host.RegisterTask(context.Background(), &taskdef.Task{Label: "run demo"}))
	require.Contains(t, out.String(), `"label": "run demo"`)
	require.Nil(t, host.exitCode)
}

func TestTerminalHostRunsTask(t *testing.T) {
	requireShell(t)
	root := t.TempDir()

	var stdout, stderr bytes.Buffer
	host := &terminalHost{
		root:    root,
		execute: true,
		stdin:   strings.NewReader(""),
		stdout:  &stdout,
		stderr:  &stderr,
		logger:  discardLogger(),
	}

	task := &taskdef.Task{
		Label: "greet",
		Definition: taskdef.Definition{
			Command:       "sh",
			Args:          []string{"-c", `echo "$GREETING from $(pwd)"`},
			Cwd:           ".",
			Env:           map[string]string{"GREETING": "hello"},
			OverrideCargo: protocol.ExternalBuildTool,
		},
		Presentation: taskdef.DefaultPresentation(),
	}

	require.NoError(t, host.RegisterTask(context.Background(), task))
	require.NotNil(t, host.exitCode)
	require.Equal(t, 0, *host.exitCode)
	require.Contains(t, stdout.String(), "hello from ")
	require.Equal(t, clearScreen, stderr.String())
}

func TestTerminalHostMissingProgram(t *testing.T) {
	host := &terminalHost{root: t.TempDir(), execute: true, stdout: io.Discard, stderr: io.Discard, logger: discardLogger()}
	err := host.RegisterTask(context.Background(), &taskdef.Task{Definition: taskdef.Definition{
		Command:       "rarun-definitely-not-installed",
		OverrideCargo: protocol.ExternalBuildTool,
	}})
	require.ErrorContains(t, err, "failed to run rarun-definitely-not-installed")
	require.Nil(t, host.exitCode)
}

func TestRegisterTaskFailedExit(t *testing.T) {
	requireShell(t)
	root := t.TempDir()

	cfg := config.GenerateDefault()
	a := &app{cfg: cfg, root: root, logger: discardLogger()}
	j, err := a.openJournal()
	require.NoError(t, err)
	defer j.close()

	host := &terminalHost{root: root, execute: true, stdin: strings.NewReader(""), stdout: io.Discard, stderr: io.Discard, logger: discardLogger()}
	r := protocol.Runnable{
		Kind:    protocol.RunnableKindProject,
		Label:   "fail",
		Project: &protocol.ProjectArgs{Args: []string{"sh", "-c", "exit 3"}, WorkspaceRoot: root},
	}

	err = a.registerTask(context.Background(), r, "sess-1", host, j)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "expected ExitError, got %v", err)
	require.Equal(t, 3, exitErr.Code)
	require.Equal(t, "fail", exitErr.Label)

	state, err := runstate.LoadRunState(a.runStatePath())
	require.NoError(t, err)
	require.Equal(t, runstate.StatusFailed, state.Status)
	require.Equal(t, 3, *state.ExitCode)
	require.Equal(t, "sess-1", state.SessionID)
	require.NotEmpty(t, state.DefinitionSum)
	require.Empty(t, state.ConfigSum)
}

func TestPick(t *testing.T) {
	candidates := []catalog.Candidate{
		catalog.NewCandidate(protocol.Runnable{Label: "a"}),
		catalog.NewCandidate(protocol.Runnable{Label: "b"}),
	}

	c, err := pick(candidates, "2")
	require.NoError(t, err)
	require.Equal(t, "b", c.Label)

	_, err = pick(candidates, "0")
	require.ErrorContains(t, err, "no runnable #0")
	_, err = pick(candidates, "two")
	require.ErrorContains(t, err, `invalid runnable number "two"`)
	_, err = pick(nil, "1")
	require.ErrorContains(t, err, "no debug target")
}
