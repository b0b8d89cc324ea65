package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/iambrandonn/rarun/internal/analysis"
	"github.com/iambrandonn/rarun/internal/config"
	"github.com/iambrandonn/rarun/internal/eventlog"
	"github.com/iambrandonn/rarun/internal/jsonrpc"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/iambrandonn/rarun/internal/runstate"
	"github.com/iambrandonn/rarun/internal/taskdef"
	"github.com/iambrandonn/rarun/pkg/testharness"
)

// useFakeServer points every command at an in-process analysis server
// answering with the runnables fixture
func useFakeServer(t *testing.T) {
	t.Helper()
	fixture, err := testharness.LoadFixture("../../testdata/runnables_fixture.json")
	require.NoError(t, err)

	original := connectAnalysis
	t.Cleanup(func() { connectAnalysis = original })

	connectAnalysis = func(ctx context.Context, a *app) (*analysisConn, error) {
		pipe := testharness.NewPipe()
		_, done := pipe.Serve(ctx, a.logger, func(s *testharness.FakeServer) {
			s.Runnables = fixture.Runnables
		})
		conn := jsonrpc.NewConn(pipe.ClientReader, pipe.ClientWriter, pipe, a.logger)
		conn.Start(ctx)

		client := analysis.NewClient(conn, a.logger)
		stop := func() {
			conn.Close()
			<-done
			<-conn.Done()
		}
		if err := client.Initialize(ctx, a.root, nil); err != nil {
			stop()
			return nil, err
		}
		return &analysisConn{
			client: client,
			stop: func() {
				_ = client.Shutdown(context.Background())
				stop()
			},
		}, nil
	}
}

// newWorkspace creates a cargo package with a config that adds one variable
func newWorkspace(t *testing.T) (root, src, cfgPath string) {
	t.Helper()
	root = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "Cargo.toml"), []byte("[package]\nname = \"demo\"\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	src = filepath.Join(root, "src", "lib.rs")
	require.NoError(t, os.WriteFile(src, []byte("fn add() {}\n"), 0644))

	cfg := config.GenerateDefault()
	cfg.Runnables.ExtraEnv = protocol.Unconditional(map[string]string{"RARUN_EXTRA": "1"})
	cfgPath = filepath.Join(root, "rarun.json")
	require.NoError(t, cfg.SaveToFile(cfgPath))
	return root, src, cfgPath
}

// unsetenv removes key for the duration of the test
func unsetenv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetAllFlags(rootCmd)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		resetAllFlags(rootCmd)
	})

	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetIn(strings.NewReader(""))

	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func resetAllFlags(cmd *cobra.Command) {
	reset := func(flag *pflag.Flag) {
		_ = flag.Value.Set(flag.DefValue)
		flag.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetAllFlags(sub)
	}
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.PersistentFlags().Lookup(name)
}

func TestRootCommandIncludesSelectFlags(t *testing.T) {
	for _, name := range []string{"exec", "debuggee-only", "file", "line", "col", "config", "log-level"} {
		require.NotNil(t, lookupFlag(rootCmd, name), "root command should expose --%s", name)
	}
	require.Equal(t, "f", lookupFlag(rootCmd, "file").Shorthand)
	require.Equal(t, "c", lookupFlag(rootCmd, "config").Shorthand)
}

func TestRootCommandDelegatesToSelect(t *testing.T) {
	originalRunE := selectCmd.RunE
	t.Cleanup(func() { selectCmd.RunE = originalRunE })

	called := false
	selectCmd.RunE = func(cmd *cobra.Command, args []string) error {
		called = true
		file, err := cmd.Flags().GetString("file")
		require.NoError(t, err)
		require.Equal(t, "src/main.rs", file)
		return nil
	}

	_, _, err := execute(t, "--file", "src/main.rs")
	require.NoError(t, err)
	require.True(t, called, "root command should delegate to select command")
}

func TestSelectWithoutFileIsQuiet(t *testing.T) {
	stdout, stderr, err := execute(t, "select")
	require.NoError(t, err)
	require.Empty(t, stdout)
	require.Empty(t, stderr)
}

func TestInvalidLogLevel(t *testing.T) {
	_, src, cfgPath := newWorkspace(t)
	_, _, err := execute(t, "list", "--config", cfgPath, "--file", src, "--log-level", "loud")
	require.ErrorContains(t, err, "invalid --log-level")
}

func TestListPrintsCandidates(t *testing.T) {
	useFakeServer(t)
	_, src, cfgPath := newWorkspace(t)

	stdout, _, err := execute(t, "list", "--config", cfgPath, "--file", src, "--line", "3")
	require.NoError(t, err)
	require.Equal(t, strings.Join([]string{
		" 1. [cargo] cargo check --workspace",
		" 2. [other] test tests::it_works",
		" 3. [doctest] doctest add",
		" 4. [other] run demo",
	}, "\n")+"\n", stdout)
}

func TestListDebuggeeOnly(t *testing.T) {
	useFakeServer(t)
	_, src, cfgPath := newWorkspace(t)

	stdout, _, err := execute(t, "list", "--config", cfgPath, "--file", src, "--debuggee-only")
	require.NoError(t, err)
	require.Equal(t, " 1. [other] test tests::it_works\n 2. [other] run demo\n", stdout)
}

func TestListJSON(t *testing.T) {
	useFakeServer(t)
	_, src, cfgPath := newWorkspace(t)

	stdout, _, err := execute(t, "list", "--config", cfgPath, "--file", src, "--json")
	require.NoError(t, err)

	var runnables []protocol.Runnable
	require.NoError(t, json.Unmarshal([]byte(stdout), &runnables))
	require.Len(t, runnables, 4)
	require.Equal(t, protocol.RunnableKindCargo, runnables[0].Kind)
	require.Equal(t, []string{"check", "--workspace"}, runnables[0].Cargo.CargoArgs)
}

func TestListRequiresFile(t *testing.T) {
	_, _, err := execute(t, "list")
	require.ErrorIs(t, err, errFileRequired)
}

func TestTaskPrintsDefinition(t *testing.T) {
	useFakeServer(t)
	unsetenv(t, "RUST_BACKTRACE")
	root, src, cfgPath := newWorkspace(t)

	stdout, _, err := execute(t, "task", "2", "--config", cfgPath, "--file", src)
	require.NoError(t, err)

	var task taskdef.Task
	require.NoError(t, json.Unmarshal([]byte(stdout), &task))
	require.Equal(t, "test tests::it_works", task.Label)
	require.Equal(t, taskdef.TaskType, task.Definition.Type)
	require.Equal(t, "test", task.Definition.Command)
	require.Equal(t, []string{"--package", "demo", "--lib", "--", "tests::it_works", "--exact", "--nocapture"}, task.Definition.Args)
	require.Equal(t, ".", task.Definition.Cwd)
	require.Equal(t, "1", task.Definition.Env["RARUN_EXTRA"])
	require.Equal(t, "short", task.Definition.Env["RUST_BACKTRACE"])
	require.Equal(t, []string{"$rustc"}, task.ProblemMatcher)
	require.True(t, task.Presentation.Clear)
	require.False(t, task.Presentation.Focus)
	require.Equal(t, protocol.FileURI(root), task.Scope.URI)

	state, err := runstate.LoadRunState(runstate.GetRunStatePath(root, ".rarun"))
	require.NoError(t, err)
	require.Equal(t, task.ID, state.TaskID)
	require.Equal(t, runstate.StatusRegistered, state.Status)
	require.NotEmpty(t, state.DefinitionSum)
	require.NotEmpty(t, state.ConfigSum)

	logs, err := filepath.Glob(filepath.Join(root, ".rarun", "events", "*.ndjson"))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	records, err := eventlog.ReadRecords(logs[0], discardLogger())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, eventlog.KindTaskRegistered, records[0].Kind)
	require.Equal(t, task.ID, records[0].Task.ID)
	require.Contains(t, records[0].Task.EnvKeys, "RARUN_EXTRA")

	transcripts, err := filepath.Glob(filepath.Join(root, ".rarun", "transcripts", "*.txt"))
	require.NoError(t, err)
	require.Len(t, transcripts, 1)
}

func TestTaskRemembersPrevious(t *testing.T) {
	useFakeServer(t)
	_, src, cfgPath := newWorkspace(t)

	_, _, err := execute(t, "task", "4", "--config", cfgPath, "--file", src)
	require.NoError(t, err)

	stdout, _, err := execute(t, "list", "--config", cfgPath, "--file", src)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	require.Len(t, lines, 4, "previous runnable must not be listed twice")
	require.Equal(t, " 1. [other] run demo", lines[0])
}

func TestTaskOutOfRange(t *testing.T) {
	useFakeServer(t)
	_, src, cfgPath := newWorkspace(t)

	_, _, err := execute(t, "task", "9", "--config", cfgPath, "--file", src)
	require.ErrorContains(t, err, "no runnable #9 (found 4)")
}

func TestInvalidMaskIsConfigurationError(t *testing.T) {
	_, src, _ := newWorkspace(t)

	cfgPath := filepath.Join(t.TempDir(), "rarun.json")
	cfg := config.GenerateDefault()
	cfg.Runnables.ExtraEnv = protocol.Conditional(protocol.EnvironmentRule{
		Env:  map[string]string{"A": "1"},
		Mask: "([",
	})
	require.NoError(t, cfg.SaveToFile(cfgPath))

	_, _, err := execute(t, "task", "1", "--config", cfgPath, "--file", src)
	require.ErrorContains(t, err, "configuration error")
	require.ErrorContains(t, err, "extra_env[0].mask")
}

func TestEnvMasksInheritedValues(t *testing.T) {
	useFakeServer(t)
	unsetenv(t, "RUST_BACKTRACE")
	t.Setenv("RARUN_TEST_SECRET", "s3cret")
	_, src, cfgPath := newWorkspace(t)

	stdout, stderr, err := execute(t, "env", "2", "--config", cfgPath, "--file", src)
	require.NoError(t, err)
	require.NotContains(t, stderr, "No runnables.extra_env rules")
	require.Contains(t, stdout, "RARUN_EXTRA=1\n")
	require.Contains(t, stdout, "RUST_BACKTRACE=short\n")
	require.Contains(t, stdout, "RARUN_TEST_SECRET=***\n")
	require.NotContains(t, stdout, "s3cret")

	stdout, _, err = execute(t, "env", "2", "--config", cfgPath, "--file", src, "--show-values")
	require.NoError(t, err)
	require.Contains(t, stdout, "RARUN_TEST_SECRET=s3cret\n")
}

func TestEnvWithoutExtraRules(t *testing.T) {
	useFakeServer(t)
	unsetenv(t, "RUST_BACKTRACE")
	_, src, cfgPath := newWorkspace(t)
	require.NoError(t, config.GenerateDefault().SaveToFile(cfgPath))

	stdout, stderr, err := execute(t, "env", "2", "--config", cfgPath, "--file", src)
	require.NoError(t, err)
	require.Contains(t, stderr, "No runnables.extra_env rules configured")
	require.Contains(t, stdout, "RUST_BACKTRACE=short\n")
	require.NotContains(t, stdout, "RARUN_EXTRA")
}

func TestInitWritesConfig(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	stdout, _, err := execute(t, "init", "--format", "toml")
	require.NoError(t, err)
	require.Contains(t, stdout, "rarun.toml")
	require.Contains(t, stdout, "Created state directory")

	cfg, err := config.LoadFromFile(filepath.Join(dir, "rarun.toml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	require.DirExists(t, filepath.Join(dir, ".rarun", "events"))

	_, _, err = execute(t, "init", "--format", "toml")
	require.ErrorContains(t, err, "already exists")

	stdout, _, err = execute(t, "init", "--format", "toml", "--force")
	require.NoError(t, err)
	require.Contains(t, stdout, "already present")

	_, _, err = execute(t, "init", "--format", "ini")
	require.ErrorContains(t, err, "unsupported config format")
}
