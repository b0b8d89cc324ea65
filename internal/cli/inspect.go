package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/environ"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/iambrandonn/rarun/internal/transcript"
)

var errFileRequired = errors.New("--file is required")

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the runnables at a position",
	RunE:  runList,
}

var taskCmd = &cobra.Command{
	Use:   "task N",
	Short: "Build the task for the N-th runnable at a position",
	Long: `Build the task for the N-th runnable that 'rarun list' prints, without
the picker. The task JSON is printed, or run with --exec.`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

var envCmd = &cobra.Command{
	Use:   "env N",
	Short: "Print the environment the N-th runnable would run with",
	Long: `Print the composed environment for the N-th runnable that 'rarun list'
prints. Values inherited unchanged from your shell are masked unless
--show-values is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnv,
}

func init() {
	listCmd.Flags().Bool("json", false, "Print runnables as JSON in the analysis server's format")
	listCmd.Flags().Bool("debuggee-only", false, "Only list runnables that can run under a debugger (default from config)")
	taskCmd.Flags().Bool("exec", false, "Run the task instead of printing it")
	envCmd.Flags().Bool("show-values", false, "Print inherited values too")
}

// candidatesAt opens the app and fetches the candidates at the position flags
func candidatesAt(cmd *cobra.Command, debuggeeOnly func(*app) (bool, error)) (*app, []catalog.Candidate, error) {
	pos, ok, err := position(cmd)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errFileRequired
	}

	a, err := openApp(cmd)
	if err != nil {
		return nil, nil, err
	}

	only := false
	if debuggeeOnly != nil {
		if only, err = debuggeeOnly(a); err != nil {
			return nil, nil, err
		}
	}

	candidates, err := a.fetchCandidates(commandContext(cmd), pos, only)
	if err != nil {
		return nil, nil, err
	}
	return a, candidates, nil
}

func runList(cmd *cobra.Command, args []string) error {
	_, candidates, err := candidatesAt(cmd, func(a *app) (bool, error) {
		return debuggeeOnlyFlag(cmd, a)
	})
	if err != nil {
		return err
	}

	asJSON, err := cmd.Flags().GetBool("json")
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		runnables := make([]protocol.Runnable, len(candidates))
		for i, c := range candidates {
			runnables[i] = c.Runnable
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(runnables)
	}

	_, err = fmt.Fprintln(out, transcript.NewFormatter().FormatCandidates(candidates))
	return err
}

func runTask(cmd *cobra.Command, args []string) error {
	a, candidates, err := candidatesAt(cmd, nil)
	if err != nil {
		return err
	}
	c, err := pick(candidates, args[0])
	if err != nil {
		return err
	}

	execute, err := cmd.Flags().GetBool("exec")
	if err != nil {
		return err
	}

	j, err := a.openJournal()
	if err != nil {
		return err
	}
	defer j.close()

	host := &terminalHost{
		root:    a.root,
		execute: execute,
		stdin:   cmd.InOrStdin(),
		stdout:  cmd.OutOrStdout(),
		stderr:  cmd.ErrOrStderr(),
		logger:  a.logger,
	}
	return a.registerTask(commandContext(cmd), c.Runnable, uuid.NewString(), host, j)
}

func runEnv(cmd *cobra.Command, args []string) error {
	a, candidates, err := candidatesAt(cmd, nil)
	if err != nil {
		return err
	}
	c, err := pick(candidates, args[0])
	if err != nil {
		return err
	}

	showValues, err := cmd.Flags().GetBool("show-values")
	if err != nil {
		return err
	}

	rules := a.cfg.Runnables.ExtraEnv
	if rules.IsEmpty() {
		fmt.Fprintln(cmd.ErrOrStderr(), "No runnables.extra_env rules configured")
		rules = protocol.RuleSet{}
	}

	ambient := environ.Current()
	env, err := environ.Compose(c.Runnable, rules, ambient, environ.HostPlatform())
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	// values rarun set or changed are always shown
	var changed []string
	for k, v := range env {
		if prev, ok := ambient[k]; !ok || prev != v {
			changed = append(changed, k)
		}
	}

	f := &transcript.Formatter{ShowEnvValues: showValues}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), f.FormatEnv(env, changed...))
	return err
}
