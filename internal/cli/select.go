package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/launch"
	"github.com/iambrandonn/rarun/internal/picker"
	"github.com/iambrandonn/rarun/internal/session"
)

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Pick a runnable interactively and build its task",
	Long: `Ask the analysis server for the runnables at --file/--line/--col, show
them in a picker and print (or with --exec, run) the task for the one you
pick. Without --file there is nothing to pick from and rarun exits quietly.`,
	RunE: runSelect,
}

func init() {
	addSelectFlags(selectCmd)
	addSelectFlags(rootCmd)
}

func addSelectFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("exec", false, "Run the task instead of printing it")
	cmd.Flags().Bool("debuggee-only", false, "Only offer runnables that can run under a debugger (default from config)")
}

func runSelect(cmd *cobra.Command, args []string) error {
	pos, ok, err := position(cmd)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	a, err := openApp(cmd)
	if err != nil {
		return err
	}

	execute, err := cmd.Flags().GetBool("exec")
	if err != nil {
		return err
	}
	debuggeeOnly, err := debuggeeOnlyFlag(cmd, a)
	if err != nil {
		return err
	}

	j, err := a.openJournal()
	if err != nil {
		return err
	}
	defer j.close()

	ctx := commandContext(cmd)
	store := launch.NewStore(a.root, a.cfg.StateDir, a.logger)

	outcome, err := a.runPicker(ctx, cmd, pos, debuggeeOnly, store, j)
	if err != nil {
		return err
	}

	switch outcome.Kind {
	case session.Selected:
		host := &terminalHost{
			root:    a.root,
			execute: execute,
			stdin:   cmd.InOrStdin(),
			stdout:  cmd.OutOrStdout(),
			stderr:  cmd.ErrOrStderr(),
			logger:  a.logger,
		}
		return a.registerTask(ctx, *outcome.Runnable, outcome.SessionID, host, j)
	case session.SaveRequested:
		fmt.Fprintf(cmd.ErrOrStderr(), "Saved %q to %s\n", outcome.Runnable.Label, store.Path())
	}
	return nil
}

// runPicker runs the terminal program and the session side by side. The
// session disposes the picker, which ends the program.
func (a *app) runPicker(ctx context.Context, cmd *cobra.Command, pos catalog.Position, debuggeeOnly bool, saver session.Saver, j *journal) (session.Outcome, error) {
	conn := &lazyConn{app: a}
	defer conn.close()

	pk := picker.New("Select runnable", a.logger)
	ctrl := session.NewController(pk, saver, session.Options{
		ShowButtons: a.cfg.Session.ShowButtons,
		Notify: func(msg string) {
			fmt.Fprintln(cmd.ErrOrStderr(), msg)
		},
		Recorder: j.recorder(),
	}, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	prog := tea.NewProgram(pk.Model(),
		tea.WithContext(gctx),
		tea.WithInput(cmd.InOrStdin()),
		tea.WithOutput(cmd.ErrOrStderr()))
	pk.Attach(prog)

	var outcome session.Outcome
	g.Go(func() error {
		if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("picker: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		outcome, err = ctrl.Run(gctx, conn.fetch(pos, a.previous(), debuggeeOnly))
		return err
	})

	err := g.Wait()
	return outcome, err
}

func debuggeeOnlyFlag(cmd *cobra.Command, a *app) (bool, error) {
	if !cmd.Flags().Changed("debuggee-only") {
		return a.cfg.Session.DebuggeeOnly, nil
	}
	return cmd.Flags().GetBool("debuggee-only")
}

// lazyConn starts the analysis server inside the session's fetch, so the
// picker is already showing its loading row while the server comes up
type lazyConn struct {
	app *app

	mu     sync.Mutex
	conn   *analysisConn
	closed bool
}

func (l *lazyConn) fetch(pos catalog.Position, previous *catalog.Candidate, debuggeeOnly bool) session.FetchFunc {
	return func(ctx context.Context) ([]catalog.Candidate, error) {
		conn, err := connectAnalysis(ctx, l.app)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		if l.closed {
			// the session already ended; nobody will read this result
			l.mu.Unlock()
			conn.stop()
			return nil, context.Canceled
		}
		l.conn = conn
		l.mu.Unlock()

		return catalog.NewCatalog(conn.client, l.app.logger).Fetch(ctx, pos, previous, debuggeeOnly)
	}
}

func (l *lazyConn) close() {
	l.mu.Lock()
	conn := l.conn
	l.closed = true
	l.mu.Unlock()

	if conn != nil {
		conn.stop()
	}
}
