package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/environ"
	"github.com/iambrandonn/rarun/internal/eventlog"
	"github.com/iambrandonn/rarun/internal/protocol"
	"github.com/iambrandonn/rarun/internal/runstate"
	"github.com/iambrandonn/rarun/internal/session"
	"github.com/iambrandonn/rarun/internal/taskdef"
	"github.com/iambrandonn/rarun/internal/transcript"
)

// ExitError carries the exit code of a task that ran and failed
type ExitError struct {
	Label string
	Code  int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("task %q exited with code %d", e.Label, e.Code)
}

// journal is the per-day audit trail: NDJSON events and a readable transcript
type journal struct {
	events     *eventlog.EventLog
	transcript *transcript.Log
}

func (a *app) openJournal() (*journal, error) {
	day := time.Now().UTC().Format("20060102")

	events, err := eventlog.NewEventLog(filepath.Join(a.stateDir("events"), day+".ndjson"), a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}
	tlog, err := transcript.OpenLog(transcript.Path(a.stateDir("transcripts"), day), transcript.NewFormatter(), a.logger)
	if err != nil {
		events.Close()
		return nil, err
	}
	return &journal{events: events, transcript: tlog}, nil
}

func (j *journal) recorder() session.Recorder {
	return session.Recorders(j.events, j.transcript)
}

func (j *journal) task(sessionID string, task *taskdef.Task) {
	if err := j.events.WriteTask(sessionID, task); err != nil {
		j.transcript.Line("[warn] event log: " + err.Error())
	}
	j.transcript.Task(task)
}

func (j *journal) close() {
	j.events.Close()
	j.transcript.Close()
}

// registerTask builds the task for r, hands it to the host and remembers it
// as the previous runnable
func (a *app) registerTask(ctx context.Context, r protocol.Runnable, sessionID string, host *terminalHost, j *journal) error {
	builder := taskdef.NewBuilder(host, environ.Current(), environ.HostPlatform(), taskdef.Options{
		ProblemMatcher: a.cfg.Runnables.ProblemMatcher,
		CargoRunner:    a.cfg.Runnables.CargoRunner,
	}, a.logger)

	task, err := builder.Build(ctx, r, a.cfg.Runnables.ExtraEnv, taskdef.DefaultPresentation())
	if err != nil {
		var maskErr *environ.MaskError
		if errors.As(err, &maskErr) {
			return fmt.Errorf("configuration error: %w\n\nHint: Fix 'runnables.extra_env[%d].mask' in %s", err, maskErr.Index, a.configName())
		}
		return err
	}

	if err := builder.Register(ctx, task); err != nil {
		return err
	}
	j.task(sessionID, task)

	state := runstate.NewRunState(sessionID, task.ID, r)
	if err := state.Fingerprint(task.Definition, a.cfgPath); err != nil {
		a.logger.Warn("failed to fingerprint task", "error", err)
	}
	if last, err := runstate.LoadRunState(a.runStatePath()); err == nil && state.SameTask(last) {
		a.logger.Info("task definition unchanged since last run", "label", task.Label)
	}
	if host.exitCode != nil {
		if *host.exitCode == 0 {
			state.MarkCompleted()
		} else {
			state.MarkFailed(*host.exitCode)
		}
	}
	if err := runstate.SaveRunState(state, a.runStatePath()); err != nil {
		a.logger.Warn("failed to save run state", "error", err)
	}

	if host.exitCode != nil && *host.exitCode != 0 {
		return &ExitError{Label: task.Label, Code: *host.exitCode}
	}
	return nil
}

func (a *app) configName() string {
	if a.cfgPath == "" {
		return "your rarun config"
	}
	return a.cfgPath
}

// pick returns the candidate numbered arg, counting from 1
func pick(candidates []catalog.Candidate, arg string) (catalog.Candidate, error) {
	if len(candidates) == 0 {
		return catalog.Candidate{}, errors.New(session.NoTargetNotice)
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		return catalog.Candidate{}, fmt.Errorf("invalid runnable number %q", arg)
	}
	if n < 1 || n > len(candidates) {
		return catalog.Candidate{}, fmt.Errorf("no runnable #%d (found %d)", n, len(candidates))
	}
	return candidates[n-1], nil
}
