package transcript

import (
	"fmt"
	"strings"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/environ"
	"github.com/iambrandonn/rarun/internal/session"
	"github.com/iambrandonn/rarun/internal/taskdef"
)

// Formatter formats candidates, tasks and session outcomes for console output
type Formatter struct {
	// ShowEnvValues prints environment values instead of masking them
	ShowEnvValues bool
}

// NewFormatter creates a new transcript formatter
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatCandidate formats one numbered candidate
func (f *Formatter) FormatCandidate(index int, c catalog.Candidate) string {
	line := fmt.Sprintf("%2d. [%s] %s", index, c.Runnable.Category(), c.Label)
	if detail := c.Detail(); detail != "" {
		line += fmt.Sprintf(" (%s)", detail)
	}
	return line
}

// FormatCandidates formats a candidate list, numbered from 1
func (f *Formatter) FormatCandidates(cs []catalog.Candidate) string {
	if len(cs) == 0 {
		return session.NoTargetNotice
	}
	lines := make([]string, 0, len(cs))
	for i, c := range cs {
		lines = append(lines, f.FormatCandidate(i+1, c))
	}
	return strings.Join(lines, "\n")
}

// FormatTask formats a task as a shell-like command line with its working directory
func (f *Formatter) FormatTask(task *taskdef.Task) string {
	def := task.Definition
	var b strings.Builder
	fmt.Fprintf(&b, "[task] %s\n", task.Label)
	fmt.Fprintf(&b, "  cwd: %s\n", def.Cwd)
	fmt.Fprintf(&b, "  cmd: %s", quoteArgs(append([]string{def.Command}, def.Args...)))
	if def.OverrideCargo != "" {
		fmt.Fprintf(&b, "\n  override cargo: %s", def.OverrideCargo)
	}
	if task.CargoRunner != "" {
		fmt.Fprintf(&b, "\n  cargo runner: %s", task.CargoRunner)
	}
	return b.String()
}

// FormatEnv formats an environment as sorted KEY=VALUE lines. Values are
// masked unless ShowEnvValues is set, except for keys listed in always.
func (f *Formatter) FormatEnv(env map[string]string, always ...string) string {
	visible := make(map[string]bool, len(always))
	for _, k := range always {
		visible[k] = true
	}

	lines := environ.List(env)
	for i, kv := range lines {
		key, _, _ := strings.Cut(kv, "=")
		if !f.ShowEnvValues && !visible[key] {
			lines[i] = key + "=***"
		}
	}
	return strings.Join(lines, "\n")
}

// FormatOutcome formats how a session ended
func (f *Formatter) FormatOutcome(o session.Outcome) string {
	switch o.Kind {
	case session.Selected:
		return fmt.Sprintf("[session] selected: %s", o.Runnable.Label)
	case session.SaveRequested:
		return fmt.Sprintf("[session] saved launch configuration: %s", o.Runnable.Label)
	case session.NoTarget:
		return "[session] " + session.NoTargetNotice
	default:
		return "[session] cancelled"
	}
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		if a == "" || strings.ContainsAny(a, " \t\"'$\\") {
			quoted[i] = fmt.Sprintf("%q", a)
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
