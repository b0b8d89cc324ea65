package transcript

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/session"
	"github.com/iambrandonn/rarun/internal/taskdef"
	"github.com/stretchr/testify/require"
)

func TestLogRecordsSession(t *testing.T) {
	path := Path(filepath.Join(t.TempDir(), "transcripts"), "sess-1")
	log, err := OpenLog(path, NewFormatter(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	r := runnable("run demo")
	log.SessionStarted("sess-1")
	log.CandidatesLoaded("sess-1", []catalog.Candidate{catalog.NewCandidate(r)})
	log.SessionEnded("sess-1", session.Outcome{Kind: session.Selected, SessionID: "sess-1", Runnable: &r})
	log.Task(&taskdef.Task{Label: "run demo", Definition: taskdef.Definition{Command: "run", Cwd: "/ws"}})
	require.NoError(t, log.Close())
	require.NoError(t, log.Close(), "close is idempotent")

	// writes after close are dropped
	log.Line("late")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	require.Contains(t, text, "[session] started sess-1")
	require.Contains(t, text, "[session] 1 candidates\n 1. [other] run demo")
	require.Contains(t, text, "[session] selected: run demo")
	require.Contains(t, text, "[task] run demo\n  cwd: /ws\n  cmd: run")
	require.False(t, strings.Contains(text, "late"))
}
