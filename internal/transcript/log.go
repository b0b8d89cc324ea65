package transcript

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/session"
	"github.com/iambrandonn/rarun/internal/taskdef"
)

// Log writes a human-readable session transcript. It implements session.Recorder.
type Log struct {
	formatter *Formatter
	logger    *slog.Logger

	mu   sync.Mutex
	file *os.File
}

// Path returns the transcript file called name in dir
func Path(dir, name string) string {
	return filepath.Join(dir, name+".txt")
}

// OpenLog creates (or appends to) the transcript at path
func OpenLog(path string, formatter *Formatter, logger *slog.Logger) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	return &Log{formatter: formatter, logger: logger, file: f}, nil
}

// Line appends one entry
func (l *Log) Line(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, err := fmt.Fprintf(l.file, "%s %s\n", time.Now().UTC().Format(time.TimeOnly), text); err != nil {
		l.logger.Warn("failed to write transcript", "error", err)
	}
}

// SessionStarted implements session.Recorder
func (l *Log) SessionStarted(sessionID string) {
	l.Line("[session] started " + sessionID)
}

// CandidatesLoaded implements session.Recorder
func (l *Log) CandidatesLoaded(sessionID string, candidates []catalog.Candidate) {
	l.Line(fmt.Sprintf("[session] %d candidates\n%s", len(candidates), l.formatter.FormatCandidates(candidates)))
}

// SessionEnded implements session.Recorder
func (l *Log) SessionEnded(sessionID string, outcome session.Outcome) {
	l.Line(l.formatter.FormatOutcome(outcome))
}

// Task records a registered task
func (l *Log) Task(task *taskdef.Task) {
	l.Line(l.formatter.FormatTask(task))
}

// Close closes the transcript file
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

var _ session.Recorder = (*Log)(nil)
