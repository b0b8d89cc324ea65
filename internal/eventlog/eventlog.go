package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/iambrandonn/rarun/internal/catalog"
	"github.com/iambrandonn/rarun/internal/ndjson"
	"github.com/iambrandonn/rarun/internal/session"
	"github.com/iambrandonn/rarun/internal/taskdef"
)

// RecordKind identifies a line of the session log
type RecordKind string

const (
	KindSessionStarted   RecordKind = "session_started"
	KindCandidatesLoaded RecordKind = "candidates_loaded"
	KindSessionEnded     RecordKind = "session_ended"
	KindTaskRegistered   RecordKind = "task_registered"
)

// Candidate is the logged form of a selection candidate
type Candidate struct {
	Label    string `json:"label"`
	Kind     string `json:"kind"`
	Category string `json:"category"`
}

// TaskSummary is the logged form of a task. Environment values are never
// written, only the variable names.
type TaskSummary struct {
	ID            string   `json:"id"`
	Command       string   `json:"command"`
	Args          []string `json:"args"`
	Cwd           string   `json:"cwd"`
	EnvKeys       []string `json:"env_keys"`
	OverrideCargo string   `json:"override_cargo,omitempty"`
}

// Record is one line of the session log
type Record struct {
	Kind       RecordKind   `json:"kind"`
	SessionID  string       `json:"session_id"`
	OccurredAt time.Time    `json:"occurred_at"`
	Candidates []Candidate  `json:"candidates,omitempty"`
	Outcome    string       `json:"outcome,omitempty"`
	Label      string       `json:"label,omitempty"`
	Task       *TaskSummary `json:"task,omitempty"`
}

// EventLog appends session records to an NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
	now     func() time.Time
}

// NewEventLog opens (or creates) the log at logPath for appending
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Write appends one record, stamping it if OccurredAt is zero
func (l *EventLog) Write(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = l.now()
	}
	return l.encoder.Encode(rec)
}

// SessionStarted implements session.Recorder
func (l *EventLog) SessionStarted(sessionID string) {
	l.record(Record{Kind: KindSessionStarted, SessionID: sessionID})
}

// CandidatesLoaded implements session.Recorder
func (l *EventLog) CandidatesLoaded(sessionID string, candidates []catalog.Candidate) {
	entries := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		entries = append(entries, Candidate{
			Label:    c.Label,
			Kind:     string(c.Runnable.Kind),
			Category: c.Runnable.Category().String(),
		})
	}
	l.record(Record{Kind: KindCandidatesLoaded, SessionID: sessionID, Candidates: entries})
}

// SessionEnded implements session.Recorder
func (l *EventLog) SessionEnded(sessionID string, outcome session.Outcome) {
	rec := Record{Kind: KindSessionEnded, SessionID: sessionID, Outcome: outcome.Kind.String()}
	if outcome.Runnable != nil {
		rec.Label = outcome.Runnable.Label
	}
	l.record(rec)
}

// WriteTask records a task handed to the host
func (l *EventLog) WriteTask(sessionID string, task *taskdef.Task) error {
	keys := make([]string, 0, len(task.Definition.Env))
	for k := range task.Definition.Env {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return l.Write(Record{
		Kind:      KindTaskRegistered,
		SessionID: sessionID,
		Label:     task.Label,
		Task: &TaskSummary{
			ID:            task.ID,
			Command:       task.Definition.Command,
			Args:          task.Definition.Args,
			Cwd:           task.Definition.Cwd,
			EnvKeys:       keys,
			OverrideCargo: task.Definition.OverrideCargo,
		},
	})
}

// record writes on behalf of a session, where a failure must not end the session
func (l *EventLog) record(rec Record) {
	if err := l.Write(rec); err != nil {
		l.logger.Warn("failed to write session record", "kind", rec.Kind, "session_id", rec.SessionID, "error", err)
	}
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ReadRecords loads every record from a session log
func ReadRecords(logPath string, logger *slog.Logger) ([]Record, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	decoder := ndjson.NewDecoder(file, logger)
	var records []Record
	for {
		kind, raw, err := decoder.DecodeEnvelope()
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return nil, err
		}

		switch RecordKind(kind) {
		case KindSessionStarted, KindCandidatesLoaded, KindSessionEnded, KindTaskRegistered:
		default:
			logger.Warn("skipping unknown record kind", "kind", kind, "line", decoder.Line())
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("line %d: failed to decode record: %w", decoder.Line(), err)
		}
		records = append(records, rec)
	}
}

var _ session.Recorder = (*EventLog)(nil)
