// Package runstate remembers the last runnable turned into a task, so the
// next session can offer it first.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/iambrandonn/rarun/internal/checksum"
	"github.com/iambrandonn/rarun/internal/fsutil"
	"github.com/iambrandonn/rarun/internal/protocol"
)

// FileName is the state file inside the state directory
const FileName = "last_run.json"

// Status represents how far the last task got
type Status string

const (
	StatusRegistered Status = "registered"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// RunState is the persisted record of the last task
type RunState struct {
	SessionID string            `json:"session_id"`
	TaskID    string            `json:"task_id"`
	Status    Status            `json:"status"`
	Runnable  protocol.Runnable `json:"runnable"`
	// DefinitionSum fingerprints the registered task definition
	DefinitionSum string `json:"definition_sum,omitempty"`
	// ConfigSum fingerprints the config file in effect, if there was one
	ConfigSum   string     `json:"config_sum,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
}

// NewRunState records a freshly registered task
func NewRunState(sessionID, taskID string, r protocol.Runnable) *RunState {
	return &RunState{
		SessionID: sessionID,
		TaskID:    taskID,
		Status:    StatusRegistered,
		Runnable:  r,
		StartedAt: time.Now().UTC(),
	}
}

// SaveRunState writes run state to disk atomically
func SaveRunState(state *RunState, path string) error {
	return fsutil.AtomicWriteJSON(path, state)
}

// LoadRunState reads run state from disk. A missing file yields an error
// matching os.ErrNotExist.
func LoadRunState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run state: %w", err)
	}

	var state RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	for _, sum := range []string{state.DefinitionSum, state.ConfigSum} {
		if sum == "" {
			continue
		}
		if err := checksum.Check(sum); err != nil {
			return nil, fmt.Errorf("corrupt run state: %w", err)
		}
	}
	return &state, nil
}

// Previous returns the runnable of the last task, or nil if there is none
// or the state file is unreadable
func Previous(path string) *protocol.Runnable {
	state, err := LoadRunState(path)
	if err != nil {
		return nil
	}
	r := state.Runnable
	return &r
}

// Fingerprint records checksums of the task definition and, when configPath
// is set, of the config file
func (s *RunState) Fingerprint(definition any, configPath string) error {
	sum, err := checksum.Value(definition)
	if err != nil {
		return fmt.Errorf("failed to fingerprint task: %w", err)
	}
	s.DefinitionSum = sum
	if configPath != "" {
		sum, err := checksum.File(configPath)
		if err != nil {
			return fmt.Errorf("failed to fingerprint config: %w", err)
		}
		s.ConfigSum = sum
	}
	return nil
}

// SameTask reports whether other registered the same definition
func (s *RunState) SameTask(other *RunState) bool {
	return other != nil && s.DefinitionSum != "" && s.DefinitionSum == other.DefinitionSum
}

// IsMissing reports whether err came from an absent state file
func IsMissing(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// GetRunStatePath returns the standard path for run state
func GetRunStatePath(workspaceRoot, stateDir string) string {
	return filepath.Join(workspaceRoot, stateDir, FileName)
}

// MarkCompleted records a clean exit
func (s *RunState) MarkCompleted() {
	s.finish(StatusCompleted, 0)
}

// MarkFailed records a failed run with its exit code
func (s *RunState) MarkFailed(exitCode int) {
	s.finish(StatusFailed, exitCode)
}

func (s *RunState) finish(status Status, code int) {
	s.Status = status
	s.ExitCode = &code
	now := time.Now().UTC()
	s.CompletedAt = &now
}
