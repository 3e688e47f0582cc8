package types

import (
	"os"
	"time"
)

// CheckpointType distinguishes how a checkpoint was produced.
type CheckpointType string

const (
	CheckpointState  CheckpointType = "state"
	CheckpointVCS    CheckpointType = "vcs"
	CheckpointManual CheckpointType = "manual"
)

// Checkpoint is an operation-level snapshot: session metadata plus the set
// of files changed since the previous checkpoint, optionally pinned to a
// VCS commit.
type Checkpoint struct {
	SchemaVersion int            `json:"schema_version"`
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	Type          CheckpointType `json:"type"`
	CreatedAt     time.Time      `json:"created_at"`
	SessionState  SessionState   `json:"session_state"`
	Reason        string         `json:"reason,omitempty"`
	ModifiedFiles []string       `json:"modified_files,omitempty"`
	CommitHash    string         `json:"commit_hash,omitempty"`
	Metadata      Metadata       `json:"metadata,omitempty"`
}

// RecoverableWindow bounds how old a session checkpoint may be and still
// be offered for resumption.
const RecoverableWindow = 7 * 24 * time.Hour

// CheckpointMeta carries bookkeeping for a session checkpoint file.
type CheckpointMeta struct {
	CreatedAt       time.Time `json:"created_at"`
	LastModifiedAt  time.Time `json:"last_modified_at"`
	InterruptReason string    `json:"interrupt_reason,omitempty"`
}

// SessionCheckpoint is the coarse recoverable snapshot written once per
// session for crash or pause resumption.
type SessionCheckpoint struct {
	SchemaVersion         int            `json:"schema_version"`
	SessionID             string         `json:"session_id"`
	Timestamp             time.Time      `json:"timestamp"`
	State                 SessionState   `json:"state"`
	Iteration             int            `json:"iteration"`
	PendingTasks          []Task         `json:"pending_tasks,omitempty"`
	CompletedRequirements []string       `json:"completed_requirements,omitempty"`
	RecentErrors          []string       `json:"recent_errors,omitempty"`
	Usage                 ResourceUsage  `json:"usage"`
	WorkingDir            string         `json:"working_dir"`
	Request               string         `json:"request"`
	Agent                 string         `json:"agent,omitempty"`
	Meta                  CheckpointMeta `json:"meta"`
}

// Recoverable reports whether this snapshot may still be resumed: the
// state must not be final, the snapshot must be younger than the
// recoverable window, and the working directory must still exist. The
// directory is only checked for existence, not identity.
func (c *SessionCheckpoint) Recoverable(now time.Time) bool {
	if c.State.IsFinal() {
		return false
	}
	if now.Sub(c.Timestamp) > RecoverableWindow {
		return false
	}
	if c.WorkingDir == "" {
		return false
	}
	info, err := os.Stat(c.WorkingDir)
	return err == nil && info.IsDir()
}
