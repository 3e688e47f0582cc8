// Package types defines the shared data model of the autonomous execution
// core: sessions, requirements, tasks, decisions, checkpoints, resource
// accounting, knowledge entries, and the contracts consumed from external
// collaborators. Components depend on this package; it depends on nothing
// inside the module.
package types

import (
	"fmt"
	"time"
)

// SchemaVersion is stamped on every persisted record. Readers reject
// records carrying a version they do not understand.
const SchemaVersion = 1

// ===== Session states =====

// SessionState is the state of a session in the execution state machine.
type SessionState string

const (
	StateIdle          SessionState = "idle"
	StatePlanning      SessionState = "planning"
	StatePlanApproved  SessionState = "plan_approved"
	StateExecuting     SessionState = "executing"
	StateTesting       SessionState = "testing"
	StateVerifying     SessionState = "verifying"
	StateDeciding      SessionState = "deciding"
	StateDecisionMade  SessionState = "decision_made"
	StateFixing        SessionState = "fixing"
	StateRetrying      SessionState = "retrying"
	StateEvaluating    SessionState = "evaluating"
	StateScoring       SessionState = "scoring"
	StateCheckpointing SessionState = "checkpointing"
	StateRollingBack   SessionState = "rolling_back"
	StateContinuing    SessionState = "continuing"

	// Terminal states. Paused and Blocked are recoverable: a resume is
	// permitted. Completed, Failed and Terminated are final.
	StateCompleted  SessionState = "completed"
	StateFailed     SessionState = "failed"
	StatePaused     SessionState = "paused"
	StateBlocked    SessionState = "blocked"
	StateTerminated SessionState = "terminated"
)

// IsTerminal reports whether the state ends the session's work loop.
func (s SessionState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StatePaused, StateBlocked, StateTerminated:
		return true
	}
	return false
}

// IsRecoverable reports whether a session in this state may be resumed.
func (s SessionState) IsRecoverable() bool {
	return s == StatePaused || s == StateBlocked
}

// IsFinal reports whether no resume is ever permitted from this state.
func (s SessionState) IsFinal() bool {
	return s.IsTerminal() && !s.IsRecoverable()
}

// ===== Autonomy =====

// AutonomyLevel sets the session's risk tolerance. Levels are ordered from
// most aggressive (lunatic) to most conservative (timid); the decision
// engine derives its approval and caution thresholds from the level.
type AutonomyLevel string

const (
	AutonomyLunatic AutonomyLevel = "lunatic"
	AutonomyInsane  AutonomyLevel = "insane"
	AutonomyCrazy   AutonomyLevel = "crazy"
	AutonomyWild    AutonomyLevel = "wild"
	AutonomyBold    AutonomyLevel = "bold"
	AutonomyTimid   AutonomyLevel = "timid"
)

// AutonomyLevels lists all levels ordered most to least aggressive.
var AutonomyLevels = []AutonomyLevel{
	AutonomyLunatic, AutonomyInsane, AutonomyCrazy,
	AutonomyWild, AutonomyBold, AutonomyTimid,
}

// ParseAutonomyLevel validates a level string.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	for _, l := range AutonomyLevels {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown autonomy level: %q", s)
}

// ===== Session =====

// Session is the root aggregate for one autonomous run. It is created on
// start, mutated through phase transitions, and discarded once a final
// state is reached.
type Session struct {
	ID         string        `json:"id"`
	RequestID  string        `json:"request_id"`
	Request    string        `json:"request"`
	State      SessionState  `json:"state"`
	Autonomy   AutonomyLevel `json:"autonomy"`
	StartedAt  time.Time     `json:"started_at"`
	Iteration  int           `json:"iteration"`
	WorkingDir string        `json:"working_dir"`
	Usage      ResourceUsage `json:"usage"`
}

// ===== Resource accounting =====

// ResourceAxis identifies one budgeted dimension.
type ResourceAxis string

const (
	AxisTokens  ResourceAxis = "tokens"
	AxisCost    ResourceAxis = "cost"
	AxisMinutes ResourceAxis = "minutes"
	AxisFiles   ResourceAxis = "files"
	AxisActions ResourceAxis = "actions"
)

// ResourceAxes lists every budgeted axis.
var ResourceAxes = []ResourceAxis{AxisTokens, AxisCost, AxisMinutes, AxisFiles, AxisActions}

// ResourceUsage is a snapshot of consumed resources.
type ResourceUsage struct {
	TokensUsed       int     `json:"tokens_used"`
	Cost             float64 `json:"cost"`
	ElapsedMinutes   float64 `json:"elapsed_minutes"`
	FilesChanged     int     `json:"files_changed"`
	ActionsPerformed int     `json:"actions_performed"`
}

// Value returns the usage along one axis.
func (u ResourceUsage) Value(axis ResourceAxis) float64 {
	switch axis {
	case AxisTokens:
		return float64(u.TokensUsed)
	case AxisCost:
		return u.Cost
	case AxisMinutes:
		return u.ElapsedMinutes
	case AxisFiles:
		return float64(u.FilesChanged)
	case AxisActions:
		return float64(u.ActionsPerformed)
	}
	return 0
}

// ResourceBudget holds the per-axis maxima for a session.
type ResourceBudget struct {
	MaxTokens  int     `json:"max_tokens"`
	MaxCost    float64 `json:"max_cost"`
	MaxMinutes float64 `json:"max_minutes"`
	MaxFiles   int     `json:"max_files"`
	MaxActions int     `json:"max_actions"`
}

// Limit returns the budget along one axis.
func (b ResourceBudget) Limit(axis ResourceAxis) float64 {
	switch axis {
	case AxisTokens:
		return float64(b.MaxTokens)
	case AxisCost:
		return b.MaxCost
	case AxisMinutes:
		return b.MaxMinutes
	case AxisFiles:
		return float64(b.MaxFiles)
	case AxisActions:
		return float64(b.MaxActions)
	}
	return 0
}

// SurplusRatio is the mean of remaining/limit across all axes with a
// positive limit, clamped to [0,1]. 1 means untouched budget, 0 exhausted.
func (b ResourceBudget) SurplusRatio(u ResourceUsage) float64 {
	var sum float64
	var n int
	for _, axis := range ResourceAxes {
		limit := b.Limit(axis)
		if limit <= 0 {
			continue
		}
		remaining := (limit - u.Value(axis)) / limit
		if remaining < 0 {
			remaining = 0
		}
		if remaining > 1 {
			remaining = 1
		}
		sum += remaining
		n++
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

// ===== Priorities =====

// Priority orders requirements and tasks. Critical outranks high outranks
// medium outranks low.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight maps a priority to a sortable rank; higher runs first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ===== Operation history =====

// OperationType classifies a history entry tracked by the safety core.
type OperationType string

const (
	OpToolCall        OperationType = "tool_call"
	OpStateTransition OperationType = "state_transition"
	OpDecision        OperationType = "decision"
)

// OperationResult is the recorded outcome of an operation.
type OperationResult string

const (
	OpResultSuccess OperationResult = "success"
	OpResultError   OperationResult = "error"
	OpResultPending OperationResult = "pending"
)

// Operation is one entry in the bounded history ring the safety core
// inspects for doom loops.
type Operation struct {
	ID        string          `json:"id"`
	Type      OperationType   `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Tool      string          `json:"tool,omitempty"`
	Input     string          `json:"input,omitempty"`
	Result    OperationResult `json:"result"`
	Error     string          `json:"error,omitempty"`
}
