// Package bus is the in-process event bus. The core publishes a fixed set
// of named events; subscribers receive them on buffered channels drained by
// per-subscription goroutines. Publishing never blocks: when a subscriber
// falls behind its buffer, events are dropped for that subscriber and
// counted.
package bus

import (
	"time"

	"overdrive/internal/types"
)

// Def names one event type on the bus.
type Def struct {
	Name string
}

// The full published event set.
var (
	StateChanged           = Def{"state.changed"}
	StateInvalidTransition = Def{"state.invalid_transition"}
	SessionStarted         = Def{"session.started"}
	SessionCompleted       = Def{"session.completed"}
	SessionFailed          = Def{"session.failed"}
	SessionPaused          = Def{"session.paused"}
	DecisionMade           = Def{"decision.made"}
	DecisionBlocked        = Def{"decision.blocked"}
	TaskCreated            = Def{"task.created"}
	TaskStarted            = Def{"task.started"}
	TaskCompleted          = Def{"task.completed"}
	TaskFailed             = Def{"task.failed"}
	TaskSkipped            = Def{"task.skipped"}
	TaskBlocked            = Def{"task.blocked"}
	TaskRetried            = Def{"task.retried"}
	PhaseStarted           = Def{"phase.started"}
	PhaseCompleted         = Def{"phase.completed"}
	TDDCycleStarted        = Def{"tdd.cycle_started"}
	TDDCycleCompleted      = Def{"tdd.cycle_completed"}
	CheckpointCreated      = Def{"checkpoint.created"}
	RollbackPerformed      = Def{"rollback.performed"}
	ResourceWarning        = Def{"resource.warning"}
	ResourceExceeded       = Def{"resource.exceeded"}
	LoopDetected           = Def{"loop.detected"}
	MetricsUpdated         = Def{"metrics.updated"}
	ReportGenerated        = Def{"report.generated"}
	SafetyTriggered        = Def{"safety.triggered"}
	AgentInvoked           = Def{"agent.invoked"}
	IterationStarted       = Def{"iteration.started"}
	IterationCompleted     = Def{"iteration.completed"}
	NextStepPlanned        = Def{"next_step.planned"}
	RequirementsUpdated    = Def{"requirements.updated"}
	CompletionChecked      = Def{"completion.checked"}
)

// Event is one published occurrence.
type Event struct {
	Def     Def
	Payload interface{}
	At      time.Time
}

// ===== Payloads =====

// StateChangedPayload accompanies state.changed.
type StateChangedPayload struct {
	SessionID string             `json:"session_id"`
	From      types.SessionState `json:"from"`
	To        types.SessionState `json:"to"`
	Reason    string             `json:"reason,omitempty"`
}

// InvalidTransitionPayload accompanies state.invalid_transition.
type InvalidTransitionPayload struct {
	SessionID string             `json:"session_id"`
	From      types.SessionState `json:"from"`
	To        types.SessionState `json:"to"`
	Reason    string             `json:"reason"`
}

// SessionPayload accompanies the session.* lifecycle events.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Request   string `json:"request,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
}

// DecisionPayload accompanies decision.made and decision.blocked.
type DecisionPayload struct {
	SessionID string         `json:"session_id"`
	Decision  types.Decision `json:"decision"`
}

// TaskPayload accompanies the task.* events.
type TaskPayload struct {
	SessionID string     `json:"session_id"`
	Task      types.Task `json:"task"`
	Error     string     `json:"error,omitempty"`
}

// PhasePayload accompanies phase.started and phase.completed.
type PhasePayload struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	Success   bool   `json:"success,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// TDDCyclePayload accompanies tdd.cycle_started and tdd.cycle_completed.
type TDDCyclePayload struct {
	SessionID   string `json:"session_id"`
	Requirement string `json:"requirement"`
	Cycle       int    `json:"cycle"`
	Success     bool   `json:"success,omitempty"`
	TestFile    string `json:"test_file,omitempty"`
	ImplFile    string `json:"impl_file,omitempty"`
}

// CheckpointPayload accompanies checkpoint.created.
type CheckpointPayload struct {
	SessionID  string               `json:"session_id"`
	Checkpoint types.Checkpoint     `json:"checkpoint"`
	Type       types.CheckpointType `json:"type"`
}

// RollbackPayload accompanies rollback.performed.
type RollbackPayload struct {
	SessionID     string `json:"session_id"`
	CheckpointID  string `json:"checkpoint_id"`
	Trigger       string `json:"trigger"`
	Success       bool   `json:"success"`
	FilesRestored int    `json:"files_restored"`
	RetryRemaining bool  `json:"retry_remaining"`
}

// ResourcePayload accompanies resource.warning and resource.exceeded.
type ResourcePayload struct {
	SessionID string             `json:"session_id"`
	Axis      types.ResourceAxis `json:"axis"`
	Used      float64            `json:"used"`
	Limit     float64            `json:"limit"`
	Ratio     float64            `json:"ratio"`
}

// LoopPayload accompanies loop.detected.
type LoopPayload struct {
	SessionID string `json:"session_id"`
	LoopType  string `json:"loop_type"` // tool, error, state, decision
	Pattern   string `json:"pattern"`
	Count     int    `json:"count"`
	Broken    bool   `json:"broken"`
}

// MetricsPayload accompanies metrics.updated.
type MetricsPayload struct {
	SessionID string  `json:"session_id"`
	Quality   float64 `json:"quality"`
	Craziness float64 `json:"craziness"`
}

// ReportPayload accompanies report.generated.
type ReportPayload struct {
	SessionID  string `json:"session_id"`
	ReportType string `json:"report_type"`
}

// SafetyPayload accompanies safety.triggered.
type SafetyPayload struct {
	SessionID string `json:"session_id"`
	Layer     string `json:"layer"` // resources, guardrails, destructive
	Reason    string `json:"reason"`
	Operation string `json:"operation,omitempty"`
}

// AgentPayload accompanies agent.invoked.
type AgentPayload struct {
	SessionID string          `json:"session_id"`
	Agent     types.AgentName `json:"agent"`
	Success   bool            `json:"success"`
	Duration  time.Duration   `json:"duration"`
}

// IterationPayload accompanies iteration.started and iteration.completed.
type IterationPayload struct {
	SessionID string `json:"session_id"`
	Iteration int    `json:"iteration"`
}

// NextStepPayload accompanies next_step.planned.
type NextStepPayload struct {
	SessionID      string  `json:"session_id"`
	ShouldContinue bool    `json:"should_continue"`
	Reason         string  `json:"reason"`
	EstimatedCycles int    `json:"estimated_cycles"`
	Confidence     float64 `json:"confidence"`
}

// RequirementsPayload accompanies requirements.updated.
type RequirementsPayload struct {
	SessionID string              `json:"session_id"`
	Total     int                 `json:"total"`
	Completed int                 `json:"completed"`
	Pending   int                 `json:"pending"`
	Updated   []types.Requirement `json:"updated,omitempty"`
}

// CompletionPayload accompanies completion.checked.
type CompletionPayload struct {
	SessionID   string   `json:"session_id"`
	AllComplete bool     `json:"all_complete"`
	Reasons     []string `json:"reasons,omitempty"`
}
