package types

import "time"

// TaskStatus tracks a task through the queue.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskSkipped   TaskStatus = "skipped"
	TaskBlocked   TaskStatus = "blocked"
)

// Task is one schedulable unit of work. Dependencies and dependents form a
// directed graph over ids; the queue maintains Dependents as back-edges and
// never stores object pointers.
type Task struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Dependents  []string   `json:"dependents,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Retries     int        `json:"retries"`
	MaxRetries  int        `json:"max_retries"`
	LastError   string     `json:"last_error,omitempty"`
	Agent       string     `json:"agent,omitempty"`
	Metadata    Metadata   `json:"metadata,omitempty"`
}

// Clone returns a deep copy so queue snapshots cannot alias live tasks.
func (t Task) Clone() Task {
	out := t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	out.Dependents = append([]string(nil), t.Dependents...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		out.CompletedAt = &v
	}
	out.Metadata = t.Metadata.Clone()
	return out
}
