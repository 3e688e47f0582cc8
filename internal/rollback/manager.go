// Package rollback wraps risky operations with checkpoint-then-restore
// semantics. Failure-specific entry points decide whether a restore is
// warranted; every performed restore consumes one unit of a bounded
// retry budget, and consecutive restores are separated by a minimum
// interval.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"overdrive/internal/bus"
	"overdrive/internal/checkpoint"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// Trigger names why a rollback was attempted.
type Trigger string

const (
	TriggerTestFailure         Trigger = "test_failure"
	TriggerVerificationFailure Trigger = "verification_failure"
	TriggerResourceExceeded    Trigger = "resource_exceeded"
	TriggerLoopDetected        Trigger = "loop_detected"
	TriggerOperationError      Trigger = "operation_error"
)

// testFailureRateThreshold is the failure rate above which a test run
// warrants restoring the pre-run checkpoint.
const testFailureRateThreshold = 0.5

// Result reports one guarded operation or rollback attempt. Performed
// distinguishes "restore ran" from "restore was not warranted or was
// suppressed by budget/interval".
type Result struct {
	Performed      bool   `json:"performed"`
	Success        bool   `json:"success"`
	CheckpointID   string `json:"checkpoint_id,omitempty"`
	FilesRestored  int    `json:"files_restored"`
	Error          string `json:"error,omitempty"`
	RetryRemaining bool   `json:"retry_remaining"`
	Reason         string `json:"reason,omitempty"`
}

// ManagerConfig wires a Manager. Zero MaxRetries and MinInterval fall
// back to the defaults (2 retries, 5s).
type ManagerConfig struct {
	SessionID      string
	Checkpoints    *checkpoint.Store
	Bus            *bus.Bus
	MaxRetries     int
	MinInterval    time.Duration
	CheckpointType types.CheckpointType
}

// Manager owns the rollback policy for one session.
type Manager struct {
	sessionID   string
	checkpoints *checkpoint.Store
	bus         *bus.Bus
	maxRetries  int
	minInterval time.Duration
	cpType      types.CheckpointType

	mu      sync.Mutex
	retries int
	lastAt  time.Time
	now     func() time.Time
}

// NewManager builds a rollback manager over a checkpoint store.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 5 * time.Second
	}
	if cfg.CheckpointType == "" {
		cfg.CheckpointType = types.CheckpointState
	}
	return &Manager{
		sessionID:   cfg.SessionID,
		checkpoints: cfg.Checkpoints,
		bus:         cfg.Bus,
		maxRetries:  cfg.MaxRetries,
		minInterval: cfg.MinInterval,
		cpType:      cfg.CheckpointType,
		now:         time.Now,
	}
}

// WithRollback creates a pre-op checkpoint, runs op, and restores on
// failure. The returned error reports infrastructure problems only; the
// operation's own failure is reflected in the Result.
func (m *Manager) WithRollback(ctx context.Context, trigger Trigger, reason string, op func(context.Context) error) (Result, error) {
	cp, err := m.checkpoints.Create(ctx, m.cpType, fmt.Sprintf("%s: %s", trigger, reason))
	if err != nil {
		return Result{}, fmt.Errorf("rollback: pre-op checkpoint: %w", err)
	}

	opErr := op(ctx)
	if opErr == nil {
		return Result{Success: true, CheckpointID: cp.ID}, nil
	}

	logging.Rollback("operation failed (%s), restoring %s: %v", trigger, cp.ID, opErr)
	res := m.perform(ctx, cp.ID, trigger, reason)
	if !res.Performed && res.Error == "" {
		res.Error = opErr.Error()
	}
	return res, nil
}

// HandleTestFailure restores the latest checkpoint only when more than
// half the tests failed.
func (m *Manager) HandleTestFailure(ctx context.Context, failed, total int) Result {
	if total <= 0 || float64(failed)/float64(total) <= testFailureRateThreshold {
		return Result{Success: true, Reason: "failure rate below rollback threshold"}
	}
	reason := fmt.Sprintf("%d/%d tests failed", failed, total)
	return m.rollbackLatest(ctx, TriggerTestFailure, reason)
}

// HandleVerificationFailure restores the latest checkpoint when the
// type check failed. Lint or coverage misses alone do not roll back.
func (m *Manager) HandleVerificationFailure(ctx context.Context, typecheckOK bool, detail string) Result {
	if typecheckOK {
		return Result{Success: true, Reason: "typecheck passed, no rollback"}
	}
	return m.rollbackLatest(ctx, TriggerVerificationFailure, detail)
}

// HandleResourceExceeded restores the latest checkpoint after a budget
// axis has been exhausted.
func (m *Manager) HandleResourceExceeded(ctx context.Context, axis types.ResourceAxis) Result {
	return m.rollbackLatest(ctx, TriggerResourceExceeded, fmt.Sprintf("%s budget exceeded", axis))
}

// HandleLoopDetected restores the latest checkpoint to break a loop.
func (m *Manager) HandleLoopDetected(ctx context.Context, loopType, pattern string) Result {
	return m.rollbackLatest(ctx, TriggerLoopDetected, fmt.Sprintf("%s loop: %s", loopType, pattern))
}

// RetriesUsed reports how much of the budget has been consumed.
func (m *Manager) RetriesUsed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

func (m *Manager) rollbackLatest(ctx context.Context, trigger Trigger, reason string) Result {
	cp, err := m.checkpoints.Latest(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return Result{Reason: "no checkpoint available"}
	}
	if err != nil {
		return Result{Error: err.Error()}
	}
	return m.perform(ctx, cp.ID, trigger, reason)
}

// perform consumes one retry and restores the checkpoint, unless the
// budget is exhausted or the last restore was too recent.
func (m *Manager) perform(ctx context.Context, id string, trigger Trigger, reason string) Result {
	m.mu.Lock()
	now := m.now()
	if !m.lastAt.IsZero() && now.Sub(m.lastAt) < m.minInterval {
		remaining := m.retries < m.maxRetries
		m.mu.Unlock()
		logging.RollbackDebug("suppressed %s rollback: within minimum interval", trigger)
		return Result{
			CheckpointID:   id,
			Reason:         "within minimum rollback interval",
			RetryRemaining: remaining,
		}
	}
	if m.retries >= m.maxRetries {
		m.mu.Unlock()
		logging.Rollback("suppressed %s rollback: retry budget exhausted", trigger)
		return Result{CheckpointID: id, Reason: "retry budget exhausted"}
	}
	m.retries++
	m.lastAt = now
	remaining := m.retries < m.maxRetries
	m.mu.Unlock()

	res := Result{Performed: true, CheckpointID: id, RetryRemaining: remaining, Reason: reason}
	cp, err := m.checkpoints.Restore(ctx, id)
	if err != nil {
		res.Error = err.Error()
		logging.Rollback("restore %s failed: %v", id, err)
	} else {
		res.Success = true
		res.FilesRestored = len(cp.ModifiedFiles)
		logging.Rollback("restored %s (%d files, trigger=%s)", id, res.FilesRestored, trigger)
	}

	if m.bus != nil {
		m.bus.Publish(bus.RollbackPerformed, bus.RollbackPayload{
			SessionID:      m.sessionID,
			CheckpointID:   id,
			Trigger:        string(trigger),
			Success:        res.Success,
			FilesRestored:  res.FilesRestored,
			RetryRemaining: res.RetryRemaining,
		})
	}
	return res
}
