package safety

import (
	"context"
	"fmt"
	"time"

	"overdrive/internal/bus"
	"overdrive/internal/checkpoint"
	"overdrive/internal/logging"
	"overdrive/internal/rollback"
	"overdrive/internal/types"
)

// Layer names for verdicts and safety.triggered payloads.
const (
	LayerResources   = "resources"
	LayerGuardrails  = "guardrails"
	LayerDestructive = "destructive"
)

// Verdict is the combined safety answer for one check.
type Verdict struct {
	Safe   bool   `json:"safe"`
	Layer  string `json:"layer,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CoreConfig wires a safety core. Zero thresholds fall back to the
// package defaults.
type CoreConfig struct {
	SessionID   string
	Budget      types.ResourceBudget
	Bus         *bus.Bus
	Checkpoints *checkpoint.Store

	WarnThreshold       float64
	LoopThreshold       int
	LoopWindow          time.Duration
	AutoBreakLoops      bool
	AutoRollback        bool
	MaxRollbackRetries  int
	MinRollbackInterval time.Duration
	DestructiveGate     bool
}

// Core combines the resource guard, the guardrails, and the destructive
// gate into one verdict, and owns the checkpoint store and rollback
// manager on behalf of the session.
type Core struct {
	sessionID    string
	bus          *bus.Bus
	resources    *ResourceGuard
	guardrails   *Guardrails
	gate         *Gate
	gateEnabled  bool
	autoRollback bool
	checkpoints  *checkpoint.Store
	rollback     *rollback.Manager
}

// NewCore builds the safety core for one session.
func NewCore(cfg CoreConfig) *Core {
	return &Core{
		sessionID: cfg.SessionID,
		bus:       cfg.Bus,
		resources: NewResourceGuard(cfg.SessionID, cfg.Budget, cfg.WarnThreshold, cfg.Bus),
		guardrails: NewGuardrails(GuardrailsConfig{
			SessionID: cfg.SessionID,
			Bus:       cfg.Bus,
			Threshold: cfg.LoopThreshold,
			Window:    cfg.LoopWindow,
			AutoBreak: cfg.AutoBreakLoops,
		}),
		gate:         NewGate(),
		gateEnabled:  cfg.DestructiveGate,
		autoRollback: cfg.AutoRollback,
		checkpoints:  cfg.Checkpoints,
		rollback: rollback.NewManager(rollback.ManagerConfig{
			SessionID:   cfg.SessionID,
			Checkpoints: cfg.Checkpoints,
			Bus:         cfg.Bus,
			MaxRetries:  cfg.MaxRollbackRetries,
			MinInterval: cfg.MinRollbackInterval,
		}),
	}
}

// CheckSafety runs the three layers in order: budget, loop detection,
// destructive gate. op may be nil for a pure health check; the gate only
// runs when an operation is supplied. A safe verdict means every tracked
// axis is under its limit, no loop was detected, and the op (if any) was
// not refused.
func (c *Core) CheckSafety(ctx context.Context, op *types.Operation) Verdict {
	if breach := c.resources.Check(); breach != nil {
		return c.refuse(LayerResources, fmt.Sprintf("resource %s exceeded: %.2f/%.2f", breach.Axis, breach.Used, breach.Limit), op)
	}

	if loop := c.guardrails.Detect(); loop != nil {
		return c.refuse(LayerGuardrails, fmt.Sprintf("%s loop detected: %s (x%d)", loop.Type, loop.Pattern, loop.Count), op)
	}

	if op != nil && c.gateEnabled {
		denial, err := c.gate.Check(op)
		if err != nil {
			// The op already classified destructive; an unreadable
			// policy fails closed.
			logging.Safety("gate evaluation failed, refusing op %s: %v", op.ID, err)
			return c.refuse(LayerDestructive, "policy evaluation failed: "+err.Error(), op)
		}
		if denial != nil {
			return c.refuse(LayerDestructive, fmt.Sprintf("%s: %s %s operation", denial.Reason, denial.Risk, denial.Category), op)
		}
	}

	return Verdict{Safe: true}
}

func (c *Core) refuse(layer, reason string, op *types.Operation) Verdict {
	opDesc := ""
	if op != nil {
		opDesc = op.Tool
	}
	if c.bus != nil {
		c.bus.Publish(bus.SafetyTriggered, bus.SafetyPayload{
			SessionID: c.sessionID,
			Layer:     layer,
			Reason:    reason,
			Operation: opDesc,
		})
	}
	return Verdict{Safe: false, Layer: layer, Reason: reason}
}

// RecordToolCall feeds the guardrails and counts the action against the
// budget.
func (c *Core) RecordToolCall(tool, input string, result types.OperationResult, errMsg string) {
	c.guardrails.RecordToolCall(tool, input, result, errMsg)
	c.resources.AddAction()
}

// RecordTransition feeds the oscillation detector.
func (c *Core) RecordTransition(from, to types.SessionState) {
	c.guardrails.RecordTransition(from, to)
}

// RecordDecision feeds the hesitation detector.
func (c *Core) RecordDecision(d types.Decision) {
	c.guardrails.RecordDecision(d)
}

// MarkProgress resets the hesitation detector after real work completed.
func (c *Core) MarkProgress() {
	c.guardrails.MarkProgress()
}

// AddTokens records agent token/cost consumption.
func (c *Core) AddTokens(tokens int, cost float64) {
	c.resources.AddTokens(tokens, cost)
}

// AddFilesChanged records files touched by an operation.
func (c *Core) AddFilesChanged(n int) {
	c.resources.AddFilesChanged(n)
}

// Usage returns the refreshed resource snapshot.
func (c *Core) Usage() types.ResourceUsage {
	return c.resources.Usage()
}

// Surplus is the mean remaining budget fraction, fed to the decision
// rubric.
func (c *Core) Surplus() float64 {
	return c.resources.Surplus()
}

// AutoRollback reports whether failures should restore checkpoints
// without asking.
func (c *Core) AutoRollback() bool {
	return c.autoRollback
}

// Checkpoints exposes the owned checkpoint store.
func (c *Core) Checkpoints() *checkpoint.Store {
	return c.checkpoints
}

// Rollback exposes the owned rollback manager.
func (c *Core) Rollback() *rollback.Manager {
	return c.rollback
}

// Resources exposes the resource guard for callers that need the
// structured breach, not just the verdict.
func (c *Core) Resources() *ResourceGuard {
	return c.resources
}

// Guardrails exposes the loop detectors.
func (c *Core) Guardrails() *Guardrails {
	return c.guardrails
}
