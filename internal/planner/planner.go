// Package planner decides, between iterations, whether an autonomous
// session keeps working. PlanNext turns the pending requirement set,
// recent failures, and the live budget into a continue/stop call with a
// prioritized task list; AnalyzeCompletion maps the five completion
// criteria onto a pause/continue verdict. Both are pure rule evaluation:
// no agent is consulted.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// Confidence model for continue decisions: start near-certain, subtract
// a per-failure drag (capped) and a share of the missing budget surplus.
const (
	baseConfidence    = 0.9
	failurePenalty    = 0.1
	maxFailurePenalty = 0.5
	surplusWeight     = 0.3

	// A dependency deadlock is detected from data the tracker derived,
	// so the stop call carries middling confidence.
	deadlockConfidence = 0.5
)

// Config wires a planner to one session.
type Config struct {
	SessionID string
	// MaxIterations caps the loop; zero or negative means uncapped.
	MaxIterations int
	// Unattended plus EnableAutoContinue turns the session into a
	// plow-ahead run that pauses only for exhaustion or a block.
	Unattended         bool
	EnableAutoContinue bool
	Bus                *bus.Bus
}

// Planner evaluates continuation for one session.
type Planner struct {
	sessionID          string
	maxIterations      int
	unattended         bool
	enableAutoContinue bool
	bus                *bus.Bus
}

// New returns a planner for the session described by cfg.
func New(cfg Config) *Planner {
	return &Planner{
		sessionID:          cfg.SessionID,
		maxIterations:      cfg.MaxIterations,
		unattended:         cfg.Unattended,
		enableAutoContinue: cfg.EnableAutoContinue,
		bus:                cfg.Bus,
	}
}

// PlanInput is the planner's view of the session at an iteration boundary.
type PlanInput struct {
	// Pending holds every requirement not yet completed, in tracker order.
	Pending        []types.Requirement
	RecentFailures []string
	Iteration      int
	Usage          types.ResourceUsage
	Budget         types.ResourceBudget
}

// PlannedTask is one unit of upcoming work.
type PlannedTask struct {
	Subject  string         `json:"subject"`
	Priority types.Priority `json:"priority"`
}

// Plan is the continuation verdict for the next iteration.
type Plan struct {
	ShouldContinue  bool          `json:"should_continue"`
	Reason          string        `json:"reason"`
	NextTasks       []PlannedTask `json:"next_tasks,omitempty"`
	EstimatedCycles int           `json:"estimated_cycles"`
	Confidence      float64       `json:"confidence"`
}

// PlanNext decides whether the session runs another iteration. The rules
// apply in a fixed order: all work complete, any resource axis exhausted,
// iteration cap reached, every pending requirement gated on an unmet
// dependency, otherwise continue. Publishes next_step.planned either way.
func (p *Planner) PlanNext(ctx context.Context, in PlanInput) Plan {
	ready := readyRequirements(in.Pending)
	plan := Plan{
		NextTasks:       plannedTasks(ready),
		EstimatedCycles: estimateCycles(len(in.Pending), len(in.RecentFailures)),
	}

	exhausted := exhaustedAxes(in.Budget, in.Usage)
	switch {
	case len(in.Pending) == 0:
		plan.Reason = "all requirements are complete"
		plan.Confidence = 1.0
	case len(exhausted) > 0:
		plan.Reason = fmt.Sprintf("resource budget exhausted on %s", joinAxes(exhausted))
		plan.Confidence = 1.0
	case p.maxIterations > 0 && in.Iteration >= p.maxIterations:
		plan.Reason = fmt.Sprintf("iteration cap reached (%d of %d)", in.Iteration, p.maxIterations)
		plan.Confidence = 1.0
	case len(ready) == 0:
		plan.Reason = fmt.Sprintf("all %d pending requirement(s) wait on unmet dependencies", len(in.Pending))
		plan.Confidence = deadlockConfidence
	default:
		plan.ShouldContinue = true
		plan.Reason = fmt.Sprintf("%d requirement(s) pending, %d ready", len(in.Pending), len(ready))
		plan.Confidence = continueConfidence(len(in.RecentFailures), in.Budget.SurplusRatio(in.Usage))
	}

	logging.PlannerDebug("session %s iteration %d: continue=%v (%s) cycles=%d confidence=%.2f",
		p.sessionID, in.Iteration, plan.ShouldContinue, plan.Reason, plan.EstimatedCycles, plan.Confidence)

	if p.bus != nil {
		p.bus.Publish(bus.NextStepPlanned, bus.NextStepPayload{
			SessionID:       p.sessionID,
			ShouldContinue:  plan.ShouldContinue,
			Reason:          plan.Reason,
			EstimatedCycles: plan.EstimatedCycles,
			Confidence:      plan.Confidence,
		})
	}
	return plan
}

// CompletionCriteria is the orchestrator's end-of-iteration checklist.
type CompletionCriteria struct {
	RequirementsComplete bool
	TestsPassing         bool
	VerificationPassed   bool
	NoBlockingIssues     bool
	ResourcesExhausted   bool
}

// AllMet reports whether every criterion signals completion.
func (c CompletionCriteria) AllMet() bool {
	return c.RequirementsComplete && c.TestsPassing && c.VerificationPassed &&
		c.NoBlockingIssues && !c.ResourcesExhausted
}

// Analysis is the verdict on a completion check.
type Analysis struct {
	CanContinue bool     `json:"can_continue"`
	ShouldPause bool     `json:"should_pause"`
	Reasons     []string `json:"reasons,omitempty"`
}

// AnalyzeCompletion maps the criteria onto a continue/pause verdict.
// Exhaustion and blocking issues always pause. Remaining incomplete work
// continues; whether it also pauses for operator sign-off depends on the
// mode: an unattended session with auto-continue runs straight through.
// Publishes completion.checked.
func (p *Planner) AnalyzeCompletion(ctx context.Context, c CompletionCriteria) Analysis {
	var a Analysis
	if !c.RequirementsComplete {
		a.Reasons = append(a.Reasons, "requirements remain incomplete")
	}
	if !c.TestsPassing {
		a.Reasons = append(a.Reasons, "tests are failing")
	}
	if !c.VerificationPassed {
		a.Reasons = append(a.Reasons, "verification has not passed")
	}
	if !c.NoBlockingIssues {
		a.Reasons = append(a.Reasons, "blocking issues present")
	}
	if c.ResourcesExhausted {
		a.Reasons = append(a.Reasons, "resource budget exhausted")
	}

	switch {
	case c.AllMet():
		// Session is done; nothing to continue or pause for.
	case c.ResourcesExhausted || !c.NoBlockingIssues:
		a.ShouldPause = true
	default:
		a.CanContinue = true
		a.ShouldPause = !(p.unattended && p.enableAutoContinue)
	}

	logging.PlannerDebug("session %s completion check: canContinue=%v shouldPause=%v reasons=%v",
		p.sessionID, a.CanContinue, a.ShouldPause, a.Reasons)

	if p.bus != nil {
		p.bus.Publish(bus.CompletionChecked, bus.CompletionPayload{
			SessionID:   p.sessionID,
			AllComplete: c.AllMet(),
			Reasons:     a.Reasons,
		})
	}
	return a
}

// readyRequirements filters pending requirements down to those whose
// dependencies are all outside the pending set. A dependency on an ID
// that is no longer pending counts as satisfied.
func readyRequirements(pending []types.Requirement) []types.Requirement {
	waiting := make(map[string]bool, len(pending))
	for _, r := range pending {
		waiting[r.ID] = true
	}
	var ready []types.Requirement
	for _, r := range pending {
		gated := false
		for _, dep := range r.DependsOn {
			if waiting[dep] {
				gated = true
				break
			}
		}
		if !gated {
			ready = append(ready, r)
		}
	}
	return ready
}

// plannedTasks orders ready requirements by priority weight, highest
// first, keeping tracker order within a weight.
func plannedTasks(ready []types.Requirement) []PlannedTask {
	if len(ready) == 0 {
		return nil
	}
	sorted := append([]types.Requirement(nil), ready...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority.Weight() > sorted[j].Priority.Weight()
	})
	tasks := make([]PlannedTask, len(sorted))
	for i, r := range sorted {
		tasks[i] = PlannedTask{Subject: r.Description, Priority: r.Priority}
	}
	return tasks
}

// estimateCycles assumes one TDD cycle per pending requirement plus one
// rework cycle per two recent failures.
func estimateCycles(pending, failures int) int {
	if pending == 0 {
		return 0
	}
	return pending + failures/2
}

func continueConfidence(failures int, surplus float64) float64 {
	drag := failurePenalty * float64(failures)
	if drag > maxFailurePenalty {
		drag = maxFailurePenalty
	}
	c := baseConfidence - drag - surplusWeight*(1-surplus)
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// exhaustedAxes lists every budgeted axis whose usage meets or exceeds
// its limit. Axes without a positive limit are unbounded.
func exhaustedAxes(b types.ResourceBudget, u types.ResourceUsage) []types.ResourceAxis {
	var out []types.ResourceAxis
	for _, axis := range types.ResourceAxes {
		limit := b.Limit(axis)
		if limit > 0 && u.Value(axis) >= limit {
			out = append(out, axis)
		}
	}
	return out
}

func joinAxes(axes []types.ResourceAxis) string {
	names := make([]string, len(axes))
	for i, a := range axes {
		names[i] = string(a)
	}
	return strings.Join(names, ", ")
}
