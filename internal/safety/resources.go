// Package safety is the session safety core: a resource guard that
// enforces per-axis budgets, guardrails that watch the operation history
// for doom loops, and a Datalog-backed gate that refuses destructive
// operations. The three layers combine into a single CheckSafety verdict
// consulted before every risky operation.
package safety

import (
	"sync"
	"time"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// DefaultWarnThreshold is the budget fraction at which an axis emits its
// one-shot resource.warning.
const DefaultWarnThreshold = 0.8

// ResourceGuard tracks consumption against the session budget. Elapsed
// minutes are refreshed on every check; the other axes are fed by the
// orchestrator as work happens.
type ResourceGuard struct {
	sessionID     string
	budget        types.ResourceBudget
	warnThreshold float64
	bus           *bus.Bus

	mu        sync.Mutex
	usage     types.ResourceUsage
	startedAt time.Time
	warned    map[types.ResourceAxis]bool
	now       func() time.Time
}

// NewResourceGuard builds a guard for one session. A warnThreshold of 0
// falls back to the default.
func NewResourceGuard(sessionID string, budget types.ResourceBudget, warnThreshold float64, b *bus.Bus) *ResourceGuard {
	if warnThreshold <= 0 {
		warnThreshold = DefaultWarnThreshold
	}
	g := &ResourceGuard{
		sessionID:     sessionID,
		budget:        budget,
		warnThreshold: warnThreshold,
		bus:           b,
		warned:        make(map[types.ResourceAxis]bool),
		now:           time.Now,
	}
	g.startedAt = g.now()
	return g
}

// AddTokens records token and cost consumption from one agent call.
func (g *ResourceGuard) AddTokens(tokens int, cost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.TokensUsed += tokens
	g.usage.Cost += cost
}

// AddFilesChanged records files touched by an operation.
func (g *ResourceGuard) AddFilesChanged(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.FilesChanged += n
}

// AddAction records one performed action.
func (g *ResourceGuard) AddAction() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.ActionsPerformed++
}

// Usage returns the current snapshot with elapsed minutes refreshed.
func (g *ResourceGuard) Usage() types.ResourceUsage {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshLocked()
	return g.usage
}

// Surplus is the mean remaining budget fraction across axes, used to
// seed the decision rubric's resource criterion.
func (g *ResourceGuard) Surplus() float64 {
	return g.budget.SurplusRatio(g.Usage())
}

// Breach names the first axis found at or over its limit.
type Breach struct {
	Axis  types.ResourceAxis `json:"axis"`
	Used  float64            `json:"used"`
	Limit float64            `json:"limit"`
}

// Check refreshes elapsed time and walks every budgeted axis. Crossing
// the warn threshold publishes a one-shot resource.warning per axis;
// reaching the limit publishes resource.exceeded and returns the breach.
func (g *ResourceGuard) Check() *Breach {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refreshLocked()

	for _, axis := range types.ResourceAxes {
		limit := g.budget.Limit(axis)
		if limit <= 0 {
			continue
		}
		used := g.usage.Value(axis)
		ratio := used / limit

		if used >= limit {
			logging.Safety("resource %s exceeded: %.2f/%.2f", axis, used, limit)
			if g.bus != nil {
				g.bus.Publish(bus.ResourceExceeded, bus.ResourcePayload{
					SessionID: g.sessionID,
					Axis:      axis,
					Used:      used,
					Limit:     limit,
					Ratio:     ratio,
				})
			}
			return &Breach{Axis: axis, Used: used, Limit: limit}
		}

		if ratio >= g.warnThreshold && !g.warned[axis] {
			g.warned[axis] = true
			logging.Safety("resource %s at %.0f%% of budget", axis, ratio*100)
			if g.bus != nil {
				g.bus.Publish(bus.ResourceWarning, bus.ResourcePayload{
					SessionID: g.sessionID,
					Axis:      axis,
					Used:      used,
					Limit:     limit,
					Ratio:     ratio,
				})
			}
		}
	}
	return nil
}

func (g *ResourceGuard) refreshLocked() {
	g.usage.ElapsedMinutes = g.now().Sub(g.startedAt).Minutes()
}
