// Package decision scores candidate actions on the CLOSE rubric and turns
// the score into a proceed/pause/block verdict using thresholds derived
// from the session's autonomy level. Every evaluation produces an
// immutable Decision record and a decision.made event.
package decision

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// Weights applied to each CLOSE dimension when computing the total.
// Optionality weighs heaviest: keeping future options open matters more
// than any single gain.
const (
	WeightConvergence = 1.0
	WeightLeverage    = 1.2
	WeightOptionality = 1.5
	WeightSurplus     = 1.3
	WeightEvolution   = 0.8
)

const weightSum = WeightConvergence + WeightLeverage + WeightOptionality + WeightSurplus + WeightEvolution

// Thresholds holds the approval and caution cutoffs for one autonomy
// level. total >= Approval proceeds; total >= Caution proceeds with
// caution; below that the risk ladder decides.
type Thresholds struct {
	Approval float64
	Caution  float64
}

var thresholdsByLevel = map[types.AutonomyLevel]Thresholds{
	types.AutonomyLunatic: {Approval: 5.0, Caution: 3.0},
	types.AutonomyInsane:  {Approval: 5.5, Caution: 3.5},
	types.AutonomyCrazy:   {Approval: 6.0, Caution: 4.0},
	types.AutonomyWild:    {Approval: 6.5, Caution: 4.5},
	types.AutonomyBold:    {Approval: 7.0, Caution: 5.0},
	types.AutonomyTimid:   {Approval: 8.0, Caution: 6.0},
}

// ThresholdsFor returns the cutoffs for a level. Unknown levels get the
// bold thresholds.
func ThresholdsFor(level types.AutonomyLevel) Thresholds {
	if t, ok := thresholdsByLevel[level]; ok {
		return t
	}
	return thresholdsByLevel[types.AutonomyBold]
}

func clamp10(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 10 {
		return 10
	}
	return x
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// Score computes the weighted-normalized CLOSE total in [0,10], rounded
// to two decimals. Inputs are clamped to [0,10] first.
func Score(c types.CLOSEScore) float64 {
	sum := WeightConvergence*clamp10(c.Convergence) +
		WeightLeverage*clamp10(c.Leverage) +
		WeightOptionality*clamp10(c.Optionality) +
		WeightSurplus*clamp10(c.Surplus) +
		WeightEvolution*clamp10(c.Evolution)
	return round2(sum / (10 * weightSum) * 10)
}

// DefaultCriteria builds the orchestrator's standard criteria vector for
// an ordinary iteration: checkpoints make most actions reversible, the
// surplus dimension tracks the live budget ratio.
func DefaultCriteria(surplus float64) types.CLOSEScore {
	return types.CLOSEScore{
		Convergence: 7,
		Leverage:    6,
		Optionality: 6,
		Surplus:     clamp10(surplus * 10),
		Evolution:   5,
	}
}

// EvaluationInput describes one candidate action.
type EvaluationInput struct {
	Type         types.DecisionType
	Description  string
	Criteria     types.CLOSEScore
	Risk         types.RiskLevel
	RecentErrors int
	Context      map[string]string
}

// historyCap bounds the retained decision ring.
const historyCap = 50

// Engine evaluates actions for one session.
type Engine struct {
	mu        sync.Mutex
	sessionID string
	level     types.AutonomyLevel
	bus       *bus.Bus
	history   []types.Decision
}

// New returns an engine using the thresholds for the given level.
func New(sessionID string, level types.AutonomyLevel, b *bus.Bus) *Engine {
	return &Engine{sessionID: sessionID, level: level, bus: b}
}

// Level returns the autonomy level the engine decides under.
func (e *Engine) Level() types.AutonomyLevel { return e.level }

// Evaluate scores the action and applies the selection ladder. The
// returned Decision is immutable; callers must not modify it.
func (e *Engine) Evaluate(ctx context.Context, in EvaluationInput) types.Decision {
	if in.Type == "" {
		in.Type = types.DecisionOther
	}
	if in.Risk == "" {
		in.Risk = types.RiskMedium
	}

	total := Score(in.Criteria)
	th := ThresholdsFor(e.level)
	result, reasoning := e.selectResult(total, th, in)

	score := in.Criteria
	score.Convergence = clamp10(score.Convergence)
	score.Leverage = clamp10(score.Leverage)
	score.Optionality = clamp10(score.Optionality)
	score.Surplus = clamp10(score.Surplus)
	score.Evolution = clamp10(score.Evolution)
	score.Total = total

	d := types.Decision{
		ID:          "dec-" + uuid.NewString(),
		SessionID:   e.sessionID,
		Type:        in.Type,
		Description: in.Description,
		Context:     in.Context,
		Score:       score,
		Result:      result,
		Reasoning:   reasoning,
		Confidence:  int(math.Round(math.Min(total, 10) / 10 * 100)),
		Timestamp:   time.Now(),
	}

	e.mu.Lock()
	e.history = append(e.history, d)
	if len(e.history) > historyCap {
		e.history = e.history[len(e.history)-historyCap:]
	}
	e.mu.Unlock()

	logging.DecisionDebug("session %s: %s scored %.2f -> %s (%s)",
		e.sessionID, in.Type, total, result, reasoning)

	if e.bus != nil {
		e.bus.Publish(bus.DecisionMade, bus.DecisionPayload{SessionID: e.sessionID, Decision: d})
		if result == types.ResultBlock {
			e.bus.Publish(bus.DecisionBlocked, bus.DecisionPayload{SessionID: e.sessionID, Decision: d})
		}
	}
	return d
}

// selectResult applies the fixed ladder: score thresholds first, then the
// risk and recent-error escape hatches.
func (e *Engine) selectResult(total float64, th Thresholds, in EvaluationInput) (types.DecisionResult, string) {
	switch {
	case total >= th.Approval:
		return types.ResultProceed,
			fmt.Sprintf("score %.2f meets approval threshold %.1f for %s", total, th.Approval, e.level)
	case total >= th.Caution:
		return types.ResultProceedWith,
			fmt.Sprintf("score %.2f meets caution threshold %.1f for %s", total, th.Caution, e.level)
	case in.Risk == types.RiskLow && in.RecentErrors < 3:
		return types.ResultProceedWith,
			fmt.Sprintf("score %.2f below thresholds but risk is low with %d recent errors", total, in.RecentErrors)
	case in.Risk == types.RiskHigh || in.Risk == types.RiskCritical || in.RecentErrors >= 5:
		return types.ResultPause,
			fmt.Sprintf("score %.2f with risk %s and %d recent errors requires a pause", total, in.Risk, in.RecentErrors)
	case in.Risk == types.RiskMedium:
		if e.level == types.AutonomyTimid {
			return types.ResultBlock,
				fmt.Sprintf("score %.2f with medium risk blocks under timid autonomy", total)
		}
		return types.ResultPause,
			fmt.Sprintf("score %.2f with medium risk requires a pause", total)
	default:
		return types.ResultSkip,
			fmt.Sprintf("score %.2f too low to act on", total)
	}
}

// History returns a copy of the retained decisions, oldest first.
func (e *Engine) History() []types.Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Decision(nil), e.history...)
}

// RecentOfType counts how many of the last n decisions share one type,
// scanning from the newest. Used by hesitation detection.
func (e *Engine) RecentOfType(n int) (types.DecisionType, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.history) == 0 {
		return "", 0
	}
	last := e.history[len(e.history)-1].Type
	count := 0
	for i := len(e.history) - 1; i >= 0 && count < n; i-- {
		if e.history[i].Type != last {
			break
		}
		count++
	}
	return last, count
}
