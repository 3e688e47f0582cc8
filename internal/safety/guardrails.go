package safety

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// Ring capacities. Operations dominate because every tool call lands
// there; transitions and decisions are far rarer.
const (
	operationRingCap  = 100
	transitionRingCap = 50
	decisionRingCap   = 50
)

// Loop detection defaults.
const (
	DefaultLoopThreshold = 3
	DefaultLoopWindow    = 60 * time.Second

	// similarErrorCutoff is the Jaccard similarity above which two
	// normalized error messages count as the same failure.
	similarErrorCutoff = 0.8

	// oscillationSpan is how many recent transitions the A-B-A-B
	// detector inspects.
	oscillationSpan = 6
)

// LoopType tags the detector that fired.
type LoopType string

const (
	LoopTool     LoopType = "tool"
	LoopError    LoopType = "error"
	LoopState    LoopType = "state"
	LoopDecision LoopType = "decision"
)

// Loop describes one detected repetitive pattern.
type Loop struct {
	Type    LoopType `json:"type"`
	Pattern string   `json:"pattern"`
	Count   int      `json:"count"`
	Broken  bool     `json:"broken"`
}

type transitionEntry struct {
	From types.SessionState
	To   types.SessionState
	At   time.Time
}

type decisionEntry struct {
	Type     types.DecisionType
	Result   types.DecisionResult
	At       time.Time
	Progress bool
}

// Guardrails records state transitions, tool calls, and decisions into
// bounded rings and scans them for doom loops: exact repeats, clusters
// of similar errors, state oscillation, and decision hesitation.
type Guardrails struct {
	sessionID string
	bus       *bus.Bus
	threshold int
	window    time.Duration
	autoBreak bool

	mu          sync.Mutex
	operations  []types.Operation
	transitions []transitionEntry
	decisions   []decisionEntry
	broken      map[string]time.Time
	now         func() time.Time
}

// GuardrailsConfig tunes the detectors. Zero values fall back to the
// defaults (threshold 3, window 60s).
type GuardrailsConfig struct {
	SessionID string
	Bus       *bus.Bus
	Threshold int
	Window    time.Duration
	AutoBreak bool
}

// NewGuardrails builds the loop detector set for one session.
func NewGuardrails(cfg GuardrailsConfig) *Guardrails {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultLoopThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultLoopWindow
	}
	return &Guardrails{
		sessionID: cfg.SessionID,
		bus:       cfg.Bus,
		threshold: cfg.Threshold,
		window:    cfg.Window,
		autoBreak: cfg.AutoBreak,
		broken:    make(map[string]time.Time),
		now:       time.Now,
	}
}

// RecordToolCall appends a tool invocation to the operation ring.
func (g *Guardrails) RecordToolCall(tool, input string, result types.OperationResult, errMsg string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.operations = append(g.operations, types.Operation{
		ID:        uuid.NewString(),
		Type:      types.OpToolCall,
		Timestamp: g.now(),
		Tool:      tool,
		Input:     input,
		Result:    result,
		Error:     errMsg,
	})
	if len(g.operations) > operationRingCap {
		g.operations = g.operations[len(g.operations)-operationRingCap:]
	}
}

// RecordTransition appends a state change to the transition ring.
func (g *Guardrails) RecordTransition(from, to types.SessionState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transitions = append(g.transitions, transitionEntry{
		From: from,
		To:   to,
		At:   g.now(),
	})
	if len(g.transitions) > transitionRingCap {
		g.transitions = g.transitions[len(g.transitions)-transitionRingCap:]
	}
}

// RecordDecision appends a decision outcome to the decision ring.
func (g *Guardrails) RecordDecision(d types.Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decisions = append(g.decisions, decisionEntry{
		Type:   d.Type,
		Result: d.Result,
		At:     g.now(),
	})
	if len(g.decisions) > decisionRingCap {
		g.decisions = g.decisions[len(g.decisions)-decisionRingCap:]
	}
}

// MarkProgress notes that real work completed (a task finished, a test
// passed). The hesitation detector only counts decisions made since the
// last progress mark.
func (g *Guardrails) MarkProgress() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.decisions {
		g.decisions[i].Progress = true
	}
}

// Operations returns a copy of the operation ring, newest last.
func (g *Guardrails) Operations() []types.Operation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]types.Operation, len(g.operations))
	copy(out, g.operations)
	return out
}

// Detect scans all rings and returns the first loop found, or nil. A
// detected loop is published as loop.detected; with auto-break enabled
// the pattern is marked broken and not re-reported within the window.
func (g *Guardrails) Detect() *Loop {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.expireBrokenLocked()

	detectors := []func() *Loop{
		g.detectExactRepeatLocked,
		g.detectSimilarErrorsLocked,
		g.detectOscillationLocked,
		g.detectHesitationLocked,
	}
	for _, detect := range detectors {
		loop := detect()
		if loop == nil {
			continue
		}
		if _, suppressed := g.broken[loop.Pattern]; suppressed {
			continue
		}
		if g.autoBreak {
			loop.Broken = true
			g.broken[loop.Pattern] = g.now()
		}
		logging.Safety("loop detected type=%s count=%d pattern=%q", loop.Type, loop.Count, loop.Pattern)
		if g.bus != nil {
			g.bus.Publish(bus.LoopDetected, bus.LoopPayload{
				SessionID: g.sessionID,
				LoopType:  string(loop.Type),
				Pattern:   loop.Pattern,
				Count:     loop.Count,
				Broken:    loop.Broken,
			})
		}
		return loop
	}
	return nil
}

// detectExactRepeatLocked fires when the same (tool, input) pair occurs
// threshold times within the window.
func (g *Guardrails) detectExactRepeatLocked() *Loop {
	cutoff := g.now().Add(-g.window)
	counts := make(map[string]int)
	for _, op := range g.operations {
		if op.Type != types.OpToolCall || op.Timestamp.Before(cutoff) {
			continue
		}
		key := op.Tool + "\x00" + op.Input
		counts[key]++
		if counts[key] >= g.threshold {
			return &Loop{
				Type:    LoopTool,
				Pattern: fmt.Sprintf("%s(%s)", op.Tool, truncate(op.Input, 80)),
				Count:   counts[key],
			}
		}
	}
	return nil
}

// detectSimilarErrorsLocked fires when threshold tool errors within the
// window normalize to near-identical messages.
func (g *Guardrails) detectSimilarErrorsLocked() *Loop {
	cutoff := g.now().Add(-g.window)
	var normalized []string
	for _, op := range g.operations {
		if op.Type != types.OpToolCall || op.Result != types.OpResultError || op.Timestamp.Before(cutoff) {
			continue
		}
		if op.Error == "" {
			continue
		}
		normalized = append(normalized, NormalizeError(op.Error))
	}
	if len(normalized) < g.threshold {
		return nil
	}
	// Count how many recent errors are similar to the newest one.
	ref := normalized[len(normalized)-1]
	count := 0
	for _, msg := range normalized {
		if jaccard(tokenize(ref), tokenize(msg)) >= similarErrorCutoff {
			count++
		}
	}
	if count >= g.threshold {
		return &Loop{
			Type:    LoopError,
			Pattern: truncate(ref, 120),
			Count:   count,
		}
	}
	return nil
}

// detectOscillationLocked fires on an A-B-A-B pattern in the last six
// transitions.
func (g *Guardrails) detectOscillationLocked() *Loop {
	n := len(g.transitions)
	if n < 4 {
		return nil
	}
	start := n - oscillationSpan
	if start < 0 {
		start = 0
	}
	recent := g.transitions[start:]
	for i := 0; i+3 < len(recent); i++ {
		a, b := recent[i], recent[i+1]
		c, d := recent[i+2], recent[i+3]
		if a.From == b.To && a.To == b.From &&
			c.From == a.From && c.To == a.To &&
			d.From == b.From && d.To == b.To {
			return &Loop{
				Type:    LoopState,
				Pattern: fmt.Sprintf("%s<->%s", a.From, a.To),
				Count:   2,
			}
		}
	}
	return nil
}

// detectHesitationLocked fires when threshold consecutive decisions of
// one type arrive with no progress between them.
func (g *Guardrails) detectHesitationLocked() *Loop {
	if len(g.decisions) < g.threshold {
		return nil
	}
	var (
		run    int
		runTyp types.DecisionType
	)
	for i := len(g.decisions) - 1; i >= 0; i-- {
		d := g.decisions[i]
		if d.Progress {
			break
		}
		if run == 0 {
			runTyp = d.Type
			run = 1
			continue
		}
		if d.Type != runTyp {
			break
		}
		run++
	}
	if run >= g.threshold {
		return &Loop{
			Type:    LoopDecision,
			Pattern: string(runTyp),
			Count:   run,
		}
	}
	return nil
}

func (g *Guardrails) expireBrokenLocked() {
	cutoff := g.now().Add(-g.window)
	for pattern, at := range g.broken {
		if at.Before(cutoff) {
			delete(g.broken, pattern)
		}
	}
}

// ===== Normalization =====

var (
	quotedRe = regexp.MustCompile(`"[^"]*"|'[^']*'|` + "`[^`]*`")
	pathRe   = regexp.MustCompile(`(?:[A-Za-z]:)?(?:/[\w.\-]+)+/?`)
	digitRe  = regexp.MustCompile(`\d+`)
)

// NormalizeError collapses the variable parts of an error message so
// repeated failures compare equal: quoted literals become STR, paths
// become /PATH, digit runs become N.
func NormalizeError(msg string) string {
	out := quotedRe.ReplaceAllString(msg, "STR")
	out = pathRe.ReplaceAllString(out, "/PATH")
	out = digitRe.ReplaceAllString(out, "N")
	return strings.TrimSpace(out)
}

func tokenize(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard is intersection over union of the two token sets;
// empty-vs-empty counts as identical.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
