package safety

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	"github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// seenWindow bounds how long a (category, input, files) signature counts
// toward the repeated-destructive rule.
const seenWindow = 10 * time.Minute

// gateSchema declares the fact shapes the policy reasons over. The op
// fact carries the classification; op_file the touched paths; op_seen
// how many times the same signature was gated recently.
const gateSchema = `
Decl op(Id, Category, Risk, Reversible).
Decl op_file(Id, Path).
Decl op_seen(Id, Count).
Decl denied(Id, Reason).
`

// gateRules refuse critical and high risk outright, irreversible medium
// risk, and any signature already recorded twice in the window. The seen
// count is capped at the trip point before it becomes a fact, so the
// repeat rule matches on the constant.
const gateRules = `
denied(Id, /critical_risk) :- op(Id, _, /critical, _).
denied(Id, /high_risk) :- op(Id, _, /high, _).
denied(Id, /irreversible_medium) :- op(Id, _, /medium, /false).
denied(Id, /repeated_destructive) :- op(Id, _, _, _), op_seen(Id, 2).
`

// Denial is the gate's refusal of one operation.
type Denial struct {
	Reason   string          `json:"reason"`
	Category Category        `json:"category"`
	Risk     types.RiskLevel `json:"risk"`
}

// Gate evaluates destructive operations against the Datalog policy. Each
// check compiles the schema, the op's facts, and the rules into one
// program and derives denied/2 to fixpoint.
type Gate struct {
	mu   sync.Mutex
	seen map[string][]time.Time
	now  func() time.Time
}

// NewGate builds an empty gate.
func NewGate() *Gate {
	return &Gate{
		seen: make(map[string][]time.Time),
		now:  time.Now,
	}
}

// Check classifies op and evaluates the policy. A nil Denial means the
// operation may proceed. Non-destructive operations pass without an
// evaluation. The error reports policy-engine trouble only.
func (g *Gate) Check(op *types.Operation) (*Denial, error) {
	cls := ClassifyOperation(op)
	if !cls.Destructive {
		return nil, nil
	}

	g.mu.Lock()
	sig := signature(op, cls)
	count := g.recentCountLocked(sig)
	g.seen[sig] = append(g.seen[sig], g.now())
	g.mu.Unlock()

	reason, err := evalGatePolicy(op.ID, cls, count)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		logging.SafetyDebug("gate allowed op=%s category=%s risk=%s seen=%d", op.ID, cls.Category, cls.Risk, count)
		return nil, nil
	}
	logging.Safety("gate denied op=%s category=%s risk=%s reason=%s", op.ID, cls.Category, cls.Risk, reason)
	return &Denial{Reason: reason, Category: cls.Category, Risk: cls.Risk}, nil
}

func (g *Gate) recentCountLocked(sig string) int {
	cutoff := g.now().Add(-seenWindow)
	kept := g.seen[sig][:0]
	for _, at := range g.seen[sig] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(g.seen, sig)
	} else {
		g.seen[sig] = kept
	}
	return len(kept)
}

// signature identifies a destructive op for the repeat rule: same
// category, same serialized input, same touched files.
func signature(op *types.Operation, cls Classification) string {
	return strings.Join([]string{
		string(cls.Category),
		op.Tool,
		op.Input,
		strings.Join(cls.Files, ","),
	}, "\x00")
}

// evalGatePolicy builds the program text, parses, analyzes, evaluates to
// fixpoint, and reads back denied/2. The first denial reason wins.
func evalGatePolicy(opID string, cls Classification, seenCount int) (string, error) {
	var sb strings.Builder
	sb.WriteString(gateSchema)
	fmt.Fprintf(&sb, "op(%q, /%s, /%s, %s).\n", opID, cls.Category, cls.Risk, nameBool(cls.Reversible))
	for _, f := range cls.Files {
		fmt.Fprintf(&sb, "op_file(%q, %q).\n", opID, f)
	}
	if seenCount > 2 {
		seenCount = 2
	}
	fmt.Fprintf(&sb, "op_seen(%q, %d).\n", opID, seenCount)
	sb.WriteString(gateRules)

	unit, err := parse.Unit(strings.NewReader(sb.String()))
	if err != nil {
		return "", fmt.Errorf("safety: parse gate policy: %w", err)
	}
	info, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return "", fmt.Errorf("safety: analyze gate policy: %w", err)
	}
	store := factstore.NewSimpleInMemoryStore()
	if _, err := engine.EvalProgramWithStats(info, store); err != nil {
		return "", fmt.Errorf("safety: evaluate gate policy: %w", err)
	}

	var reason string
	for pred := range info.Decls {
		if pred.Symbol != "denied" {
			continue
		}
		err := store.GetFacts(ast.NewQuery(pred), func(a ast.Atom) error {
			if reason == "" && len(a.Args) == 2 {
				reason = constantString(a.Args[1])
			}
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("safety: read denials: %w", err)
		}
		break
	}
	return reason, nil
}

func nameBool(v bool) string {
	if v {
		return "/true"
	}
	return "/false"
}

// constantString extracts a readable symbol from a Mangle constant,
// trimming the name-constant slash.
func constantString(term ast.BaseTerm) string {
	if c, ok := term.(ast.Constant); ok {
		return strings.TrimPrefix(c.Symbol, "/")
	}
	return fmt.Sprintf("%v", term)
}
