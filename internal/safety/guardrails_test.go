package safety

import (
	"testing"
	"time"

	"overdrive/internal/bus"
	"overdrive/internal/types"
)

func newTestGuardrails(b *bus.Bus, autoBreak bool) *Guardrails {
	return NewGuardrails(GuardrailsConfig{
		SessionID: "s1",
		Bus:       b,
		Threshold: 3,
		Window:    time.Minute,
		AutoBreak: autoBreak,
	})
}

func TestNoLoopOnVariedCalls(t *testing.T) {
	g := newTestGuardrails(nil, false)
	g.RecordToolCall("write_file", "a", types.OpResultSuccess, "")
	g.RecordToolCall("write_file", "b", types.OpResultSuccess, "")
	g.RecordToolCall("read_file", "a", types.OpResultSuccess, "")
	if loop := g.Detect(); loop != nil {
		t.Fatalf("unexpected loop: %+v", loop)
	}
}

func TestExactRepeatLoopFiresAtThreshold(t *testing.T) {
	g := newTestGuardrails(nil, false)
	for i := 0; i < 3; i++ {
		g.RecordToolCall("write_file", `{"path":"a.go"}`, types.OpResultError, "boom")
	}
	loop := g.Detect()
	if loop == nil {
		t.Fatal("expected exact-repeat loop")
	}
	if loop.Type != LoopTool {
		t.Fatalf("Type = %s, want %s", loop.Type, LoopTool)
	}
	if loop.Count != 3 {
		t.Fatalf("Count = %d, want 3", loop.Count)
	}
}

func TestExactRepeatIgnoresCallsOutsideWindow(t *testing.T) {
	g := newTestGuardrails(nil, false)
	current := time.Now()
	g.now = func() time.Time { return current }

	g.RecordToolCall("sh", "make", types.OpResultError, "")
	g.RecordToolCall("sh", "make", types.OpResultError, "")
	current = current.Add(2 * time.Minute)
	g.RecordToolCall("sh", "make", types.OpResultError, "")

	if loop := g.Detect(); loop != nil {
		t.Fatalf("stale repeats should not fire: %+v", loop)
	}
}

func TestSimilarErrorLoop(t *testing.T) {
	g := newTestGuardrails(nil, false)
	g.RecordToolCall("sh", "go test ./a", types.OpResultError, `compile error at /src/pkg/a.go line 10: undefined symbol "Foo"`)
	g.RecordToolCall("sh", "go test ./b", types.OpResultError, `compile error at /src/pkg/b.go line 42: undefined symbol "Bar"`)
	g.RecordToolCall("sh", "go test ./c", types.OpResultError, `compile error at /src/pkg/c.go line 7: undefined symbol "Baz"`)

	loop := g.Detect()
	if loop == nil {
		t.Fatal("expected similar-error loop")
	}
	if loop.Type != LoopError {
		t.Fatalf("Type = %s, want %s", loop.Type, LoopError)
	}
}

func TestSimilarErrorIgnoresDistinctFailures(t *testing.T) {
	g := newTestGuardrails(nil, false)
	g.RecordToolCall("sh", "a", types.OpResultError, "connection refused by upstream proxy host")
	g.RecordToolCall("sh", "b", types.OpResultError, "missing required field in manifest schema")
	g.RecordToolCall("sh", "c", types.OpResultError, "disk quota exhausted during artifact upload")
	if loop := g.Detect(); loop != nil {
		t.Fatalf("distinct errors should not fire: %+v", loop)
	}
}

func TestOscillationDetection(t *testing.T) {
	g := newTestGuardrails(nil, false)
	g.RecordTransition(types.StateExecuting, types.StateEvaluating)
	g.RecordTransition(types.StateEvaluating, types.StateExecuting)
	g.RecordTransition(types.StateExecuting, types.StateEvaluating)
	g.RecordTransition(types.StateEvaluating, types.StateExecuting)

	loop := g.Detect()
	if loop == nil {
		t.Fatal("expected oscillation loop")
	}
	if loop.Type != LoopState {
		t.Fatalf("Type = %s, want %s", loop.Type, LoopState)
	}
}

func TestForwardProgressIsNotOscillation(t *testing.T) {
	g := newTestGuardrails(nil, false)
	g.RecordTransition(types.StateIdle, types.StatePlanning)
	g.RecordTransition(types.StatePlanning, types.StateDeciding)
	g.RecordTransition(types.StateDeciding, types.StateExecuting)
	g.RecordTransition(types.StateExecuting, types.StateTesting)
	if loop := g.Detect(); loop != nil {
		t.Fatalf("forward chain should not fire: %+v", loop)
	}
}

func TestHesitationDetection(t *testing.T) {
	g := newTestGuardrails(nil, false)
	for i := 0; i < 3; i++ {
		g.RecordDecision(types.Decision{Type: types.DecisionRefactor, Result: types.ResultPause})
	}
	loop := g.Detect()
	if loop == nil {
		t.Fatal("expected hesitation loop")
	}
	if loop.Type != LoopDecision {
		t.Fatalf("Type = %s, want %s", loop.Type, LoopDecision)
	}
	if loop.Pattern != string(types.DecisionRefactor) {
		t.Fatalf("Pattern = %s", loop.Pattern)
	}
}

func TestProgressResetsHesitation(t *testing.T) {
	g := newTestGuardrails(nil, false)
	g.RecordDecision(types.Decision{Type: types.DecisionRefactor, Result: types.ResultPause})
	g.RecordDecision(types.Decision{Type: types.DecisionRefactor, Result: types.ResultPause})
	g.MarkProgress()
	g.RecordDecision(types.Decision{Type: types.DecisionRefactor, Result: types.ResultPause})
	if loop := g.Detect(); loop != nil {
		t.Fatalf("progress should reset the run: %+v", loop)
	}
}

func TestAutoBreakSuppressesRereport(t *testing.T) {
	rec := &bus.Recorder{}
	b := bus.New()
	defer b.Close()
	unsub := b.SubscribeAll(rec.Handler())
	defer unsub()

	g := newTestGuardrails(b, true)
	for i := 0; i < 3; i++ {
		g.RecordToolCall("write_file", "same", types.OpResultSuccess, "")
	}

	first := g.Detect()
	if first == nil || !first.Broken {
		t.Fatalf("first detection should break the loop: %+v", first)
	}
	// Same pattern within the window stays quiet.
	if second := g.Detect(); second != nil {
		t.Fatalf("broken pattern re-reported: %+v", second)
	}
}

func TestOperationRingIsBounded(t *testing.T) {
	g := newTestGuardrails(nil, false)
	for i := 0; i < operationRingCap+20; i++ {
		g.RecordToolCall("t", "varied-"+string(rune('a'+i%26)), types.OpResultSuccess, "")
	}
	if n := len(g.Operations()); n != operationRingCap {
		t.Fatalf("ring length = %d, want %d", n, operationRingCap)
	}
}

func TestNormalizeError(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`file "/tmp/x9/y.go" missing`, "file STR missing"},
		{`exit code 137 at /usr/local/bin/tool`, "exit code N at /PATH"},
		{`expected 3 results, got 7`, "expected N results, got N"},
	}
	for _, tc := range cases {
		if got := NormalizeError(tc.in); got != tc.want {
			t.Fatalf("NormalizeError(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
