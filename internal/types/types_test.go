package types

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSessionStatePredicates(t *testing.T) {
	tests := []struct {
		state       SessionState
		terminal    bool
		recoverable bool
		final       bool
	}{
		{StateIdle, false, false, false},
		{StateExecuting, false, false, false},
		{StateCompleted, true, false, true},
		{StateFailed, true, false, true},
		{StateTerminated, true, false, true},
		{StatePaused, true, true, false},
		{StateBlocked, true, true, false},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("%s: IsTerminal = %v, want %v", tt.state, got, tt.terminal)
		}
		if got := tt.state.IsRecoverable(); got != tt.recoverable {
			t.Errorf("%s: IsRecoverable = %v, want %v", tt.state, got, tt.recoverable)
		}
		if got := tt.state.IsFinal(); got != tt.final {
			t.Errorf("%s: IsFinal = %v, want %v", tt.state, got, tt.final)
		}
	}
}

func TestParseAutonomyLevel(t *testing.T) {
	for _, l := range AutonomyLevels {
		got, err := ParseAutonomyLevel(string(l))
		if err != nil {
			t.Fatalf("ParseAutonomyLevel(%q) error: %v", l, err)
		}
		if got != l {
			t.Errorf("ParseAutonomyLevel(%q) = %q", l, got)
		}
	}
	if _, err := ParseAutonomyLevel("reckless"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestRequirementDeriveStatus(t *testing.T) {
	req := Requirement{
		Criteria: []AcceptanceCriterion{
			{ID: "c1", Status: CriterionPending},
			{ID: "c2", Status: CriterionPending},
		},
	}
	if got := req.DeriveStatus(); got != RequirementPending {
		t.Errorf("all pending: got %s, want pending", got)
	}

	req.Criteria[0].Status = CriterionPassed
	if got := req.DeriveStatus(); got != RequirementInProgress {
		t.Errorf("one passed: got %s, want in_progress", got)
	}

	req.Criteria[1].Status = CriterionPassed
	if got := req.DeriveStatus(); got != RequirementCompleted {
		t.Errorf("all passed: got %s, want completed", got)
	}

	req.Criteria[1].Status = CriterionFailed
	if got := req.DeriveStatus(); got != RequirementBlocked {
		t.Errorf("one failed: got %s, want blocked", got)
	}
}

func TestSurplusRatio(t *testing.T) {
	budget := ResourceBudget{
		MaxTokens:  1000,
		MaxCost:    10,
		MaxMinutes: 100,
		MaxFiles:   50,
		MaxActions: 200,
	}

	if got := budget.SurplusRatio(ResourceUsage{}); got != 1.0 {
		t.Errorf("untouched budget: got %v, want 1.0", got)
	}

	full := ResourceUsage{
		TokensUsed:       1000,
		Cost:             10,
		ElapsedMinutes:   100,
		FilesChanged:     50,
		ActionsPerformed: 200,
	}
	if got := budget.SurplusRatio(full); got != 0.0 {
		t.Errorf("exhausted budget: got %v, want 0.0", got)
	}

	half := ResourceUsage{
		TokensUsed:       500,
		Cost:             5,
		ElapsedMinutes:   50,
		FilesChanged:     25,
		ActionsPerformed: 100,
	}
	if got := budget.SurplusRatio(half); got != 0.5 {
		t.Errorf("half-used budget: got %v, want 0.5", got)
	}

	// Overrun clamps to zero rather than going negative.
	over := ResourceUsage{TokensUsed: 5000}
	if got := budget.SurplusRatio(over); got < 0 || got > 1 {
		t.Errorf("overrun budget out of range: %v", got)
	}
}

func TestPriorityWeightOrdering(t *testing.T) {
	if !(PriorityCritical.Weight() > PriorityHigh.Weight() &&
		PriorityHigh.Weight() > PriorityMedium.Weight() &&
		PriorityMedium.Weight() > PriorityLow.Weight()) {
		t.Error("priority weights not strictly ordered")
	}
}

func TestRiskRankOrdering(t *testing.T) {
	order := []RiskLevel{RiskSafe, RiskLow, RiskMedium, RiskHigh, RiskCritical}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s should rank below %s", order[i-1], order[i])
		}
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	md := Metadata{
		"name":    StringValue("deploy"),
		"retries": NumberValue(3),
		"force":   BoolValue(true),
		"files":   ListValue(StringValue("a.go"), StringValue("b.go")),
		"nested": MapValue(map[string]Value{
			"depth": NumberValue(2),
		}),
	}

	data, err := json.Marshal(md)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Metadata
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if len(back) != len(md) {
		t.Fatalf("got %d keys, want %d", len(back), len(md))
	}
	for k, v := range md {
		if !back[k].Equal(v) {
			t.Errorf("key %q: round-trip mismatch", k)
		}
	}
}

func TestMetadataRejectsNull(t *testing.T) {
	var md Metadata
	if err := json.Unmarshal([]byte(`{"x": null}`), &md); err == nil {
		t.Error("expected error for null metadata value")
	}
}

func TestTaskClone(t *testing.T) {
	orig := Task{
		ID:        "task-1",
		Subject:   "build",
		Status:    TaskPending,
		Priority:  PriorityHigh,
		DependsOn: []string{"task-0"},
		Metadata:  Metadata{"k": StringValue("v")},
	}
	clone := orig.Clone()

	clone.DependsOn[0] = "task-9"
	clone.Metadata["k"] = StringValue("changed")

	if orig.DependsOn[0] != "task-0" {
		t.Error("clone shares DependsOn backing array")
	}
	if v, _ := orig.Metadata["k"].AsString(); v != "v" {
		t.Error("clone shares metadata map")
	}
	if diff := cmp.Diff(orig.ID, clone.ID); diff != "" {
		t.Errorf("id mismatch: %s", diff)
	}
}
