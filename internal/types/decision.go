package types

import "time"

// DecisionType classifies what kind of action a decision evaluates.
type DecisionType string

const (
	DecisionArchitecture   DecisionType = "architecture"
	DecisionImplementation DecisionType = "implementation"
	DecisionRefactor       DecisionType = "refactor"
	DecisionBugfix         DecisionType = "bugfix"
	DecisionFeature        DecisionType = "feature"
	DecisionTest           DecisionType = "test"
	DecisionRollback       DecisionType = "rollback"
	DecisionCheckpoint     DecisionType = "checkpoint"
	DecisionResource       DecisionType = "resource"
	DecisionOther          DecisionType = "other"
)

// DecisionResult is the outcome of evaluating an action.
type DecisionResult string

const (
	ResultProceed     DecisionResult = "proceed"
	ResultProceedWith DecisionResult = "proceed_with_caution"
	ResultPause       DecisionResult = "pause"
	ResultBlock       DecisionResult = "block"
	ResultSkip        DecisionResult = "skip"
)

// Approved reports whether execution may continue under this result.
// proceed_with_caution is operationally identical to proceed downstream;
// the distinction survives only in the decision record.
func (r DecisionResult) Approved() bool {
	return r == ResultProceed || r == ResultProceedWith
}

// RiskLevel grades a tool call or candidate action.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels: safe < low < medium < high < critical.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 2
}

// CLOSEScore holds the five rubric dimensions plus the weighted total.
// Convergence rates reversibility, Leverage benefit per cost, Optionality
// preserved future options, Surplus remaining budget, Evolution learning
// value. Each dimension lies in [0,10].
type CLOSEScore struct {
	Convergence float64 `json:"convergence"`
	Leverage    float64 `json:"leverage"`
	Optionality float64 `json:"optionality"`
	Surplus     float64 `json:"surplus"`
	Evolution   float64 `json:"evolution"`
	Total       float64 `json:"total"`
}

// Decision is an immutable record of one evaluated action.
type Decision struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Type        DecisionType      `json:"type"`
	Description string            `json:"description"`
	Context     map[string]string `json:"context,omitempty"`
	Score       CLOSEScore        `json:"score"`
	Result      DecisionResult    `json:"result"`
	Reasoning   string            `json:"reasoning"`
	Confidence  int               `json:"confidence"`
	Timestamp   time.Time         `json:"timestamp"`
}
