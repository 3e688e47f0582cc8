package types

// RequirementStatus tracks a requirement through its lifecycle.
type RequirementStatus string

const (
	RequirementPending    RequirementStatus = "pending"
	RequirementInProgress RequirementStatus = "in_progress"
	RequirementCompleted  RequirementStatus = "completed"
	RequirementBlocked    RequirementStatus = "blocked"
)

// CriterionStatus is the verification state of one acceptance criterion.
type CriterionStatus string

const (
	CriterionPending CriterionStatus = "pending"
	CriterionPassed  CriterionStatus = "passed"
	CriterionFailed  CriterionStatus = "failed"
)

// RequirementSource records whether a requirement came from the original
// request or was derived mid-session.
type RequirementSource string

const (
	SourceOriginal RequirementSource = "original"
	SourceDerived  RequirementSource = "derived"
)

// AcceptanceCriterion is one checkable condition on a requirement.
type AcceptanceCriterion struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Status      CriterionStatus `json:"status"`
}

// Requirement is one unit of requested work with acceptance criteria.
// Status is derived: completed iff every criterion passed, blocked iff any
// failed, in_progress if any passed, else pending.
type Requirement struct {
	ID          string                `json:"id"`
	Description string                `json:"description"`
	Status      RequirementStatus     `json:"status"`
	Priority    Priority              `json:"priority"`
	Criteria    []AcceptanceCriterion `json:"criteria"`
	DependsOn   []string              `json:"depends_on,omitempty"`
	Source      RequirementSource     `json:"source"`
}

// DeriveStatus recomputes the requirement status from its criteria.
func (r *Requirement) DeriveStatus() RequirementStatus {
	if len(r.Criteria) == 0 {
		return RequirementPending
	}
	allPassed := true
	anyPassed := false
	for _, c := range r.Criteria {
		switch c.Status {
		case CriterionFailed:
			return RequirementBlocked
		case CriterionPassed:
			anyPassed = true
		default:
			allPassed = false
		}
	}
	if allPassed {
		return RequirementCompleted
	}
	if anyPassed {
		return RequirementInProgress
	}
	return RequirementPending
}
