// Package requirements parses a user request into tracked requirements
// with acceptance criteria and keeps their status current as criteria
// pass or fail. Requirements derived mid-session are tracked alongside
// the originals.
package requirements

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

var (
	// ErrUnknownRequirement is returned for ids the tracker has not seen.
	ErrUnknownRequirement = errors.New("requirements: unknown requirement")
	// ErrUnknownCriterion is returned for criterion ids not on the requirement.
	ErrUnknownCriterion = errors.New("requirements: unknown criterion")
)

// priorityPatterns map request phrasing to priorities, checked in order.
// The sentence keeps the first priority whose pattern matches.
var priorityPatterns = []struct {
	re       *regexp.Regexp
	priority types.Priority
}{
	{regexp.MustCompile(`(?i)\b(must|shall|required?|critical)\b`), types.PriorityCritical},
	{regexp.MustCompile(`(?i)\bshould\b`), types.PriorityHigh},
	{regexp.MustCompile(`(?i)\b(could|nice[- ]to[- ]have)\b`), types.PriorityMedium},
	{regexp.MustCompile(`(?i)\b(might|optional(ly)?)\b`), types.PriorityLow},
}

// implicitChecks detect concerns the request implies without stating.
var implicitChecks = []struct {
	name     string
	keywords []string
}{
	{"test coverage", []string{"test", "tests", "testing", "coverage", "tdd"}},
	{"error handling", []string{"error", "errors", "failure", "failures", "exception", "robust"}},
	{"documentation", []string{"document", "documentation", "docs", "readme", "comment"}},
}

// defaultCriteria are attached to every parsed requirement.
var defaultCriteria = []string{
	"implementation matches the description",
	"code follows the project style",
	"tests cover the functionality",
}

var sentenceSplit = regexp.MustCompile(`[.;\n]+`)

// Tracker holds the requirement set for one session.
type Tracker struct {
	mu        sync.RWMutex
	sessionID string
	bus       *bus.Bus
	reqs      map[string]*types.Requirement
	order     []string
}

// New returns an empty tracker.
func New(sessionID string, b *bus.Bus) *Tracker {
	return &Tracker{
		sessionID: sessionID,
		bus:       b,
		reqs:      make(map[string]*types.Requirement),
	}
}

// Parse extracts requirements from the request text and registers them.
// Sentences carrying a priority keyword become requirements at that
// priority; when nothing matches, the entire request becomes a single
// high-priority requirement.
func (t *Tracker) Parse(text string) []types.Requirement {
	var parsed []types.Requirement
	for _, raw := range sentenceSplit.Split(text, -1) {
		sentence := strings.TrimSpace(raw)
		if sentence == "" {
			continue
		}
		for _, pp := range priorityPatterns {
			if pp.re.MatchString(sentence) {
				parsed = append(parsed, newRequirement(sentence, pp.priority, types.SourceOriginal))
				break
			}
		}
	}
	if len(parsed) == 0 {
		whole := strings.TrimSpace(text)
		if whole != "" {
			parsed = append(parsed, newRequirement(whole, types.PriorityHigh, types.SourceOriginal))
		}
	}

	t.mu.Lock()
	for i := range parsed {
		stored := parsed[i]
		t.reqs[stored.ID] = &stored
		t.order = append(t.order, stored.ID)
	}
	t.mu.Unlock()

	logging.Get(logging.CategoryRequirements).Infof("session %s: parsed %d requirements", t.sessionID, len(parsed))
	t.publishUpdated(parsed)
	return parsed
}

func newRequirement(desc string, priority types.Priority, source types.RequirementSource) types.Requirement {
	id := "req-" + uuid.NewString()
	criteria := make([]types.AcceptanceCriterion, len(defaultCriteria))
	for i, c := range defaultCriteria {
		criteria[i] = types.AcceptanceCriterion{
			ID:          fmt.Sprintf("%s-ac%d", id, i+1),
			Description: c,
			Status:      types.CriterionPending,
		}
	}
	return types.Requirement{
		ID:          id,
		Description: desc,
		Status:      types.RequirementPending,
		Priority:    priority,
		Criteria:    criteria,
		Source:      source,
	}
}

// DetectImplicit scans the request for implied concerns. The result is
// informational only; nothing is registered.
func DetectImplicit(text string) []string {
	lower := strings.ToLower(text)
	var found []string
	for _, check := range implicitChecks {
		for _, kw := range check.keywords {
			if strings.Contains(lower, kw) {
				found = append(found, check.name)
				break
			}
		}
	}
	return found
}

// AddDerived registers a requirement discovered mid-session.
func (t *Tracker) AddDerived(desc string, priority types.Priority) types.Requirement {
	if priority == "" {
		priority = types.PriorityMedium
	}
	r := newRequirement(desc, priority, types.SourceDerived)

	t.mu.Lock()
	stored := r
	t.reqs[r.ID] = &stored
	t.order = append(t.order, r.ID)
	t.mu.Unlock()

	logging.Get(logging.CategoryRequirements).Infof("session %s: derived requirement %s", t.sessionID, r.ID)
	t.publishUpdated([]types.Requirement{r})
	return r
}

// UpdateCriterion sets one criterion's status and rederives the
// requirement status.
func (t *Tracker) UpdateCriterion(reqID, critID string, status types.CriterionStatus) (types.Requirement, error) {
	t.mu.Lock()
	r, ok := t.reqs[reqID]
	if !ok {
		t.mu.Unlock()
		return types.Requirement{}, fmt.Errorf("%w: %s", ErrUnknownRequirement, reqID)
	}
	found := false
	for i := range r.Criteria {
		if r.Criteria[i].ID == critID {
			r.Criteria[i].Status = status
			found = true
			break
		}
	}
	if !found {
		t.mu.Unlock()
		return types.Requirement{}, fmt.Errorf("%w: %s on %s", ErrUnknownCriterion, critID, reqID)
	}
	r.Status = r.DeriveStatus()
	snap := cloneRequirement(*r)
	t.mu.Unlock()

	t.publishUpdated([]types.Requirement{snap})
	return snap, nil
}

// MarkAllCriteria sets every criterion on a requirement to one status,
// used when a whole TDD cycle settles the requirement at once.
func (t *Tracker) MarkAllCriteria(reqID string, status types.CriterionStatus) (types.Requirement, error) {
	t.mu.Lock()
	r, ok := t.reqs[reqID]
	if !ok {
		t.mu.Unlock()
		return types.Requirement{}, fmt.Errorf("%w: %s", ErrUnknownRequirement, reqID)
	}
	for i := range r.Criteria {
		r.Criteria[i].Status = status
	}
	r.Status = r.DeriveStatus()
	snap := cloneRequirement(*r)
	t.mu.Unlock()

	t.publishUpdated([]types.Requirement{snap})
	return snap, nil
}

// Get returns a copy of one requirement.
func (t *Tracker) Get(id string) (types.Requirement, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.reqs[id]
	if !ok {
		return types.Requirement{}, fmt.Errorf("%w: %s", ErrUnknownRequirement, id)
	}
	return cloneRequirement(*r), nil
}

// All returns every requirement in registration order.
func (t *Tracker) All() []types.Requirement {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Requirement, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, cloneRequirement(*t.reqs[id]))
	}
	return out
}

// Pending returns requirements not yet completed, in registration order.
// Blocked requirements are included: they still need attention.
func (t *Tracker) Pending() []types.Requirement {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.Requirement
	for _, id := range t.order {
		if r := t.reqs[id]; r.Status != types.RequirementCompleted {
			out = append(out, cloneRequirement(*r))
		}
	}
	return out
}

// CompletedIDs returns the ids of completed requirements.
func (t *Tracker) CompletedIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for _, id := range t.order {
		if t.reqs[id].Status == types.RequirementCompleted {
			out = append(out, id)
		}
	}
	return out
}

// AllComplete reports whether every tracked requirement is completed.
// An empty tracker is not complete: nothing was ever asked.
func (t *Tracker) AllComplete() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.reqs) == 0 {
		return false
	}
	for _, r := range t.reqs {
		if r.Status != types.RequirementCompleted {
			return false
		}
	}
	return true
}

// Counts returns (total, completed, pending-or-otherwise).
func (t *Tracker) Counts() (total, completed, pending int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total = len(t.reqs)
	for _, r := range t.reqs {
		if r.Status == types.RequirementCompleted {
			completed++
		} else {
			pending++
		}
	}
	return total, completed, pending
}

func (t *Tracker) publishUpdated(updated []types.Requirement) {
	if t.bus == nil {
		return
	}
	total, completed, pending := t.Counts()
	t.bus.Publish(bus.RequirementsUpdated, bus.RequirementsPayload{
		SessionID: t.sessionID,
		Total:     total,
		Completed: completed,
		Pending:   pending,
		Updated:   updated,
	})
}

func cloneRequirement(r types.Requirement) types.Requirement {
	out := r
	out.Criteria = append([]types.AcceptanceCriterion(nil), r.Criteria...)
	out.DependsOn = append([]string(nil), r.DependsOn...)
	return out
}
