package metrics

import (
	"overdrive/internal/types"
)

// QualityWeights distribute the quality score across its components.
type QualityWeights struct {
	Coverage        float64 `json:"coverage"`
	CodeQuality     float64 `json:"code_quality"`
	DecisionQuality float64 `json:"decision_quality"`
	Efficiency      float64 `json:"efficiency"`
	Safety          float64 `json:"safety"`
}

func (w QualityWeights) zero() bool {
	return w == QualityWeights{}
}

// DefaultQualityWeights is the standard quality mix.
var DefaultQualityWeights = QualityWeights{
	Coverage:        0.25,
	CodeQuality:     0.25,
	DecisionQuality: 0.20,
	Efficiency:      0.15,
	Safety:          0.15,
}

// CrazinessWeights distribute the craziness score across its
// components.
type CrazinessWeights struct {
	Autonomy       float64 `json:"autonomy"`
	SelfCorrection float64 `json:"self_correction"`
	Speed          float64 `json:"speed"`
	RiskTaking     float64 `json:"risk_taking"`
}

func (w CrazinessWeights) zero() bool {
	return w == CrazinessWeights{}
}

// DefaultCrazinessWeights is the standard craziness mix.
var DefaultCrazinessWeights = CrazinessWeights{
	Autonomy:       0.35,
	SelfCorrection: 0.25,
	Speed:          0.20,
	RiskTaking:     0.20,
}

// Scoring scale constants.
const (
	// fullSpeedTasksPerMinute is the task rate treated as maximally
	// fast for the speed and efficiency components.
	fullSpeedTasksPerMinute = 2.0
	// efficientTokensPerTask is the token spend per task treated as
	// fully efficient; higher spend decays the score proportionally.
	efficientTokensPerTask = 5000.0
	// testCountCap caps the test-volume contribution to coverage.
	testCountCap = 30.0

	// Safety penalties per event.
	penaltyRollback   = 15.0
	penaltyLoop       = 20.0
	penaltyWarning    = 5.0
	penaltyFailedTask = 10.0

	// neutralScore stands in for rate components with no samples yet.
	neutralScore = 50.0
)

// QualityScore is the 0-100 quality breakdown.
type QualityScore struct {
	Total           float64 `json:"total"`
	Coverage        float64 `json:"coverage"`
	CodeQuality     float64 `json:"code_quality"`
	DecisionQuality float64 `json:"decision_quality"`
	Efficiency      float64 `json:"efficiency"`
	Safety          float64 `json:"safety"`
}

// CrazinessScore is the 0-100 craziness breakdown plus the autonomy
// level it maps to.
type CrazinessScore struct {
	Total          float64             `json:"total"`
	Autonomy       float64             `json:"autonomy"`
	SelfCorrection float64             `json:"self_correction"`
	Speed          float64             `json:"speed"`
	RiskTaking     float64             `json:"risk_taking"`
	Level          types.AutonomyLevel `json:"level"`
}

// QualityScore computes the weighted quality breakdown from the current
// counters.
func (c *Collector) QualityScore() QualityScore {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := QualityScore{
		Coverage:        c.coverageScoreLocked(),
		CodeQuality:     c.codeQualityScoreLocked(),
		DecisionQuality: c.decisionQualityScoreLocked(),
		Efficiency:      c.efficiencyScoreLocked(),
		Safety:          c.safetyScoreLocked(),
	}
	w := c.quality
	q.Total = clamp(q.Coverage*w.Coverage +
		q.CodeQuality*w.CodeQuality +
		q.DecisionQuality*w.DecisionQuality +
		q.Efficiency*w.Efficiency +
		q.Safety*w.Safety)
	return q
}

// CrazinessScore computes the weighted craziness breakdown and its
// autonomy level.
func (c *Collector) CrazinessScore() CrazinessScore {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CrazinessScore{
		Autonomy:       c.autonomyScoreLocked(),
		SelfCorrection: c.selfCorrectionScoreLocked(),
		Speed:          c.speedScoreLocked(),
		RiskTaking:     c.riskTakingScoreLocked(),
	}
	w := c.craziness
	s.Total = clamp(s.Autonomy*w.Autonomy +
		s.SelfCorrection*w.SelfCorrection +
		s.Speed*w.Speed +
		s.RiskTaking*w.RiskTaking)
	s.Level = LevelFor(s.Total)
	return s
}

// LevelFor maps a craziness score onto the autonomy enumeration.
func LevelFor(score float64) types.AutonomyLevel {
	switch {
	case score >= 90:
		return types.AutonomyLunatic
	case score >= 75:
		return types.AutonomyInsane
	case score >= 60:
		return types.AutonomyCrazy
	case score >= 40:
		return types.AutonomyWild
	case score >= 20:
		return types.AutonomyBold
	default:
		return types.AutonomyTimid
	}
}

// coverageScoreLocked: pass rate worth 40, TDD phase completion worth
// 30, test volume worth up to 30.
func (c *Collector) coverageScoreLocked() float64 {
	run := c.counterLocked(TypeTest, NameRun)
	passRate := 0.0
	if run > 0 {
		passRate = c.counterLocked(TypeTest, NamePassed) / run
	}
	attempted := c.counterLocked(TypePhase, NameAttempted)
	phaseCompletion := 0.0
	if attempted > 0 {
		phaseCompletion = c.counterLocked(TypePhase, NameCompleted) / attempted
	}
	volume := run
	if volume > testCountCap {
		volume = testCountCap
	}
	return clamp(passRate*40 + phaseCompletion*30 + volume)
}

// codeQualityScoreLocked: task completion rate on a 0-100 scale.
func (c *Collector) codeQualityScoreLocked() float64 {
	total := c.counterLocked(TypeTask, NameTotal)
	if total == 0 {
		return 0
	}
	return clamp(100 * c.counterLocked(TypeTask, NamePassed) / total)
}

// decisionQualityScoreLocked: approval rate worth 60, average decision
// score (0-10) worth 40.
func (c *Collector) decisionQualityScoreLocked() float64 {
	total := c.counterLocked(TypeDecision, NameTotal)
	if total == 0 {
		return 0
	}
	approvalRate := c.counterLocked(TypeDecision, NameApproved) / total
	avgScore := c.averageLocked(TypeDecision, NameScore)
	return clamp(approvalRate*60 + (avgScore/10)*40)
}

// efficiencyScoreLocked: mean of the task-rate score and the
// tokens-per-task score.
func (c *Collector) efficiencyScoreLocked() float64 {
	total := c.counterLocked(TypeTask, NameTotal)
	if total == 0 {
		return 0
	}
	tpm := c.tasksPerMinuteLocked()
	tpmScore := clamp(tpm / fullSpeedTasksPerMinute * 100)

	tokens := c.counterLocked(TypeResource, "tokens")
	tokenScore := 100.0
	if tokens > 0 {
		perTask := tokens / total
		if perTask > efficientTokensPerTask {
			tokenScore = clamp(efficientTokensPerTask / perTask * 100)
		}
	}
	return clamp((tpmScore + tokenScore) / 2)
}

// safetyScoreLocked: 100 minus per-event penalties, floored at zero.
func (c *Collector) safetyScoreLocked() float64 {
	score := 100.0
	score -= c.counterLocked(TypeSafety, NameRollback) * penaltyRollback
	score -= c.counterLocked(TypeSafety, NameLoopDetected) * penaltyLoop
	score -= c.counterLocked(TypeSafety, NameWarning) * penaltyWarning
	score -= c.counterLocked(TypeTask, NameFailed) * penaltyFailedTask
	return clamp(score)
}

// autonomyScoreLocked: the fewer pauses and blocks per decision, the
// more autonomous the run.
func (c *Collector) autonomyScoreLocked() float64 {
	total := c.counterLocked(TypeDecision, NameTotal)
	if total == 0 {
		return neutralScore
	}
	interventions := c.counterLocked(TypeDecision, NamePaused) +
		c.counterLocked(TypeDecision, NameBlocked)
	return clamp((1 - interventions/total) * 100)
}

// selfCorrectionScoreLocked: rollbacks indicate active correction.
func (c *Collector) selfCorrectionScoreLocked() float64 {
	rollbacks := c.counterLocked(TypeSafety, NameRollback)
	if rollbacks > 4 {
		rollbacks = 4
	}
	return rollbacks * 25
}

func (c *Collector) speedScoreLocked() float64 {
	return clamp(c.tasksPerMinuteLocked() / fullSpeedTasksPerMinute * 100)
}

// riskTakingScoreLocked: half from the average decision score, half
// from the approval rate.
func (c *Collector) riskTakingScoreLocked() float64 {
	total := c.counterLocked(TypeDecision, NameTotal)
	if total == 0 {
		return neutralScore
	}
	avgScore := c.averageLocked(TypeDecision, NameScore)
	approvalRate := c.counterLocked(TypeDecision, NameApproved) / total
	return clamp(avgScore*10*0.5 + approvalRate*100*0.5)
}

func (c *Collector) tasksPerMinuteLocked() float64 {
	minutes := c.elapsedMinutesLocked()
	if minutes <= 0 {
		return 0
	}
	return c.counterLocked(TypeTask, NameTotal) / minutes
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
