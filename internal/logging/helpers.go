package logging

// Per-category convenience helpers. Info variants always log; Debug
// variants are gated by the category debug set so hot paths stay cheap.

// Orchestrator logs at info level.
func Orchestrator(format string, args ...interface{}) {
	Get(CategoryOrchestrator).Infof(format, args...)
}

// OrchestratorDebug logs at debug level when the category is enabled.
func OrchestratorDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryOrchestrator) {
		Get(CategoryOrchestrator).Debugf(format, args...)
	}
}

// FSM logs at info level.
func FSM(format string, args ...interface{}) {
	Get(CategoryFSM).Infof(format, args...)
}

// FSMDebug logs at debug level when the category is enabled.
func FSMDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryFSM) {
		Get(CategoryFSM).Debugf(format, args...)
	}
}

// Queue logs at info level.
func Queue(format string, args ...interface{}) {
	Get(CategoryQueue).Infof(format, args...)
}

// QueueDebug logs at debug level when the category is enabled.
func QueueDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryQueue) {
		Get(CategoryQueue).Debugf(format, args...)
	}
}

// Decision logs at info level.
func Decision(format string, args ...interface{}) {
	Get(CategoryDecision).Infof(format, args...)
}

// DecisionDebug logs at debug level when the category is enabled.
func DecisionDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryDecision) {
		Get(CategoryDecision).Debugf(format, args...)
	}
}

// Safety logs at info level.
func Safety(format string, args ...interface{}) {
	Get(CategorySafety).Infof(format, args...)
}

// SafetyDebug logs at debug level when the category is enabled.
func SafetyDebug(format string, args ...interface{}) {
	if debugEnabled(CategorySafety) {
		Get(CategorySafety).Debugf(format, args...)
	}
}

// Checkpoint logs at info level.
func Checkpoint(format string, args ...interface{}) {
	Get(CategoryCheckpoint).Infof(format, args...)
}

// CheckpointDebug logs at debug level when the category is enabled.
func CheckpointDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryCheckpoint) {
		Get(CategoryCheckpoint).Debugf(format, args...)
	}
}

// Rollback logs at info level.
func Rollback(format string, args ...interface{}) {
	Get(CategoryRollback).Infof(format, args...)
}

// RollbackDebug logs at debug level when the category is enabled.
func RollbackDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryRollback) {
		Get(CategoryRollback).Debugf(format, args...)
	}
}

// Executor logs at info level.
func Executor(format string, args ...interface{}) {
	Get(CategoryExecutor).Infof(format, args...)
}

// ExecutorDebug logs at debug level when the category is enabled.
func ExecutorDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryExecutor) {
		Get(CategoryExecutor).Debugf(format, args...)
	}
}

// Sandbox logs at info level.
func Sandbox(format string, args ...interface{}) {
	Get(CategorySandbox).Infof(format, args...)
}

// SandboxDebug logs at debug level when the category is enabled.
func SandboxDebug(format string, args ...interface{}) {
	if debugEnabled(CategorySandbox) {
		Get(CategorySandbox).Debugf(format, args...)
	}
}

// Evolution logs at info level.
func Evolution(format string, args ...interface{}) {
	Get(CategoryEvolution).Infof(format, args...)
}

// EvolutionDebug logs at debug level when the category is enabled.
func EvolutionDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryEvolution) {
		Get(CategoryEvolution).Debugf(format, args...)
	}
}

// Knowledge logs at info level.
func Knowledge(format string, args ...interface{}) {
	Get(CategoryKnowledge).Infof(format, args...)
}

// KnowledgeDebug logs at debug level when the category is enabled.
func KnowledgeDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryKnowledge) {
		Get(CategoryKnowledge).Debugf(format, args...)
	}
}

// Metrics logs at info level.
func Metrics(format string, args ...interface{}) {
	Get(CategoryMetrics).Infof(format, args...)
}

// MetricsDebug logs at debug level when the category is enabled.
func MetricsDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryMetrics) {
		Get(CategoryMetrics).Debugf(format, args...)
	}
}

// Planner logs at info level.
func Planner(format string, args ...interface{}) {
	Get(CategoryPlanner).Infof(format, args...)
}

// PlannerDebug logs at debug level when the category is enabled.
func PlannerDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryPlanner) {
		Get(CategoryPlanner).Debugf(format, args...)
	}
}

// Agent logs at info level.
func Agent(format string, args ...interface{}) {
	Get(CategoryAgent).Infof(format, args...)
}

// AgentDebug logs at debug level when the category is enabled.
func AgentDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryAgent) {
		Get(CategoryAgent).Debugf(format, args...)
	}
}

// Store logs at info level.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Infof(format, args...)
}

// StoreDebug logs at debug level when the category is enabled.
func StoreDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryStore) {
		Get(CategoryStore).Debugf(format, args...)
	}
}

// VCS logs at info level.
func VCS(format string, args ...interface{}) {
	Get(CategoryVCS).Infof(format, args...)
}

// VCSDebug logs at debug level when the category is enabled.
func VCSDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryVCS) {
		Get(CategoryVCS).Debugf(format, args...)
	}
}

// Research logs at info level.
func Research(format string, args ...interface{}) {
	Get(CategoryResearch).Infof(format, args...)
}

// ResearchDebug logs at debug level when the category is enabled.
func ResearchDebug(format string, args ...interface{}) {
	if debugEnabled(CategoryResearch) {
		Get(CategoryResearch).Debugf(format, args...)
	}
}
