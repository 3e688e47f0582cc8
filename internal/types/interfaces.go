package types

import (
	"context"
	"time"
)

// ===== LLM agent client =====

// AgentName identifies one of the fixed specialist agents the core may
// invoke. The set is closed; requests naming anything else are rejected
// by implementations.
type AgentName string

const (
	AgentCodeReviewer     AgentName = "code-reviewer"
	AgentSecurityReviewer AgentName = "security-reviewer"
	AgentTDDGuide         AgentName = "tdd-guide"
	AgentArchitect        AgentName = "architect"
	AgentExplore          AgentName = "explore"
	AgentGeneral          AgentName = "general"
)

// KnownAgents lists every agent the core may address.
var KnownAgents = []AgentName{
	AgentCodeReviewer, AgentSecurityReviewer, AgentTDDGuide,
	AgentArchitect, AgentExplore, AgentGeneral,
}

// KnownAgent reports whether the name is in the fixed agent set.
func KnownAgent(name AgentName) bool {
	for _, a := range KnownAgents {
		if a == name {
			return true
		}
	}
	return false
}

// AgentOptions tunes one invocation.
type AgentOptions struct {
	Model       string        `json:"model,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// AgentRequest asks a named agent to perform a task.
type AgentRequest struct {
	Agent   AgentName         `json:"agent"`
	Task    string            `json:"task"`
	Context map[string]string `json:"context,omitempty"`
	Options AgentOptions      `json:"options,omitempty"`
}

// AgentResult is the tagged outcome of an invocation. Failures are
// reported through Success=false plus Error, never through panics.
type AgentResult struct {
	Success  bool              `json:"success"`
	Output   string            `json:"output"`
	Duration time.Duration     `json:"duration"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// AgentClient is the contract for the external LLM provider bridge.
// Implementations must validate structured outputs against the per-agent
// schema before reporting success.
type AgentClient interface {
	Invoke(ctx context.Context, req AgentRequest) (AgentResult, error)
}

// ===== Sandbox backend =====

// SandboxLanguage selects the interpreter for sandboxed code.
type SandboxLanguage string

const (
	SandboxPython     SandboxLanguage = "python"
	SandboxJavaScript SandboxLanguage = "javascript"
	SandboxShell      SandboxLanguage = "shell"
)

// SandboxLimits bounds one sandboxed execution. Zero fields mean the
// backend default.
type SandboxLimits struct {
	MaxMemoryBytes int64   `json:"max_memory_bytes,omitempty"`
	MaxCPUs        float64 `json:"max_cpus,omitempty"`
	MaxProcesses   int     `json:"max_processes,omitempty"`
	MaxOpenFiles   int     `json:"max_open_files,omitempty"`
	NetworkAllowed bool    `json:"network_allowed,omitempty"`
}

// SandboxRequest asks for one isolated code execution.
type SandboxRequest struct {
	Language   SandboxLanguage   `json:"language"`
	Code       string            `json:"code"`
	TimeoutMs  int64             `json:"timeout_ms"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Limits     *SandboxLimits    `json:"limits,omitempty"`
}

// SandboxResult reports one execution. A timed-out run carries exit
// code 124 and TimedOut=true. Error is set only for infrastructure
// failures, never for nonzero exits.
type SandboxResult struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
	Error      string `json:"error,omitempty"`
}

// SandboxBackend is the contract one isolation strategy implements.
type SandboxBackend interface {
	Name() string
	Available() bool
	Execute(ctx context.Context, req SandboxRequest) (SandboxResult, error)
}

// ===== VCS driver =====

// CommitOptions controls commit creation.
type CommitOptions struct {
	AddAll     bool
	AllowEmpty bool
}

// VCSDriver is the contract for the project version-control bridge. The
// checkpoint store uses it to pin checkpoints to commits and to restore
// the working tree on rollback.
type VCSDriver interface {
	// Status returns the paths modified relative to HEAD.
	Status(ctx context.Context) ([]string, error)
	// CreateCommit commits current changes and returns the commit hash.
	CreateCommit(ctx context.Context, message string, opts CommitOptions) (string, error)
	// ResetToCommit moves the working tree back to the given commit.
	ResetToCommit(ctx context.Context, hash string, hard bool) error
	// CurrentCommit returns the hash of HEAD.
	CurrentCommit(ctx context.Context) (string, error)
	// IsClean reports whether the working tree has no pending changes.
	IsClean(ctx context.Context) (bool, error)
	// Stash saves and clears local modifications.
	Stash(ctx context.Context) error
	// Unstash restores the most recent stash.
	Unstash(ctx context.Context) error
}
