// Package config loads and validates the runtime configuration. Defaults
// come first, an optional YAML file overlays them, and OVERDRIVE_* env vars
// overlay the file. Components receive their section structs; nothing here
// reaches into other internal packages.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"overdrive/internal/types"
)

// Config is the root of the runtime configuration.
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Budget    BudgetConfig    `yaml:"budget"`
	Safety    SafetyConfig    `yaml:"safety"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Agent     AgentConfig     `yaml:"agent"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SessionConfig controls the orchestration loop.
type SessionConfig struct {
	Autonomy           string `yaml:"autonomy"`
	MaxIterations      int    `yaml:"max_iterations"`
	MaxConcurrent      int    `yaml:"max_concurrent"`
	Unattended         bool   `yaml:"unattended"`
	EnableAutoContinue bool   `yaml:"enable_auto_continue"`
}

// BudgetConfig sets the per-session resource maxima.
type BudgetConfig struct {
	MaxTokens  int     `yaml:"max_tokens"`
	MaxCost    float64 `yaml:"max_cost"`
	MaxMinutes float64 `yaml:"max_minutes"`
	MaxFiles   int     `yaml:"max_files"`
	MaxActions int     `yaml:"max_actions"`
}

// ToBudget converts to the domain type.
func (b BudgetConfig) ToBudget() types.ResourceBudget {
	return types.ResourceBudget{
		MaxTokens:  b.MaxTokens,
		MaxCost:    b.MaxCost,
		MaxMinutes: b.MaxMinutes,
		MaxFiles:   b.MaxFiles,
		MaxActions: b.MaxActions,
	}
}

// SafetyConfig tunes the safety core.
type SafetyConfig struct {
	WarnThreshold       float64       `yaml:"warn_threshold"`
	LoopThreshold       int           `yaml:"loop_threshold"`
	LoopWindow          time.Duration `yaml:"loop_window"`
	AutoBreakLoops      bool          `yaml:"auto_break_loops"`
	AutoRollback        bool          `yaml:"auto_rollback"`
	MaxRollbackRetries  int           `yaml:"max_rollback_retries"`
	MinRollbackInterval time.Duration `yaml:"min_rollback_interval"`
	DestructiveGate     bool          `yaml:"destructive_gate"`
}

// ExecutorConfig tunes the TDD executor.
type ExecutorConfig struct {
	PhaseTimeout      time.Duration `yaml:"phase_timeout"`
	CoverageThreshold float64       `yaml:"coverage_threshold"`
	TestCommand       string        `yaml:"test_command"`
	TypecheckCommand  string        `yaml:"typecheck_command"`
	LintCommand       string        `yaml:"lint_command"`
	CoverageCommand   string        `yaml:"coverage_command"`
}

// SandboxConfig tunes code execution backends.
type SandboxConfig struct {
	Backend        string            `yaml:"backend"` // auto, process, container, engine
	Images         map[string]string `yaml:"images"`
	TimeoutMs      int               `yaml:"timeout_ms"`
	MemoryMB       int               `yaml:"memory_mb"`
	CPUs           float64           `yaml:"cpus"`
	PidsLimit      int               `yaml:"pids_limit"`
	NoFileLimit    int               `yaml:"nofile_limit"`
	NetworkAllowed bool              `yaml:"network_allowed"`
	MaxOutputBytes int               `yaml:"max_output_bytes"`
}

// ToLimits converts the per-execution knobs to the domain type.
func (s SandboxConfig) ToLimits() *types.SandboxLimits {
	return &types.SandboxLimits{
		MaxMemoryBytes: int64(s.MemoryMB) << 20,
		MaxCPUs:        s.CPUs,
		MaxProcesses:   s.PidsLimit,
		MaxOpenFiles:   s.NoFileLimit,
		NetworkAllowed: s.NetworkAllowed,
	}
}

// EvolutionConfig tunes the five-step problem solver.
type EvolutionConfig struct {
	WebSearchThreshold float64       `yaml:"web_search_threshold"`
	MaxRetries         int           `yaml:"max_retries"`
	EnableGeneration   bool          `yaml:"enable_generation"`
	MinToolSimilarity  float64       `yaml:"min_tool_similarity"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	MaxFetchResults    int           `yaml:"max_fetch_results"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
}

// KnowledgeConfig tunes the knowledge store.
type KnowledgeConfig struct {
	DataDir         string  `yaml:"data_dir"`
	MergeThreshold  float64 `yaml:"merge_threshold"`
	RelevanceCutoff float64 `yaml:"relevance_cutoff"`
	SearchMinScore  float64 `yaml:"search_min_score"`
}

// AgentConfig selects the LLM bridge.
type AgentConfig struct {
	Provider  string        `yaml:"provider"` // gemini, scripted
	Model     string        `yaml:"model"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// StorageConfig locates the KV store.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// LoggingConfig mirrors logging.Options in YAML form.
type LoggingConfig struct {
	Level           string   `yaml:"level"`
	Dir             string   `yaml:"dir"`
	Console         bool     `yaml:"console"`
	DebugAll        bool     `yaml:"debug_all"`
	DebugCategories []string `yaml:"debug_categories"`
}

// DefaultConfig returns the documented defaults. Every Load starts here.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Autonomy:           string(types.AutonomyBold),
			MaxIterations:      10,
			MaxConcurrent:      3,
			Unattended:         false,
			EnableAutoContinue: true,
		},
		Budget: BudgetConfig{
			MaxTokens:  1_000_000,
			MaxCost:    10.0,
			MaxMinutes: 120,
			MaxFiles:   100,
			MaxActions: 500,
		},
		Safety: SafetyConfig{
			WarnThreshold:       0.8,
			LoopThreshold:       3,
			LoopWindow:          60 * time.Second,
			AutoBreakLoops:      true,
			AutoRollback:        true,
			MaxRollbackRetries:  2,
			MinRollbackInterval: 5 * time.Second,
			DestructiveGate:     true,
		},
		Executor: ExecutorConfig{
			PhaseTimeout:      5 * time.Minute,
			CoverageThreshold: 70,
			TestCommand:       "go test ./...",
			TypecheckCommand:  "go vet ./...",
			LintCommand:       "",
			CoverageCommand:   "go test -cover ./...",
		},
		Sandbox: SandboxConfig{
			Backend: "auto",
			Images: map[string]string{
				"python":     "python:3.12-slim",
				"javascript": "node:22-alpine",
				"shell":      "alpine:3.20",
			},
			TimeoutMs:      30_000,
			MemoryMB:       512,
			CPUs:           1.0,
			PidsLimit:      128,
			NoFileLimit:    256,
			NetworkAllowed: false,
			MaxOutputBytes: 100 * 1024,
		},
		Evolution: EvolutionConfig{
			WebSearchThreshold: 0.4,
			MaxRetries:         3,
			EnableGeneration:   true,
			MinToolSimilarity:  0.3,
			FetchTimeout:       30 * time.Second,
			MaxFetchResults:    5,
			CacheTTL:           15 * time.Minute,
		},
		Knowledge: KnowledgeConfig{
			DataDir:         ".overdrive",
			MergeThreshold:  0.9,
			RelevanceCutoff: 0.8,
			SearchMinScore:  0.2,
		},
		Agent: AgentConfig{
			Provider:  "gemini",
			Model:     "gemini-2.0-flash",
			APIKeyEnv: "GEMINI_API_KEY",
			Timeout:   2 * time.Minute,
		},
		Storage: StorageConfig{
			SQLitePath: ".overdrive/overdrive.db",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads a YAML file over the defaults, then applies env overrides.
// An empty path skips the file and still applies env overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OVERDRIVE_AUTONOMY"); v != "" {
		c.Session.Autonomy = v
	}
	if v := os.Getenv("OVERDRIVE_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Session.MaxIterations = n
		}
	}
	if v := os.Getenv("OVERDRIVE_UNATTENDED"); v != "" {
		c.Session.Unattended = v == "1" || v == "true"
	}
	if v := os.Getenv("OVERDRIVE_SANDBOX_BACKEND"); v != "" {
		c.Sandbox.Backend = v
	}
	if v := os.Getenv("OVERDRIVE_DATA_DIR"); v != "" {
		c.Knowledge.DataDir = v
	}
	if v := os.Getenv("OVERDRIVE_SQLITE_PATH"); v != "" {
		c.Storage.SQLitePath = v
	}
	if v := os.Getenv("OVERDRIVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("OVERDRIVE_MODEL"); v != "" {
		c.Agent.Model = v
	}
	if v := os.Getenv("OVERDRIVE_AGENT_PROVIDER"); v != "" {
		c.Agent.Provider = v
	}
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if _, err := types.ParseAutonomyLevel(c.Session.Autonomy); err != nil {
		return fmt.Errorf("config: session.autonomy: %w", err)
	}
	if c.Session.MaxIterations <= 0 {
		return fmt.Errorf("config: session.max_iterations must be positive")
	}
	if c.Session.MaxConcurrent <= 0 {
		return fmt.Errorf("config: session.max_concurrent must be positive")
	}
	if c.Budget.MaxTokens <= 0 && c.Budget.MaxCost <= 0 && c.Budget.MaxMinutes <= 0 {
		return fmt.Errorf("config: budget must bound at least one axis")
	}
	if c.Safety.WarnThreshold <= 0 || c.Safety.WarnThreshold >= 1 {
		return fmt.Errorf("config: safety.warn_threshold must be in (0,1)")
	}
	if c.Safety.LoopThreshold < 2 {
		return fmt.Errorf("config: safety.loop_threshold must be at least 2")
	}
	switch c.Sandbox.Backend {
	case "auto", "process", "container", "engine":
	default:
		return fmt.Errorf("config: sandbox.backend %q not one of auto|process|container|engine", c.Sandbox.Backend)
	}
	if c.Evolution.WebSearchThreshold < 0 || c.Evolution.WebSearchThreshold > 1 {
		return fmt.Errorf("config: evolution.web_search_threshold must be in [0,1]")
	}
	if c.Knowledge.MergeThreshold <= 0 || c.Knowledge.MergeThreshold > 1 {
		return fmt.Errorf("config: knowledge.merge_threshold must be in (0,1]")
	}
	switch c.Agent.Provider {
	case "gemini", "scripted":
	default:
		return fmt.Errorf("config: agent.provider %q not one of gemini|scripted", c.Agent.Provider)
	}
	return nil
}

// AutonomyLevel returns the parsed session autonomy level. Validate must
// have passed.
func (c *Config) AutonomyLevel() types.AutonomyLevel {
	l, _ := types.ParseAutonomyLevel(c.Session.Autonomy)
	return l
}
