// Package main implements the run and resume CLI commands.
// This file also owns the wiring of process-wide collaborators.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"overdrive/internal/agent"
	"overdrive/internal/bus"
	"overdrive/internal/checkpoint"
	"overdrive/internal/evolution"
	"overdrive/internal/executor"
	"overdrive/internal/knowledge"
	"overdrive/internal/logging"
	"overdrive/internal/metrics"
	"overdrive/internal/orchestrator"
	"overdrive/internal/safety"
	"overdrive/internal/sandbox"
	"overdrive/internal/store"
	"overdrive/internal/types"
	"overdrive/internal/vcs"
)

var (
	sessionID     string
	projectID     string
	autonomy      string
	unattended    bool
	maxIterations int
)

// runCmd starts a new autonomous session
var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run an autonomous session for a coding request",
	Long: `Runs the given request end to end:
  1. Understand: parse the request into tracked requirements
  2. Decide: score the step with the CLOSE decision engine
  3. Execute: red-green-refactor cycles through the sandboxed executor
  4. Verify: test suite, typecheck, lint, coverage
  5. Evaluate: completion analysis, next-step planning, checkpoint

The first interrupt pauses the session at the next step boundary and
writes a recoverable checkpoint; a second interrupt cancels outright.

Example:
  ovr run "add a --json flag to the export command"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSession,
}

// resumeCmd restores a checkpointed session and continues it
var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused or interrupted session",
	Long: `Restores a recoverable session checkpoint and continues the loop
from where it stopped. Completed requirements are not redone.

Use 'ovr sessions' to list recoverable sessions.`,
	Args: cobra.ExactArgs(1),
	RunE: resumeSession,
}

func runSession(cmd *cobra.Command, args []string) error {
	if err := applyRunFlags(cmd); err != nil {
		return err
	}
	request := strings.Join(args, " ")
	workingDir := workspacePath()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := buildCore(ctx, workingDir)
	if err != nil {
		return err
	}
	defer c.Close()

	orch, err := orchestrator.New(sessionConfig(sessionID, workingDir), c.deps())
	if err != nil {
		return err
	}
	defer orch.Close()

	stopSignals := watchSignals(orch, cancel)
	defer stopSignals()

	runErr := orch.Run(ctx, request)
	printOutcome(orch)
	return runErr
}

func resumeSession(cmd *cobra.Command, args []string) error {
	id := args[0]

	// The checkpoint names the working directory the session ran in;
	// everything else is rebuilt around it.
	lookup, err := checkpoint.NewSessionStore(dataPath(workspacePath()))
	if err != nil {
		return err
	}
	cp, err := lookup.Load(id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("session '%s' has no checkpoint here. Use 'ovr sessions' to list recoverable sessions", id)
	}
	if err != nil {
		return err
	}
	if cp.State.IsFinal() {
		return fmt.Errorf("session '%s' already finished in state %s", id, cp.State)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := buildCore(ctx, cp.WorkingDir)
	if err != nil {
		return err
	}
	defer c.Close()

	orch, err := orchestrator.New(sessionConfig(id, cp.WorkingDir), c.deps())
	if err != nil {
		return err
	}
	defer orch.Close()

	if err := orch.RestoreSession(cp); err != nil {
		return err
	}

	stopSignals := watchSignals(orch, cancel)
	defer stopSignals()

	runErr := orch.Resume(ctx)
	printOutcome(orch)
	return runErr
}

// applyRunFlags folds run command flags over the loaded config and
// re-validates the result.
func applyRunFlags(cmd *cobra.Command) error {
	if cmd.Flags().Changed("autonomy") {
		cfg.Session.Autonomy = autonomy
	}
	if cmd.Flags().Changed("unattended") {
		cfg.Session.Unattended = unattended
	}
	if cmd.Flags().Changed("max-iterations") {
		cfg.Session.MaxIterations = maxIterations
	}
	return cfg.Validate()
}

// watchSignals pauses the session on the first SIGINT/SIGTERM and
// cancels the context on the second. Returns a release func.
func watchSignals(orch *orchestrator.Orchestrator, cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		logging.Orchestrator("interrupt received, pausing at the next step boundary")
		fmt.Fprintln(os.Stderr, "\nPausing... interrupt again to cancel outright.")
		orch.Pause("interrupt received")
		if _, ok := <-sigCh; !ok {
			return
		}
		cancel()
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}

// sessionConfig maps the loaded file config onto one session's knobs.
func sessionConfig(id, workingDir string) orchestrator.Config {
	return orchestrator.Config{
		SessionID:          id,
		ProjectID:          projectID,
		WorkingDir:         workingDir,
		Autonomy:           cfg.AutonomyLevel(),
		MaxIterations:      cfg.Session.MaxIterations,
		MaxConcurrent:      cfg.Session.MaxConcurrent,
		Unattended:         cfg.Session.Unattended,
		EnableAutoContinue: cfg.Session.EnableAutoContinue,
		Budget:             cfg.Budget.ToBudget(),
		Safety: safety.CoreConfig{
			WarnThreshold:       cfg.Safety.WarnThreshold,
			LoopThreshold:       cfg.Safety.LoopThreshold,
			LoopWindow:          cfg.Safety.LoopWindow,
			AutoBreakLoops:      cfg.Safety.AutoBreakLoops,
			AutoRollback:        cfg.Safety.AutoRollback,
			MaxRollbackRetries:  cfg.Safety.MaxRollbackRetries,
			MinRollbackInterval: cfg.Safety.MinRollbackInterval,
			DestructiveGate:     cfg.Safety.DestructiveGate,
		},
		Executor: executor.Config{
			PhaseTimeout:      cfg.Executor.PhaseTimeout,
			TestCommand:       cfg.Executor.TestCommand,
			TypecheckCommand:  cfg.Executor.TypecheckCommand,
			LintCommand:       cfg.Executor.LintCommand,
			CoverageCommand:   cfg.Executor.CoverageCommand,
			CoverageThreshold: cfg.Executor.CoverageThreshold,
		},
	}
}

// core bundles the process-wide collaborators behind one Close.
type core struct {
	bus      *bus.Bus
	kv       *store.SQLite
	agent    types.AgentClient
	runner   *sandbox.Runner
	git      *vcs.Git
	watcher  *vcs.Watcher
	sessions *checkpoint.SessionStore
	loop     *evolution.Loop
}

// buildCore wires every collaborator a session needs around the given
// working directory. Logs move to the data directory's file sink.
func buildCore(ctx context.Context, workingDir string) (*core, error) {
	dataDir := dataPath(workingDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logDir := cfg.Logging.Dir
	if logDir == "" {
		logDir = filepath.Join(dataDir, "logs")
	}
	var err error
	logger, err = logging.Initialize(logging.Options{
		Level:           cfg.Logging.Level,
		Dir:             logDir,
		Console:         cfg.Logging.Console,
		DebugAll:        cfg.Logging.DebugAll,
		DebugCategories: append(cfg.Logging.DebugCategories, debugCats...),
	})
	if err != nil {
		return nil, err
	}

	kv, err := store.OpenSQLite(resolveUnder(workingDir, cfg.Storage.SQLitePath))
	if err != nil {
		return nil, err
	}

	agentClient, err := buildAgent(ctx)
	if err != nil {
		kv.Close()
		return nil, err
	}

	runner, err := sandbox.NewRunner(sandbox.Config{
		Backend:          cfg.Sandbox.Backend,
		MaxOutputBytes:   int64(cfg.Sandbox.MaxOutputBytes),
		Images:           sandboxImages(),
		AuditPath:        filepath.Join(dataDir, "sandbox_audit.jsonl"),
		DefaultTimeoutMs: int64(cfg.Sandbox.TimeoutMs),
		DefaultLimits:    cfg.Sandbox.ToLimits(),
	})
	if err != nil {
		kv.Close()
		return nil, err
	}

	sessions, err := checkpoint.NewSessionStore(dataDir)
	if err != nil {
		runner.Close()
		kv.Close()
		return nil, err
	}

	ks, err := knowledge.NewStore(knowledge.StoreConfig{
		DataDir:        dataDir,
		MergeThreshold: cfg.Knowledge.MergeThreshold,
		SearchMinScore: cfg.Knowledge.SearchMinScore,
	})
	if err != nil {
		runner.Close()
		kv.Close()
		return nil, err
	}
	registry, err := evolution.NewRegistry(dataDir)
	if err != nil {
		runner.Close()
		kv.Close()
		return nil, err
	}
	loop, err := evolution.NewLoop(evolution.Config{
		WebSearchThreshold: cfg.Evolution.WebSearchThreshold,
		RelevanceCutoff:    cfg.Knowledge.RelevanceCutoff,
		MinToolSimilarity:  cfg.Evolution.MinToolSimilarity,
		MaxRetries:         cfg.Evolution.MaxRetries,
		EnableGeneration:   cfg.Evolution.EnableGeneration,
		ExecTimeout:        time.Duration(cfg.Sandbox.TimeoutMs) * time.Millisecond,
	}, evolution.Deps{
		Knowledge: ks,
		Registry:  registry,
		Runner:    runner,
		Agent:     agentClient,
		Researcher: evolution.NewResearcher(evolution.ResearcherConfig{
			FetchTimeout: cfg.Evolution.FetchTimeout,
			MaxResults:   cfg.Evolution.MaxFetchResults,
			CacheTTL:     cfg.Evolution.CacheTTL,
		}),
	})
	if err != nil {
		runner.Close()
		kv.Close()
		return nil, err
	}

	c := &core{
		bus:      bus.New(),
		kv:       kv,
		agent:    agentClient,
		runner:   runner,
		sessions: sessions,
		loop:     loop,
	}

	git := vcs.NewGit(workingDir)
	if git.Available(ctx) {
		c.git = git
	} else {
		logging.VCS("git unavailable in %s, VCS checkpoints disabled", workingDir)
	}

	watcher, err := vcs.NewWatcher(workingDir)
	if err == nil {
		err = watcher.Start(ctx)
	}
	if err != nil {
		logging.VCS("workspace watcher unavailable: %v", err)
	} else {
		c.watcher = watcher
	}

	return c, nil
}

func (c *core) deps() orchestrator.Deps {
	d := orchestrator.Deps{
		Bus:       c.bus,
		KV:        c.kv,
		Agent:     c.agent,
		Runner:    c.runner,
		Sessions:  c.sessions,
		Evolution: c.loop,
	}
	if c.git != nil {
		d.VCS = c.git
	}
	if c.watcher != nil {
		d.Paths = c.watcher
	}
	return d
}

func (c *core) Close() {
	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.bus.Close()
	if err := c.runner.Close(); err != nil {
		logging.Sandbox("close runner: %v", err)
	}
	if err := c.kv.Close(); err != nil {
		logging.Store("close kv store: %v", err)
	}
}

// buildAgent selects the LLM bridge from config.
func buildAgent(ctx context.Context) (types.AgentClient, error) {
	switch cfg.Agent.Provider {
	case "scripted":
		return agent.NewScripted(), nil
	default:
		key := os.Getenv(cfg.Agent.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("agent API key missing: set %s", cfg.Agent.APIKeyEnv)
		}
		return agent.NewGemini(ctx, agent.GeminiConfig{
			APIKey:  key,
			Model:   cfg.Agent.Model,
			Timeout: cfg.Agent.Timeout,
		})
	}
}

func sandboxImages() map[types.SandboxLanguage]string {
	if len(cfg.Sandbox.Images) == 0 {
		return nil
	}
	out := make(map[types.SandboxLanguage]string, len(cfg.Sandbox.Images))
	for lang, img := range cfg.Sandbox.Images {
		out[types.SandboxLanguage(lang)] = img
	}
	return out
}

// printOutcome reports where the session landed and how to pick it up.
func printOutcome(orch *orchestrator.Orchestrator) {
	ses := orch.Session()
	u := ses.Usage

	fmt.Println()
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("Session %s: %s after %d iteration(s)\n", ses.ID, stateBadge(ses.State), ses.Iteration)
	fmt.Printf("  tokens %d · cost $%.4f · %.1f min · %d files · %d actions\n",
		u.TokensUsed, u.Cost, u.ElapsedMinutes, u.FilesChanged, u.ActionsPerformed)

	if rep, err := orch.Metrics().LoadReport(context.Background(), metrics.ReportSession); err == nil {
		fmt.Printf("  quality %.1f · craziness %.1f (%s)\n",
			rep.Quality.Total, rep.Craziness.Total, rep.Craziness.Level)
	}
	if errs := orch.RecentErrors(); len(errs) > 0 && ses.State != types.StateCompleted {
		fmt.Printf("  last error: %s\n", truncateStr(errs[len(errs)-1], 100))
	}
	fmt.Println(strings.Repeat("─", 60))

	switch ses.State {
	case types.StatePaused, types.StateBlocked:
		fmt.Printf("Resume with: ovr resume %s\n", ses.ID)
	}
}

func stateBadge(state types.SessionState) string {
	switch state {
	case types.StateCompleted:
		return "✅ " + string(state)
	case types.StateFailed, types.StateTerminated:
		return "❌ " + string(state)
	default:
		return "⏸  " + string(state)
	}
}
