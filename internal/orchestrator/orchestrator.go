// Package orchestrator drives one autonomous session end to end. It
// owns the per-session components: state machine, task queue, decision
// engine, requirement tracker, safety core (with its checkpoint store
// and rollback manager), TDD executor, metrics collector and next-step
// planner. Process-wide collaborators such as the event bus, the KV
// store, the agent client, the sandbox runner and the evolution loop
// are threaded in through Deps. The iteration loop lives in process.go.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"overdrive/internal/agent"
	"overdrive/internal/bus"
	"overdrive/internal/checkpoint"
	"overdrive/internal/decision"
	"overdrive/internal/evolution"
	"overdrive/internal/executor"
	"overdrive/internal/fsm"
	"overdrive/internal/logging"
	"overdrive/internal/metrics"
	"overdrive/internal/planner"
	"overdrive/internal/requirements"
	"overdrive/internal/safety"
	"overdrive/internal/sandbox"
	"overdrive/internal/store"
	"overdrive/internal/taskqueue"
	"overdrive/internal/types"
)

// Defaults for the loop knobs.
const (
	DefaultMaxIterations = 10
	DefaultMaxConcurrent = 3
)

// recentErrorsCap bounds the error ring fed to the decision engine and
// the planner.
const recentErrorsCap = 10

// Config shapes one session run. SessionID is assigned when empty. The
// Safety and Executor sub-configs carry the tuning knobs only; their
// session identity, working directory, bus and checkpoint wiring are
// filled in by New.
type Config struct {
	SessionID  string
	ProjectID  string
	WorkingDir string
	Autonomy   types.AutonomyLevel

	MaxIterations      int
	MaxConcurrent      int
	Unattended         bool
	EnableAutoContinue bool

	Budget   types.ResourceBudget
	Safety   safety.CoreConfig
	Executor executor.Config
}

// Deps are the process-wide collaborators. Agent, Runner and KV are
// required; Bus, VCS, Paths, Sessions and Evolution degrade gracefully
// when absent.
type Deps struct {
	Bus       *bus.Bus
	KV        store.KV
	Agent     types.AgentClient
	Runner    *sandbox.Runner
	VCS       types.VCSDriver
	Paths     checkpoint.PathSource
	Sessions  *checkpoint.SessionStore
	Evolution *evolution.Loop
}

// Orchestrator runs one session. Control methods (Pause, Stop, Resume)
// are safe to call from other goroutines; session state is otherwise
// mutated only from the goroutine running Process.
type Orchestrator struct {
	cfg  Config
	deps Deps

	agent     types.AgentClient
	machine   *fsm.Machine
	queue     *taskqueue.Queue
	decisions *decision.Engine
	tracker   *requirements.Tracker
	safety    *safety.Core
	exec      *executor.Executor
	collector *metrics.Collector
	planner   *planner.Planner

	mu           sync.Mutex
	session      types.Session
	isRunning    bool
	cancel       context.CancelFunc
	pauseFlag    bool
	pauseReason  string
	stopFlag     bool
	stopReason   string
	recentErrors []string
	nextRequest  string
	solutionHint string
	unsubs       []func()
}

// New builds a fully wired orchestrator for one session.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Agent == nil {
		return nil, errors.New("orchestrator: agent client is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("orchestrator: sandbox runner is required")
	}
	if deps.KV == nil {
		return nil, errors.New("orchestrator: kv store is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "ses-" + uuid.NewString()
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = "default"
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "."
	}
	if cfg.Autonomy == "" {
		cfg.Autonomy = types.AutonomyBold
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}

	o := &Orchestrator{
		cfg:   cfg,
		deps:  deps,
		agent: agent.WithBus(deps.Agent, deps.Bus),
	}

	o.collector = metrics.NewCollector(metrics.Config{
		ProjectID: cfg.ProjectID,
		SessionID: cfg.SessionID,
		KV:        deps.KV,
		Bus:       deps.Bus,
	})

	cps := checkpoint.NewStore(checkpoint.StoreConfig{
		ProjectID: cfg.ProjectID,
		SessionID: cfg.SessionID,
		KV:        deps.KV,
		Driver:    deps.VCS,
		Paths:     deps.Paths,
		Meta:      o.checkpointMeta,
		Bus:       deps.Bus,
	})

	sc := cfg.Safety
	sc.SessionID = cfg.SessionID
	sc.Budget = cfg.Budget
	sc.Bus = deps.Bus
	sc.Checkpoints = cps
	o.safety = safety.NewCore(sc)

	o.machine = fsm.New(cfg.SessionID, deps.Bus)
	o.machine.OnTransition(func(ctx context.Context, from, to types.SessionState, opts fsm.TransitionOptions) error {
		o.safety.RecordTransition(from, to)
		o.collector.Inc(metrics.TypeState, metrics.NameTransition)
		o.mu.Lock()
		o.session.State = to
		o.mu.Unlock()
		return nil
	})

	o.queue = taskqueue.New(cfg.SessionID, cfg.MaxConcurrent, deps.Bus)
	o.decisions = decision.New(cfg.SessionID, cfg.Autonomy, deps.Bus)
	o.tracker = requirements.New(cfg.SessionID, deps.Bus)
	o.planner = planner.New(planner.Config{
		SessionID:          cfg.SessionID,
		MaxIterations:      cfg.MaxIterations,
		Unattended:         cfg.Unattended,
		EnableAutoContinue: cfg.EnableAutoContinue,
		Bus:                deps.Bus,
	})

	ec := cfg.Executor
	ec.SessionID = cfg.SessionID
	ec.WorkingDir = cfg.WorkingDir
	ex, err := executor.New(ec, executor.Deps{
		Agent:   o.agent,
		Runner:  deps.Runner,
		Safety:  o.safety,
		Metrics: o.collector,
		Bus:     deps.Bus,
	})
	if err != nil {
		return nil, err
	}
	o.exec = ex

	o.session = types.Session{
		ID:         cfg.SessionID,
		State:      types.StateIdle,
		Autonomy:   cfg.Autonomy,
		WorkingDir: cfg.WorkingDir,
	}
	o.wireMetrics()
	return o, nil
}

// checkpointMeta snapshots queue and decision depth for checkpoint
// records.
func (o *Orchestrator) checkpointMeta() checkpoint.Meta {
	return checkpoint.Meta{
		State:         o.machine.State(),
		PendingTasks:  len(o.queue.Pending()),
		DecisionCount: len(o.decisions.History()),
	}
}

// wireMetrics mirrors queue and safety events into the collector so the
// quality and craziness scores see them no matter which component fired
// them. Executor-internal rollbacks count the same as orchestrator ones.
func (o *Orchestrator) wireMetrics() {
	if o.deps.Bus == nil {
		return
	}
	sub := func(def bus.Def, typ, name string) {
		o.unsubs = append(o.unsubs, o.deps.Bus.Subscribe(def, func(bus.Event) {
			o.collector.Inc(typ, name)
		}))
	}
	sub(bus.TaskCreated, metrics.TypeTask, metrics.NameTotal)
	sub(bus.TaskCompleted, metrics.TypeTask, metrics.NamePassed)
	sub(bus.TaskFailed, metrics.TypeTask, metrics.NameFailed)
	sub(bus.RollbackPerformed, metrics.TypeSafety, metrics.NameRollback)
	sub(bus.LoopDetected, metrics.TypeSafety, metrics.NameLoopDetected)
	sub(bus.ResourceWarning, metrics.TypeSafety, metrics.NameWarning)
}

// Close releases the orchestrator's bus subscriptions. It does not stop
// a running session; use Stop for that.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Start moves the session out of IDLE and announces it. The iteration
// loop itself runs in Process.
func (o *Orchestrator) Start(ctx context.Context, request string) error {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return errors.New("orchestrator: session already running")
	}
	if state := o.machine.State(); state != types.StateIdle {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: cannot start from state %s", state)
	}
	o.session.RequestID = "req-" + uuid.NewString()
	o.session.Request = request
	o.session.StartedAt = time.Now().UTC()
	o.nextRequest = request
	o.mu.Unlock()

	if err := o.machine.Transition(ctx, types.StatePlanning, fsm.TransitionOptions{Reason: "session started"}); err != nil {
		return err
	}
	o.publish(bus.SessionStarted, bus.SessionPayload{SessionID: o.cfg.SessionID, Request: request})
	logging.Orchestrator("session %s started (autonomy=%s)", o.cfg.SessionID, o.cfg.Autonomy)
	return nil
}

// Run is Start followed by Process.
func (o *Orchestrator) Run(ctx context.Context, request string) error {
	if err := o.Start(ctx, request); err != nil {
		return err
	}
	return o.Process(ctx)
}

// Pause asks the loop to suspend at the next suspension point.
func (o *Orchestrator) Pause(reason string) {
	o.mu.Lock()
	o.pauseFlag = true
	o.pauseReason = reason
	o.mu.Unlock()
	logging.Orchestrator("session %s pause requested: %s", o.cfg.SessionID, reason)
}

// Stop asks the loop to terminate at the next suspension point and
// cancels in-flight work.
func (o *Orchestrator) Stop(reason string) {
	o.mu.Lock()
	o.stopFlag = true
	o.stopReason = reason
	cancel := o.cancel
	o.mu.Unlock()
	logging.Orchestrator("session %s stop requested: %s", o.cfg.SessionID, reason)
	if cancel != nil {
		cancel()
	}
}

// Resume re-enters the loop from PAUSED or BLOCKED and runs it to the
// next landing.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return errors.New("orchestrator: session already running")
	}
	if state := o.machine.State(); !state.IsRecoverable() {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator: cannot resume from state %s", state)
	}
	o.pauseFlag = false
	o.pauseReason = ""
	o.stopFlag = false
	o.stopReason = ""
	o.mu.Unlock()

	if err := o.machine.Transition(ctx, types.StateExecuting, fsm.TransitionOptions{Reason: "session resumed"}); err != nil {
		return err
	}
	logging.Orchestrator("session %s resumed", o.cfg.SessionID)
	return o.Process(ctx)
}

// RestoreSession rehydrates state from a saved snapshot before Resume.
// Completed requirements are matched by description because a re-parse
// of the request assigns fresh ids.
func (o *Orchestrator) RestoreSession(cp *types.SessionCheckpoint) error {
	if cp == nil {
		return errors.New("orchestrator: nil session checkpoint")
	}
	if cp.SessionID != o.cfg.SessionID {
		return fmt.Errorf("orchestrator: checkpoint belongs to session %s", cp.SessionID)
	}

	// A snapshot written mid-iteration (crash recovery) lands as paused;
	// only recoverable and final states restore verbatim.
	state := cp.State
	if !state.IsRecoverable() && !state.IsFinal() {
		state = types.StatePaused
	}
	o.machine.Restore(state)
	o.queue.RestoreSnapshot(cp.PendingTasks)

	o.tracker.Parse(cp.Request)
	completed := make(map[string]bool, len(cp.CompletedRequirements))
	for _, desc := range cp.CompletedRequirements {
		completed[desc] = true
	}
	for _, r := range o.tracker.All() {
		if completed[r.Description] {
			if _, err := o.tracker.MarkAllCriteria(r.ID, types.CriterionPassed); err != nil {
				logging.Orchestrator("restore requirement %s: %v", r.ID, err)
			}
		}
	}

	// Tokens, cost and file counts carry over; the action count and the
	// time axis restart with the process.
	if cp.Usage.TokensUsed > 0 || cp.Usage.Cost > 0 {
		o.safety.AddTokens(cp.Usage.TokensUsed, cp.Usage.Cost)
	}
	if cp.Usage.FilesChanged > 0 {
		o.safety.AddFilesChanged(cp.Usage.FilesChanged)
	}

	o.mu.Lock()
	o.session.State = state
	o.session.Request = cp.Request
	o.session.Iteration = cp.Iteration
	o.session.StartedAt = cp.Meta.CreatedAt
	if cp.WorkingDir != "" {
		o.session.WorkingDir = cp.WorkingDir
	}
	o.recentErrors = append([]string(nil), cp.RecentErrors...)
	o.nextRequest = cp.Request
	o.mu.Unlock()

	logging.Orchestrator("session %s restored (state=%s, iteration=%d)", o.cfg.SessionID, state, cp.Iteration)
	return nil
}

// SessionID returns the session's identifier.
func (o *Orchestrator) SessionID() string {
	return o.cfg.SessionID
}

// State reports the machine's current state.
func (o *Orchestrator) State() types.SessionState {
	return o.machine.State()
}

// Session returns a copy of the live session record with fresh usage.
func (o *Orchestrator) Session() types.Session {
	o.mu.Lock()
	sess := o.session
	o.mu.Unlock()
	sess.State = o.machine.State()
	sess.Usage = o.safety.Usage()
	return sess
}

// Metrics exposes the session's collector.
func (o *Orchestrator) Metrics() *metrics.Collector {
	return o.collector
}

// Safety exposes the safety core, which owns the checkpoint store and
// the rollback manager.
func (o *Orchestrator) Safety() *safety.Core {
	return o.safety
}

// RecentErrors returns a copy of the error ring, oldest first.
func (o *Orchestrator) RecentErrors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.recentErrors...)
}

func (o *Orchestrator) publish(def bus.Def, payload interface{}) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(def, payload)
	}
}

func (o *Orchestrator) iteration() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session.Iteration
}

// appendError pushes onto the recent-errors ring, newest last.
func (o *Orchestrator) appendError(msg string) {
	if msg == "" {
		return
	}
	o.mu.Lock()
	o.recentErrors = append(o.recentErrors, msg)
	if n := len(o.recentErrors) - recentErrorsCap; n > 0 {
		o.recentErrors = append([]string(nil), o.recentErrors[n:]...)
	}
	o.mu.Unlock()
	logging.OrchestratorDebug("session %s recent error: %s", o.cfg.SessionID, msg)
}

func (o *Orchestrator) setNextRequest(request string) {
	o.mu.Lock()
	o.nextRequest = request
	o.mu.Unlock()
}
