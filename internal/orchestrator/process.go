package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"overdrive/internal/bus"
	"overdrive/internal/decision"
	"overdrive/internal/evolution"
	"overdrive/internal/executor"
	"overdrive/internal/fsm"
	"overdrive/internal/logging"
	"overdrive/internal/metrics"
	"overdrive/internal/planner"
	"overdrive/internal/requirements"
	"overdrive/internal/store"
	"overdrive/internal/types"
)

// settlePasses bounds how many times the understand/plan tasks are
// drained; a dependent task needs a second pass, a retried one a third.
const settlePasses = 3

// iterationChecks carries the test and verification outcomes from the
// execute phase into completion analysis.
type iterationChecks struct {
	tests  executor.TestResult
	verify executor.VerificationResult
}

// Process runs the iteration loop until the session lands in a terminal
// or recoverable state. A panic anywhere in the loop fails the session
// instead of crashing the process.
func (o *Orchestrator) Process(ctx context.Context) (err error) {
	o.mu.Lock()
	if o.isRunning {
		o.mu.Unlock()
		return errors.New("orchestrator: session already running")
	}
	o.isRunning = true
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	defer func() {
		cancel()
		o.mu.Lock()
		o.isRunning = false
		o.cancel = nil
		o.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator: session panicked: %v", r)
			o.failSession(err.Error())
		}
	}()

	for {
		halted, herr := o.iterate(runCtx)
		if halted {
			return herr
		}
	}
}

// iterate runs one full loop pass: gates, understand/plan, decide,
// execute, test, verify, evaluate. It returns halted=true when the
// session landed (paused, blocked, terminated, completed or failed);
// herr is non-nil only when the landing was a failure.
func (o *Orchestrator) iterate(ctx context.Context) (bool, error) {
	o.mu.Lock()
	o.session.Iteration++
	iter := o.session.Iteration
	request := o.nextRequest
	hint := o.solutionHint
	o.solutionHint = ""
	o.mu.Unlock()

	o.publish(bus.IterationStarted, bus.IterationPayload{SessionID: o.cfg.SessionID, Iteration: iter})
	logging.Orchestrator("session %s iteration %d starting", o.cfg.SessionID, iter)

	if halt := o.gate(ctx); halt {
		return true, o.gateErr(ctx)
	}
	if halt, herr := o.checkBudgets(ctx); halt {
		return true, herr
	}

	if hint != "" {
		request += "\n\nKnown fix from a previous attempt:\n" + hint
	}

	if err := o.understandAndPlan(ctx, request, iter); err != nil {
		o.failSession(err.Error())
		return true, err
	}
	if halt := o.gate(ctx); halt {
		return true, o.gateErr(ctx)
	}

	if halt, herr := o.decide(ctx, request); halt {
		return true, herr
	}
	if halt := o.gate(ctx); halt {
		return true, o.gateErr(ctx)
	}

	if err := o.executeCycle(ctx); err != nil {
		o.failSession(err.Error())
		return true, err
	}
	if halt := o.gate(ctx); halt {
		return true, o.gateErr(ctx)
	}

	checks, err := o.testAndVerify(ctx)
	if err != nil {
		o.failSession(err.Error())
		return true, err
	}
	if halt := o.gate(ctx); halt {
		return true, o.gateErr(ctx)
	}

	halted, err := o.checkCompletion(ctx, checks)
	if err != nil {
		o.failSession(err.Error())
		return true, err
	}
	return halted, nil
}

// gate lands the session when a stop or pause was requested or the
// context died. Stop wins over pause.
func (o *Orchestrator) gate(ctx context.Context) bool {
	o.mu.Lock()
	stop, stopReason := o.stopFlag, o.stopReason
	pause, pauseReason := o.pauseFlag, o.pauseReason
	o.mu.Unlock()

	switch {
	case stop:
		o.terminateSession(stopReason)
		return true
	case ctx.Err() != nil:
		o.pauseSession("context canceled")
		return true
	case pause:
		o.pauseSession(pauseReason)
		return true
	}
	return false
}

// gateErr picks the error a gated landing reports: context death
// surfaces, explicit pause and stop land cleanly.
func (o *Orchestrator) gateErr(ctx context.Context) error {
	o.mu.Lock()
	stop := o.stopFlag
	o.mu.Unlock()
	if stop {
		return nil
	}
	return ctx.Err()
}

// checkBudgets enforces the resource and guardrail layers at the top of
// each iteration. A breach or an unbroken loop rolls back (when enabled)
// and pauses; a loop the guardrails already broke is recorded and the
// iteration proceeds.
func (o *Orchestrator) checkBudgets(ctx context.Context) (bool, error) {
	if breach := o.safety.Resources().Check(); breach != nil {
		reason := fmt.Sprintf("resource %s exceeded: %.2f/%.2f", breach.Axis, breach.Used, breach.Limit)
		o.appendError(reason)
		if o.safety.AutoRollback() {
			if res := o.safety.Rollback().HandleResourceExceeded(ctx, breach.Axis); res.Performed {
				logging.Orchestrator("session %s rolled back to %s on %s breach", o.cfg.SessionID, res.CheckpointID, breach.Axis)
			}
		}
		o.pauseSession(reason)
		return true, nil
	}
	if loop := o.safety.Guardrails().Detect(); loop != nil {
		reason := fmt.Sprintf("%s loop detected: %s (x%d)", loop.Type, loop.Pattern, loop.Count)
		o.appendError(reason)
		if loop.Broken {
			logging.Orchestrator("session %s broke a %s loop, continuing", o.cfg.SessionID, loop.Type)
			return false, nil
		}
		if o.safety.AutoRollback() {
			if res := o.safety.Rollback().HandleLoopDetected(ctx, string(loop.Type), loop.Pattern); res.Performed {
				logging.Orchestrator("session %s rolled back to %s on loop", o.cfg.SessionID, res.CheckpointID)
			}
		}
		o.pauseSession(reason)
		return true, nil
	}
	return false, nil
}

// understandAndPlan queues the explore and architect tasks for this
// iteration and drains them. The first iteration also parses the request
// into tracked requirements. Failures here degrade the iteration, they
// do not land the session.
func (o *Orchestrator) understandAndPlan(ctx context.Context, request string, iter int) error {
	var implicit []string
	if len(o.tracker.All()) == 0 {
		parsed := o.tracker.Parse(request)
		logging.Orchestrator("session %s parsed %d requirements", o.cfg.SessionID, len(parsed))
		if implicit = requirements.DetectImplicit(request); len(implicit) > 0 {
			logging.Orchestrator("session %s implicit concerns: %s", o.cfg.SessionID, strings.Join(implicit, ", "))
		}
	}

	understand, err := o.queue.Add(types.Task{
		Subject:    fmt.Sprintf("understand the request (iteration %d)", iter),
		Agent:      string(types.AgentExplore),
		Priority:   types.PriorityHigh,
		MaxRetries: 1,
	})
	if err != nil {
		return err
	}
	plan, err := o.queue.Add(types.Task{
		Subject:    fmt.Sprintf("draft the step plan (iteration %d)", iter),
		Agent:      string(types.AgentArchitect),
		Priority:   types.PriorityHigh,
		DependsOn:  []string{understand.ID},
		MaxRetries: 1,
	})
	if err != nil {
		return err
	}

	run := func(ctx context.Context, t types.Task) error {
		agentCtx := map[string]string{
			"request":     request,
			"working_dir": o.cfg.WorkingDir,
		}
		if len(implicit) > 0 {
			agentCtx["implicit_concerns"] = strings.Join(implicit, ", ")
		}
		res, err := o.agent.Invoke(ctx, types.AgentRequest{
			Agent:   types.AgentName(t.Agent),
			Task:    t.Subject,
			Context: agentCtx,
		})
		if err != nil {
			o.safety.RecordToolCall("agent:"+t.Agent, t.Subject, types.OpResultError, err.Error())
			return err
		}
		if !res.Success {
			o.safety.RecordToolCall("agent:"+t.Agent, t.Subject, types.OpResultError, res.Error)
			return errors.New(res.Error)
		}
		o.safety.RecordToolCall("agent:"+t.Agent, t.Subject, types.OpResultSuccess, "")
		return nil
	}
	for pass := 0; pass < settlePasses; pass++ {
		if len(o.queue.Runnable()) == 0 {
			break
		}
		if err := o.queue.RunRunnable(ctx, run); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	for _, id := range []string{understand.ID, plan.ID} {
		t, err := o.queue.Get(id)
		if err != nil {
			continue
		}
		switch t.Status {
		case types.TaskCompleted:
		case types.TaskFailed:
			o.appendError(fmt.Sprintf("%s: %s", t.Subject, t.LastError))
		default:
			if err := o.queue.Skip(id); err == nil {
				o.appendError(fmt.Sprintf("%s: prerequisite did not complete", t.Subject))
			}
		}
	}
	return nil
}

// decide scores the next step through the CLOSE engine. Unapproved
// results land the session: blocked for an operator when attended,
// paused when unattended.
func (o *Orchestrator) decide(ctx context.Context, request string) (bool, error) {
	if err := o.transition(ctx, types.StateDeciding, "scoring next step"); err != nil {
		o.failSession(err.Error())
		return true, err
	}

	o.mu.Lock()
	errCount := len(o.recentErrors)
	o.mu.Unlock()

	d := o.decisions.Evaluate(ctx, decision.EvaluationInput{
		Type:         types.DecisionImplementation,
		Description:  truncate(request, 140),
		Criteria:     decision.DefaultCriteria(o.safety.Surplus()),
		Risk:         types.RiskMedium,
		RecentErrors: errCount,
		Context:      map[string]string{"iteration": fmt.Sprint(o.iteration())},
	})
	o.safety.RecordDecision(d)
	o.collector.Inc(metrics.TypeDecision, metrics.NameTotal)
	o.collector.Observe(metrics.TypeDecision, metrics.NameScore, d.Score.Total)

	key := []string{"autonomous", "decisions", o.cfg.ProjectID, d.ID}
	if err := store.WriteJSON(ctx, o.deps.KV, key, d); err != nil {
		logging.OrchestratorDebug("persist decision %s: %v", d.ID, err)
	}

	switch {
	case d.Result.Approved():
		o.collector.Inc(metrics.TypeDecision, metrics.NameApproved)
	case d.Result == types.ResultPause:
		o.collector.Inc(metrics.TypeDecision, metrics.NamePaused)
	case d.Result == types.ResultBlock:
		o.collector.Inc(metrics.TypeDecision, metrics.NameBlocked)
	}

	if !d.Result.Approved() {
		o.haltUnapproved(d)
		return true, nil
	}
	if err := o.transition(ctx, types.StateDecisionMade, d.Reasoning); err != nil {
		o.failSession(err.Error())
		return true, err
	}
	return false, nil
}

// haltUnapproved lands an unapproved decision. Attended sessions block
// so an operator can weigh in; unattended ones pause recoverably.
func (o *Orchestrator) haltUnapproved(d types.Decision) {
	reason := fmt.Sprintf("decision %s: %s", d.Result, d.Reasoning)
	if o.cfg.Unattended {
		o.pauseSession(reason)
		return
	}
	if err := o.machine.Transition(context.Background(), types.StateBlocked, fsm.TransitionOptions{Reason: reason}); err != nil {
		o.pauseSession(reason)
		return
	}
	o.saveCheckpoint(context.Background(), reason)
	logging.Orchestrator("session %s blocked: %s", o.cfg.SessionID, reason)
}

// executeCycle picks the highest-priority ready requirement and runs one
// TDD cycle on it. Cycle failures are recorded and left for the test
// phase to judge; only transition refusals are fatal.
func (o *Orchestrator) executeCycle(ctx context.Context) error {
	if err := o.transition(ctx, types.StateExecuting, "executing next requirement"); err != nil {
		return err
	}
	req, ok := o.nextRequirement()
	if !ok {
		logging.Orchestrator("session %s has no runnable requirement", o.cfg.SessionID)
		return nil
	}

	if _, err := o.safety.Checkpoints().Create(ctx, types.CheckpointState, "before cycle on "+req.ID); err != nil {
		logging.Orchestrator("checkpoint before cycle: %v", err)
	}

	res, err := o.exec.RunCycle(ctx, req)
	if err != nil {
		o.appendError(fmt.Sprintf("cycle on %s: %v", req.ID, err))
		return nil
	}
	if !res.Success {
		o.appendError(fmt.Sprintf("cycle on %s did not converge: %s", req.ID, res.Detail))
		return nil
	}
	if _, err := o.tracker.MarkAllCriteria(req.ID, types.CriterionPassed); err != nil {
		logging.Orchestrator("mark requirement %s: %v", req.ID, err)
	}
	o.safety.MarkProgress()
	return nil
}

// nextRequirement returns the heaviest pending requirement whose
// dependencies are all complete.
func (o *Orchestrator) nextRequirement() (types.Requirement, bool) {
	done := make(map[string]bool)
	for _, id := range o.tracker.CompletedIDs() {
		done[id] = true
	}
	var best types.Requirement
	found := false
	for _, r := range o.tracker.Pending() {
		ready := true
		for _, dep := range r.DependsOn {
			if !done[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		if !found || r.Priority.Weight() > best.Priority.Weight() {
			best, found = r, true
		}
	}
	return best, found
}

// testAndVerify runs the suite, repairs-and-retests on failure, then
// verifies build health and moves the machine to EVALUATING. Failing
// checks degrade the iteration; the returned error is reserved for
// transition refusals.
func (o *Orchestrator) testAndVerify(ctx context.Context) (iterationChecks, error) {
	var out iterationChecks
	if err := o.transition(ctx, types.StateTesting, "running test suite"); err != nil {
		return out, err
	}
	tests, err := o.exec.RunTests(ctx)
	if err != nil {
		o.appendError(fmt.Sprintf("test run: %v", err))
	}
	out.tests = tests

	if !tests.Success {
		if err := o.handleTestFailure(ctx, &out); err != nil {
			return out, err
		}
	}

	if err := o.transition(ctx, types.StateVerifying, "verifying build health"); err != nil {
		return out, err
	}
	verify, err := o.exec.RunVerification(ctx)
	if err != nil {
		o.appendError(fmt.Sprintf("verification: %v", err))
	}
	out.verify = verify
	if !verify.Success {
		for _, issue := range verify.Issues {
			o.appendError(issue)
		}
		if !verify.TypecheckOK && o.safety.AutoRollback() {
			res := o.safety.Rollback().HandleVerificationFailure(ctx, verify.TypecheckOK, strings.Join(verify.Issues, "; "))
			if res.Performed {
				logging.Orchestrator("session %s rolled back to %s after verification failure", o.cfg.SessionID, res.CheckpointID)
			}
		}
	}

	if err := o.transition(ctx, types.StateEvaluating, "evaluating iteration"); err != nil {
		return out, err
	}
	return out, nil
}

// handleTestFailure walks Testing -> Fixing -> Testing: consult the
// evolution loop for a known fix, roll back when enabled, then retest.
// A suite still red after the repair pass is recorded and verification
// proceeds anyway.
func (o *Orchestrator) handleTestFailure(ctx context.Context, out *iterationChecks) error {
	summary := out.tests.Summary()
	o.appendError("tests failing: " + summary)

	if err := o.transition(ctx, types.StateFixing, "repairing failing tests"); err != nil {
		return err
	}
	o.consultEvolution(ctx, summary, out.tests.FailedTests)
	if o.safety.AutoRollback() {
		res := o.safety.Rollback().HandleTestFailure(ctx, out.tests.Failed, out.tests.Total)
		if res.Performed {
			logging.Orchestrator("session %s rolled back to %s after test failures", o.cfg.SessionID, res.CheckpointID)
		}
	}

	if err := o.transition(ctx, types.StateTesting, "retesting after repair"); err != nil {
		return err
	}
	retest, err := o.exec.RunTests(ctx)
	if err != nil {
		o.appendError(fmt.Sprintf("retest: %v", err))
	}
	out.tests = retest
	if !retest.Success {
		o.appendError("tests still failing after repair: " + retest.Summary())
	}
	return nil
}

// consultEvolution asks the five-step loop for a fix to the failing
// suite. A solved outcome is folded into the next iteration's request.
func (o *Orchestrator) consultEvolution(ctx context.Context, summary string, failedTests []string) {
	if o.deps.Evolution == nil {
		return
	}
	desc := "repair the failing test suite"
	if len(failedTests) > 0 {
		desc = "repair failing tests: " + truncate(strings.Join(failedTests, ", "), 200)
	}
	outcome, err := o.deps.Evolution.Solve(ctx, evolution.Problem{
		SessionID:   o.cfg.SessionID,
		Description: desc,
		Error:       summary,
		Technology:  "go",
		WorkingDir:  o.cfg.WorkingDir,
	})
	if err != nil {
		logging.OrchestratorDebug("evolution solve: %v", err)
		return
	}
	if outcome.Solved && outcome.Solution != "" {
		o.mu.Lock()
		o.solutionHint = outcome.Solution
		o.mu.Unlock()
		logging.Orchestrator("session %s solved the failure in %d evolution attempts", o.cfg.SessionID, outcome.Attempts)
	}
}

// checkCompletion evaluates the iteration and lands or continues the
// session: completed when every criterion is met, paused when the
// planner or the completion analysis says to, otherwise CONTINUING back
// into PLANNING with a focused follow-up request.
func (o *Orchestrator) checkCompletion(ctx context.Context, checks iterationChecks) (bool, error) {
	breach := o.safety.Resources().Check()
	loop := o.safety.Guardrails().Detect()
	criteria := planner.CompletionCriteria{
		RequirementsComplete: o.tracker.AllComplete(),
		TestsPassing:         checks.tests.Success,
		VerificationPassed:   checks.verify.Success,
		NoBlockingIssues:     loop == nil || loop.Broken,
		ResourcesExhausted:   breach != nil,
	}
	analysis := o.planner.AnalyzeCompletion(ctx, criteria)

	if criteria.AllMet() {
		return true, o.completeSession(ctx)
	}
	if !analysis.CanContinue {
		o.pauseSession(strings.Join(analysis.Reasons, "; "))
		return true, nil
	}

	plan := o.planner.PlanNext(ctx, planner.PlanInput{
		Pending:        o.tracker.Pending(),
		RecentFailures: o.RecentErrors(),
		Iteration:      o.iteration(),
		Usage:          o.safety.Usage(),
		Budget:         o.cfg.Budget,
	})
	if !plan.ShouldContinue {
		o.pauseSession(plan.Reason)
		return true, nil
	}
	if analysis.ShouldPause {
		o.pauseSession("operator sign-off required before next iteration")
		return true, nil
	}

	if err := o.transition(ctx, types.StateContinuing, "planning next iteration"); err != nil {
		return true, err
	}
	o.mu.Lock()
	base := o.session.Request
	o.mu.Unlock()
	o.setNextRequest(formatNextRequest(base, plan))
	o.saveCheckpoint(ctx, "iteration complete")
	o.publish(bus.IterationCompleted, bus.IterationPayload{SessionID: o.cfg.SessionID, Iteration: o.iteration()})
	if err := o.transition(ctx, types.StatePlanning, "starting next iteration"); err != nil {
		return true, err
	}
	return false, nil
}

// completeSession walks EVALUATING -> SCORING -> COMPLETED, generating
// the final report on the way.
func (o *Orchestrator) completeSession(ctx context.Context) error {
	if err := o.transition(ctx, types.StateScoring, "computing final scores"); err != nil {
		return err
	}
	if _, err := o.collector.Report(ctx, "session"); err != nil {
		logging.Orchestrator("final report: %v", err)
	}
	if err := o.transition(ctx, types.StateCompleted, "all requirements met"); err != nil {
		return err
	}
	o.saveCheckpoint(context.Background(), "session completed")
	o.publish(bus.SessionCompleted, bus.SessionPayload{SessionID: o.cfg.SessionID, Iteration: o.iteration()})
	logging.Orchestrator("session %s completed after %d iterations", o.cfg.SessionID, o.iteration())
	return nil
}

// pauseSession lands the session in PAUSED and checkpoints it. Always
// uses a background context so a canceled run context cannot block the
// snapshot.
func (o *Orchestrator) pauseSession(reason string) {
	if reason == "" {
		reason = "pause requested"
	}
	ctx := context.Background()
	if o.machine.State() != types.StatePaused {
		if err := o.machine.Transition(ctx, types.StatePaused, fsm.TransitionOptions{Reason: reason}); err != nil {
			logging.Orchestrator("session %s pause transition: %v", o.cfg.SessionID, err)
			o.machine.Restore(types.StatePaused)
		}
	}
	o.saveCheckpoint(ctx, reason)
	o.publish(bus.SessionPaused, bus.SessionPayload{SessionID: o.cfg.SessionID, Reason: reason, Iteration: o.iteration()})
	logging.Orchestrator("session %s paused: %s", o.cfg.SessionID, reason)
}

// terminateSession routes the current state through PAUSED into
// TERMINATED, the only legal road to that state.
func (o *Orchestrator) terminateSession(reason string) {
	if reason == "" {
		reason = "stop requested"
	}
	ctx := context.Background()
	if o.machine.State() != types.StatePaused {
		if err := o.machine.Transition(ctx, types.StatePaused, fsm.TransitionOptions{Reason: reason}); err != nil {
			o.machine.Restore(types.StatePaused)
		}
	}
	if err := o.machine.Transition(ctx, types.StateTerminated, fsm.TransitionOptions{Reason: reason}); err != nil {
		o.machine.Restore(types.StateTerminated)
	}
	o.saveCheckpoint(ctx, reason)
	logging.Orchestrator("session %s terminated: %s", o.cfg.SessionID, reason)
}

// failSession lands the session in FAILED from wherever it is. States
// with no legal edge to FAILED are forced there so the terminal record
// is still written.
func (o *Orchestrator) failSession(reason string) {
	ctx := context.Background()
	if err := o.machine.Transition(ctx, types.StateFailed, fsm.TransitionOptions{Reason: truncate(reason, 200)}); err != nil {
		o.machine.Restore(types.StateFailed)
	}
	o.saveCheckpoint(ctx, reason)
	o.publish(bus.SessionFailed, bus.SessionPayload{SessionID: o.cfg.SessionID, Reason: reason, Iteration: o.iteration()})
	logging.Orchestrator("session %s failed: %s", o.cfg.SessionID, reason)
}

func (o *Orchestrator) transition(ctx context.Context, to types.SessionState, reason string) error {
	if err := o.machine.Transition(ctx, to, fsm.TransitionOptions{Reason: reason}); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

// saveCheckpoint persists everything recovery needs: resource gauges,
// the session context, the metrics snapshot and the coarse session
// checkpoint. Persistence failures are logged, never fatal.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, reason string) {
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	sess := o.Session()
	o.recordUsage(sess.Usage)

	if err := o.safety.Checkpoints().SaveContext(ctx, sess); err != nil {
		logging.OrchestratorDebug("save session context: %v", err)
	}
	key := []string{"autonomous", "metrics", o.cfg.ProjectID, o.cfg.SessionID}
	if err := store.WriteJSON(ctx, o.deps.KV, key, o.collector.Snapshot()); err != nil {
		logging.OrchestratorDebug("save metrics snapshot: %v", err)
	}
	if o.deps.Sessions != nil {
		if err := o.deps.Sessions.Save(ctx, o.buildCheckpoint(reason)); err != nil {
			logging.Orchestrator("save session checkpoint: %v", err)
		}
	}
}

// recordUsage mirrors the resource axes into the collector as gauges.
func (o *Orchestrator) recordUsage(u types.ResourceUsage) {
	o.collector.Set(metrics.TypeResource, string(types.AxisTokens), float64(u.TokensUsed))
	o.collector.Set(metrics.TypeResource, string(types.AxisCost), u.Cost)
	o.collector.Set(metrics.TypeResource, string(types.AxisMinutes), u.ElapsedMinutes)
	o.collector.Set(metrics.TypeResource, string(types.AxisFiles), float64(u.FilesChanged))
	o.collector.Set(metrics.TypeResource, string(types.AxisActions), float64(u.ActionsPerformed))
}

// buildCheckpoint assembles the recoverable snapshot. Completed
// requirements are stored by description because requirement ids are
// regenerated when the request is re-parsed on restore.
func (o *Orchestrator) buildCheckpoint(reason string) *types.SessionCheckpoint {
	state := o.machine.State()
	var completed []string
	for _, id := range o.tracker.CompletedIDs() {
		if r, err := o.tracker.Get(id); err == nil {
			completed = append(completed, r.Description)
		}
	}

	o.mu.Lock()
	cp := &types.SessionCheckpoint{
		SessionID:             o.cfg.SessionID,
		State:                 state,
		Iteration:             o.session.Iteration,
		CompletedRequirements: completed,
		RecentErrors:          append([]string(nil), o.recentErrors...),
		WorkingDir:            o.session.WorkingDir,
		Request:               o.session.Request,
		Agent:                 string(types.AgentGeneral),
		Meta: types.CheckpointMeta{
			CreatedAt:       o.session.StartedAt,
			InterruptReason: reason,
		},
	}
	o.mu.Unlock()

	cp.PendingTasks = o.queue.Snapshot()
	cp.Usage = o.safety.Usage()
	return cp
}

// formatNextRequest layers the planner's focus list onto the original
// request for the next iteration.
func formatNextRequest(base string, plan planner.Plan) string {
	if len(plan.NextTasks) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nFocus for this iteration:\n")
	for _, t := range plan.NextTasks {
		fmt.Fprintf(&b, "- [%s] %s\n", t.Priority, t.Subject)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
