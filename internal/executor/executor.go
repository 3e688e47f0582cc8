// Package executor drives red/green/refactor cycles for one session.
// Each phase consults the safety core, asks a specialist agent for the
// file it needs, and writes the result into the working tree; the
// refactor phase closes the cycle by running the test suite and handing
// post-refactor failures to the rollback manager. Test and verification
// commands run through the sandbox process backend so the same
// validation and auditing applies to them as to generated code.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"overdrive/internal/agent"
	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/metrics"
	"overdrive/internal/safety"
	"overdrive/internal/sandbox"
	"overdrive/internal/types"
)

// Phase names, in cycle order.
const (
	PhaseRed      = "red"
	PhaseGreen    = "green"
	PhaseRefactor = "refactor"
)

// Defaults for zero config values.
const (
	DefaultPhaseTimeout     = 5 * time.Minute
	DefaultTestCommand      = "go test ./..."
	DefaultTypecheckCommand = "go vet ./..."
	DefaultCoverageCommand  = "go test -cover ./..."
)

// Config tunes one executor. Zero values fall back to the defaults; an
// empty LintCommand skips the lint gate.
type Config struct {
	SessionID         string
	WorkingDir        string
	PhaseTimeout      time.Duration
	TestCommand       string
	TypecheckCommand  string
	LintCommand       string
	CoverageCommand   string
	CoverageThreshold float64
}

// Deps are the collaborators the orchestrator threads in. Agent and
// Runner are required; a nil Safety skips the pre-phase checks and the
// rollback delegation, nil Metrics and Bus skip instrumentation.
type Deps struct {
	Agent   types.AgentClient
	Runner  *sandbox.Runner
	Safety  *safety.Core
	Metrics *metrics.Collector
	Bus     *bus.Bus
}

// Executor owns the TDD loop state for one session: a monotonically
// increasing cycle counter and the set of files its phases have written.
type Executor struct {
	cfg  Config
	deps Deps

	cycle atomic.Int64

	mu       sync.Mutex
	modified map[string]struct{}
}

// New builds an executor, normalizing zero config values to defaults.
func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Agent == nil {
		return nil, errors.New("executor: agent client is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("executor: sandbox runner is required")
	}
	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "."
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultPhaseTimeout
	}
	if cfg.TestCommand == "" {
		cfg.TestCommand = DefaultTestCommand
	}
	if cfg.TypecheckCommand == "" {
		cfg.TypecheckCommand = DefaultTypecheckCommand
	}
	if cfg.CoverageCommand == "" {
		cfg.CoverageCommand = DefaultCoverageCommand
	}
	if cfg.CoverageThreshold < 0 {
		cfg.CoverageThreshold = 0
	}
	return &Executor{
		cfg:      cfg,
		deps:     deps,
		modified: make(map[string]struct{}),
	}, nil
}

// PhaseResult reports one phase of a cycle.
type PhaseResult struct {
	Phase    string        `json:"phase"`
	Success  bool          `json:"success"`
	File     string        `json:"file,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Duration time.Duration `json:"duration"`
}

// CycleResult reports one red/green/refactor cycle. A failed phase
// aborts the cycle; the phases already run stay in Phases so the caller
// can see how far it got.
type CycleResult struct {
	Requirement   string        `json:"requirement"`
	Cycle         int           `json:"cycle"`
	Success       bool          `json:"success"`
	TestFile      string        `json:"test_file,omitempty"`
	ImplFile      string        `json:"impl_file,omitempty"`
	ModifiedFiles []string      `json:"modified_files,omitempty"`
	Phases        []PhaseResult `json:"phases"`
	RolledBack    bool          `json:"rolled_back,omitempty"`
	Detail        string        `json:"detail,omitempty"`
}

// phaseOutcome is what a phase handler reports back to runPhase.
type phaseOutcome struct {
	file   string
	detail string
}

// RunCycle drives one full cycle for a requirement: red writes a
// failing test, green writes the minimal implementation, refactor
// applies review suggestions and reruns the suite. Phase failures land
// in the result, not the error; the orchestrator decides whether to
// loop.
func (e *Executor) RunCycle(ctx context.Context, req types.Requirement) (CycleResult, error) {
	if strings.TrimSpace(req.Description) == "" {
		return CycleResult{}, errors.New("executor: empty requirement description")
	}
	res := CycleResult{Requirement: req.ID, Cycle: int(e.cycle.Add(1))}
	logging.Executor("cycle %d: requirement %s", res.Cycle, req.ID)

	red := e.runPhase(ctx, PhaseRed, func(ctx context.Context) (phaseOutcome, error) {
		return e.red(ctx, req)
	})
	res.Phases = append(res.Phases, red)
	if !red.Success {
		return e.finishCycle(res, red.Detail), nil
	}
	res.TestFile = red.File
	e.publishCycle(bus.TDDCycleStarted, res)

	green := e.runPhase(ctx, PhaseGreen, func(ctx context.Context) (phaseOutcome, error) {
		return e.green(ctx, req, res.TestFile)
	})
	res.Phases = append(res.Phases, green)
	if !green.Success {
		return e.finishCycle(res, green.Detail), nil
	}
	res.ImplFile = green.File

	refactor := e.runPhase(ctx, PhaseRefactor, func(ctx context.Context) (phaseOutcome, error) {
		return e.refactor(ctx, req, &res)
	})
	res.Phases = append(res.Phases, refactor)
	if !refactor.Success {
		return e.finishCycle(res, refactor.Detail), nil
	}

	res.Success = true
	return e.finishCycle(res, refactor.Detail), nil
}

// finishCycle collects the touched files and publishes the completion
// event. Files are collected from the phase results so an aborted cycle
// still reports what it wrote.
func (e *Executor) finishCycle(res CycleResult, detail string) CycleResult {
	res.Detail = detail
	seen := make(map[string]struct{}, len(res.Phases))
	for _, p := range res.Phases {
		if p.File == "" {
			continue
		}
		if _, dup := seen[p.File]; dup {
			continue
		}
		seen[p.File] = struct{}{}
		res.ModifiedFiles = append(res.ModifiedFiles, p.File)
	}
	e.publishCycle(bus.TDDCycleCompleted, res)
	if res.Success {
		logging.Executor("cycle %d completed: %s", res.Cycle, detail)
	} else {
		logging.Executor("cycle %d failed: %s", res.Cycle, detail)
	}
	return res
}

// runPhase wraps one phase handler with the phase timeout, metrics, and
// the phase.started/phase.completed events. A handler that outlives the
// timeout is reported as a failed phase; there is no retry here.
func (e *Executor) runPhase(ctx context.Context, phase string, fn func(context.Context) (phaseOutcome, error)) PhaseResult {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(bus.PhaseStarted, bus.PhasePayload{SessionID: e.cfg.SessionID, Phase: phase})
	}
	if e.deps.Metrics != nil {
		e.deps.Metrics.Inc(metrics.TypePhase, metrics.NameAttempted)
	}

	phaseCtx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	started := time.Now()
	out, err := fn(phaseCtx)
	pr := PhaseResult{
		Phase:    phase,
		File:     out.file,
		Detail:   out.detail,
		Duration: time.Since(started),
	}
	switch {
	case err == nil:
		pr.Success = true
		if e.deps.Metrics != nil {
			e.deps.Metrics.Inc(metrics.TypePhase, metrics.NameCompleted)
		}
		logging.ExecutorDebug("phase %s completed in %s: %s", phase, pr.Duration.Round(time.Millisecond), pr.Detail)
	case phaseCtx.Err() == context.DeadlineExceeded:
		pr.Detail = fmt.Sprintf("phase timed out after %s", e.cfg.PhaseTimeout)
		logging.Executor("phase %s %s", phase, pr.Detail)
	default:
		pr.Detail = err.Error()
		logging.Executor("phase %s failed: %s", phase, pr.Detail)
	}

	if e.deps.Bus != nil {
		e.deps.Bus.Publish(bus.PhaseCompleted, bus.PhasePayload{
			SessionID: e.cfg.SessionID,
			Phase:     phase,
			Success:   pr.Success,
			Detail:    pr.Detail,
		})
	}
	return pr
}

// red asks the TDD guide for a failing test and writes it. The safety
// core is consulted first so a breached budget or a detected loop stops
// the cycle before any tokens are spent.
func (e *Executor) red(ctx context.Context, req types.Requirement) (phaseOutcome, error) {
	if e.deps.Safety != nil {
		if v := e.deps.Safety.CheckSafety(ctx, nil); !v.Safe {
			return phaseOutcome{}, fmt.Errorf("executor: safety refused %s phase: %s", PhaseRed, v.Reason)
		}
	}
	out, err := e.invoke(ctx, types.AgentTDDGuide, redTask(req), req.ID+"/"+PhaseRed)
	if err != nil {
		return phaseOutcome{}, err
	}
	path, code, err := parseFileBlock(out)
	if err != nil {
		return phaseOutcome{}, err
	}
	if err := e.writeFile(path, code); err != nil {
		return phaseOutcome{}, err
	}
	return phaseOutcome{file: path, detail: "failing test written"}, nil
}

// green asks the TDD guide for the minimal implementation that passes
// the red phase's test.
func (e *Executor) green(ctx context.Context, req types.Requirement, testPath string) (phaseOutcome, error) {
	out, err := e.invoke(ctx, types.AgentTDDGuide, greenTask(req, testPath, e.readBack(testPath)), req.ID+"/"+PhaseGreen)
	if err != nil {
		return phaseOutcome{}, err
	}
	path, code, err := parseFileBlock(out)
	if err != nil {
		return phaseOutcome{}, err
	}
	if err := e.writeFile(path, code); err != nil {
		return phaseOutcome{}, err
	}
	return phaseOutcome{file: path, detail: "implementation written"}, nil
}

// refactor asks the code reviewer for improvements, applies them through
// the TDD guide, and reruns the suite. Tests failing after the refactor
// are handed to the rollback manager when auto-rollback is on.
func (e *Executor) refactor(ctx context.Context, req types.Requirement, res *CycleResult) (phaseOutcome, error) {
	implCode := e.readBack(res.ImplFile)
	out, err := e.invoke(ctx, types.AgentCodeReviewer, reviewTask(req, res.ImplFile, implCode), req.ID+"/"+PhaseRefactor)
	if err != nil {
		return phaseOutcome{}, err
	}
	rev, err := agent.ParseReview(out)
	if err != nil {
		return phaseOutcome{}, err
	}

	outcome := phaseOutcome{detail: "review approved"}
	if len(rev.Issues) > 0 {
		applied, err := e.invoke(ctx, types.AgentTDDGuide, applyTask(res.ImplFile, implCode, rev), req.ID+"/apply")
		if err != nil {
			return phaseOutcome{}, err
		}
		path, code, err := parseFileBlock(applied)
		if err != nil {
			return phaseOutcome{}, err
		}
		if err := e.writeFile(path, code); err != nil {
			return phaseOutcome{}, err
		}
		outcome.file = path
		outcome.detail = fmt.Sprintf("applied %d review suggestion(s)", len(rev.Issues))
	}

	tr, err := e.RunTests(ctx)
	if err != nil {
		return outcome, err
	}
	if !tr.Success {
		if e.deps.Safety != nil && e.deps.Safety.AutoRollback() {
			rb := e.deps.Safety.Rollback().HandleTestFailure(ctx, tr.Failed, tr.Total)
			res.RolledBack = rb.Performed
		}
		return outcome, fmt.Errorf("executor: tests failed after refactor: %s", tr.Summary())
	}
	outcome.detail += "; " + tr.Summary()
	return outcome, nil
}

// invoke calls one agent, records the call against the safety history,
// and normalizes both failure modes into an error.
func (e *Executor) invoke(ctx context.Context, name types.AgentName, task, input string) (string, error) {
	res, err := e.deps.Agent.Invoke(ctx, types.AgentRequest{
		Agent:   name,
		Task:    task,
		Context: map[string]string{"session_id": e.cfg.SessionID},
	})
	e.recordAgentCall(name, input, res, err)
	if err != nil {
		return "", fmt.Errorf("executor: %s agent: %w", name, err)
	}
	if !res.Success {
		return "", fmt.Errorf("executor: %s agent: %s", name, res.Error)
	}
	return res.Output, nil
}

// recordAgentCall feeds the guardrails and the token budget. The input
// is the requirement id plus phase, not the full prompt, so repeated
// identical calls are visible to loop detection.
func (e *Executor) recordAgentCall(name types.AgentName, input string, res types.AgentResult, err error) {
	if e.deps.Safety == nil {
		return
	}
	if n, convErr := strconv.Atoi(res.Metadata["tokens"]); convErr == nil && n > 0 {
		e.deps.Safety.AddTokens(n, 0)
	}
	result := types.OpResultSuccess
	errMsg := ""
	switch {
	case err != nil:
		result, errMsg = types.OpResultError, err.Error()
	case !res.Success:
		result, errMsg = types.OpResultError, res.Error
	}
	e.deps.Safety.RecordToolCall("agent:"+string(name), input, result, errMsg)
}

// writeFile resolves an agent-chosen path inside the working directory
// and writes the content, recording the touch.
func (e *Executor) writeFile(rel, content string) error {
	abs, err := e.resolvePath(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("executor: create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		if e.deps.Safety != nil {
			e.deps.Safety.RecordToolCall("write_file", rel, types.OpResultError, err.Error())
		}
		return fmt.Errorf("executor: write %s: %w", rel, err)
	}
	e.recordWrite(rel)
	logging.ExecutorDebug("wrote %s (%d bytes)", rel, len(content))
	return nil
}

// resolvePath confines agent-chosen paths to the working directory.
func (e *Executor) resolvePath(rel string) (string, error) {
	rel = filepath.Clean(strings.TrimSpace(rel))
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("executor: path %q escapes the working directory", rel)
	}
	return filepath.Join(e.cfg.WorkingDir, rel), nil
}

// recordWrite adds the path to the modified set; only the first touch
// counts against the files-changed budget.
func (e *Executor) recordWrite(rel string) {
	e.mu.Lock()
	_, seen := e.modified[rel]
	e.modified[rel] = struct{}{}
	e.mu.Unlock()

	if e.deps.Safety != nil {
		if !seen {
			e.deps.Safety.AddFilesChanged(1)
		}
		e.deps.Safety.RecordToolCall("write_file", rel, types.OpResultSuccess, "")
	}
}

// readBack returns the current content of a previously written file, or
// "" when it cannot be read; prompts simply omit the section then.
func (e *Executor) readBack(rel string) string {
	abs, err := e.resolvePath(rel)
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return ""
	}
	return string(data)
}

// ModifiedFiles returns every path written during this session, sorted.
func (e *Executor) ModifiedFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.modified))
	for p := range e.modified {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (e *Executor) publishCycle(def bus.Def, res CycleResult) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(def, bus.TDDCyclePayload{
		SessionID:   e.cfg.SessionID,
		Requirement: res.Requirement,
		Cycle:       res.Cycle,
		Success:     res.Success,
		TestFile:    res.TestFile,
		ImplFile:    res.ImplFile,
	})
}

var (
	fileLineRe = regexp.MustCompile(`(?m)^\s*FILE:\s*(\S.*)$`)
	fenceRe    = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*[ \t]*\n(.*?)```")
)

// parseFileBlock extracts the target path and file content from agent
// output shaped as a FILE: line followed by one fenced code block.
func parseFileBlock(output string) (path, content string, err error) {
	m := fileLineRe.FindStringSubmatch(output)
	if m == nil {
		return "", "", errors.New("executor: agent output has no FILE: line")
	}
	f := fenceRe.FindStringSubmatch(output)
	if f == nil {
		return "", "", errors.New("executor: agent output has no fenced code block")
	}
	return strings.TrimSpace(m[1]), f[1], nil
}

// replyFormat is appended to every file-producing task so outputs stay
// machine-parseable.
const replyFormat = "Reply with the target file on the first line as \"FILE: <relative path>\", then one fenced code block with the complete file content."

func redTask(req types.Requirement) string {
	var sb strings.Builder
	sb.WriteString("Red phase: write one test that fails until the requirement below is implemented.\n")
	sb.WriteString(replyFormat + "\n\n")
	sb.WriteString("Requirement: " + req.Description + "\n")
	for _, c := range req.Criteria {
		sb.WriteString("- " + c.Description + "\n")
	}
	return sb.String()
}

func greenTask(req types.Requirement, testPath, testCode string) string {
	var sb strings.Builder
	sb.WriteString("Green phase: write the minimal implementation that makes the test below pass. Do not modify the test.\n")
	sb.WriteString(replyFormat + "\n\n")
	sb.WriteString("Requirement: " + req.Description + "\n")
	if testCode != "" {
		sb.WriteString("Test file " + testPath + ":\n")
		sb.WriteString("```\n" + testCode + "\n```\n")
	}
	return sb.String()
}

func reviewTask(req types.Requirement, path, code string) string {
	var sb strings.Builder
	sb.WriteString("Review the implementation below. Flag logic errors, missed edge cases, and cleanup opportunities.\n\n")
	sb.WriteString("Requirement: " + req.Description + "\n")
	sb.WriteString("File " + path + ":\n")
	sb.WriteString("```\n" + code + "\n```\n")
	return sb.String()
}

func applyTask(path, code string, rev agent.ReviewOutput) string {
	var sb strings.Builder
	sb.WriteString("Refactor phase: apply the review suggestions below without changing behavior. Tests must still pass.\n")
	sb.WriteString(replyFormat + "\n\n")
	sb.WriteString("File " + path + ":\n")
	sb.WriteString("```\n" + code + "\n```\n\n")
	sb.WriteString("Suggestions:\n")
	for _, issue := range rev.Issues {
		sb.WriteString("- [" + issue.Severity + "] " + issue.Message)
		if issue.Suggestion != "" {
			sb.WriteString(" (suggestion: " + issue.Suggestion + ")")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
