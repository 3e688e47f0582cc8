package executor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overdrive/internal/agent"
	"overdrive/internal/bus"
	"overdrive/internal/checkpoint"
	"overdrive/internal/metrics"
	"overdrive/internal/safety"
	"overdrive/internal/sandbox"
	"overdrive/internal/store"
	"overdrive/internal/types"
)

const (
	passingSuite = `echo '--- PASS: TestGreet (0.00s)'; echo PASS; echo 'coverage: 81.0% of statements'`
	failingSuite = `echo '--- FAIL: TestGreet (0.00s)'; echo '--- FAIL: TestFarewell (0.01s)'; echo FAIL; exit 1`

	approvedReview = `{"approved": true, "summary": "clean"}`
	issuesReview   = `{"approved": false, "summary": "needs cleanup", "issues": [` +
		`{"severity": "minor", "message": "name the constant", "suggestion": "extract greetingPrefix"}]}`
)

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func newTestRunner(t *testing.T) *sandbox.Runner {
	t.Helper()
	r, err := sandbox.NewRunner(sandbox.Config{Backend: sandbox.BackendProcess})
	require.NoError(t, err)
	return r
}

func fileBlock(path, code string) string {
	return "FILE: " + path + "\n```go\n" + code + "\n```"
}

func testReq() types.Requirement {
	return types.Requirement{
		ID:          "REQ-1",
		Description: "greet users by name",
		Criteria: []types.AcceptanceCriterion{
			{ID: "REQ-1-AC1", Description: "Greet returns a salutation containing the name"},
		},
	}
}

func TestNewRequiresAgentAndRunner(t *testing.T) {
	_, err := New(Config{}, Deps{Runner: newTestRunner(t)})
	require.Error(t, err)

	_, err = New(Config{}, Deps{Agent: agent.NewScripted()})
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	ex, err := New(Config{}, Deps{Agent: agent.NewScripted(), Runner: newTestRunner(t)})
	require.NoError(t, err)

	assert.Equal(t, ".", ex.cfg.WorkingDir)
	assert.Equal(t, DefaultPhaseTimeout, ex.cfg.PhaseTimeout)
	assert.Equal(t, DefaultTestCommand, ex.cfg.TestCommand)
	assert.Equal(t, DefaultTypecheckCommand, ex.cfg.TypecheckCommand)
	assert.Equal(t, DefaultCoverageCommand, ex.cfg.CoverageCommand)
}

func TestRunCycleLinearSuccess(t *testing.T) {
	requireBash(t)

	dir := t.TempDir()
	scripted := agent.NewScripted()
	scripted.QueueOutput(types.AgentTDDGuide,
		fileBlock("greet_test.go", "package greet\n\nfunc TestGreet(t *testing.T) {}"),
		fileBlock("greet.go", "package greet\n\nfunc Greet(name string) string { return \"hello \" + name }"),
	)
	scripted.QueueOutput(types.AgentCodeReviewer, approvedReview)

	rec := &bus.Recorder{}
	b := bus.New()
	defer b.SubscribeAll(rec.Handler())()
	coll := metrics.NewCollector(metrics.Config{})

	ex, err := New(Config{
		SessionID:   "s1",
		WorkingDir:  dir,
		TestCommand: passingSuite,
	}, Deps{Agent: scripted, Runner: newTestRunner(t), Metrics: coll, Bus: b})
	require.NoError(t, err)

	res, err := ex.RunCycle(context.Background(), testReq())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Cycle)
	assert.Equal(t, "REQ-1", res.Requirement)
	assert.Equal(t, "greet_test.go", res.TestFile)
	assert.Equal(t, "greet.go", res.ImplFile)
	assert.Equal(t, []string{"greet_test.go", "greet.go"}, res.ModifiedFiles)
	require.Len(t, res.Phases, 3)
	for _, p := range res.Phases {
		assert.True(t, p.Success, p.Phase)
	}
	assert.Contains(t, res.Detail, "review approved")
	assert.Contains(t, res.Detail, "1/1 tests passed")

	data, err := os.ReadFile(filepath.Join(dir, "greet.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "func Greet")
	assert.Equal(t, []string{"greet.go", "greet_test.go"}, ex.ModifiedFiles())

	b.Close()
	assert.Equal(t, 3, rec.Count(bus.PhaseStarted))
	assert.Equal(t, 3, rec.Count(bus.PhaseCompleted))
	assert.Equal(t, 1, rec.Count(bus.TDDCycleStarted))
	assert.Equal(t, 1, rec.Count(bus.TDDCycleCompleted))
	started, ok := rec.First(bus.TDDCycleStarted)
	require.True(t, ok)
	assert.Equal(t, "greet_test.go", started.Payload.(bus.TDDCyclePayload).TestFile)

	assert.Equal(t, 3.0, coll.Counter(metrics.TypePhase, metrics.NameAttempted))
	assert.Equal(t, 3.0, coll.Counter(metrics.TypePhase, metrics.NameCompleted))
	assert.Equal(t, 1.0, coll.Counter(metrics.TypeTest, metrics.NameRun))
	assert.Equal(t, 1.0, coll.Counter(metrics.TypeTest, metrics.NamePassed))
}

func TestRunCycleAppliesReviewSuggestions(t *testing.T) {
	requireBash(t)

	dir := t.TempDir()
	improved := "package greet\n\nconst greetingPrefix = \"hello \"\n\nfunc Greet(name string) string { return greetingPrefix + name }"
	scripted := agent.NewScripted()
	scripted.QueueOutput(types.AgentTDDGuide,
		fileBlock("greet_test.go", "package greet\n\nfunc TestGreet(t *testing.T) {}"),
		fileBlock("greet.go", "package greet\n\nfunc Greet(name string) string { return \"hello \" + name }"),
		fileBlock("greet.go", improved),
	)
	scripted.QueueOutput(types.AgentCodeReviewer, issuesReview)

	ex, err := New(Config{
		SessionID:   "s1",
		WorkingDir:  dir,
		TestCommand: passingSuite,
	}, Deps{Agent: scripted, Runner: newTestRunner(t)})
	require.NoError(t, err)

	res, err := ex.RunCycle(context.Background(), testReq())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Contains(t, res.Detail, "applied 1 review suggestion(s)")
	assert.Equal(t, 3, scripted.CallsTo(types.AgentTDDGuide))

	data, err := os.ReadFile(filepath.Join(dir, "greet.go"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "greetingPrefix")
}

func TestRunCycleRedFailureStopsCycle(t *testing.T) {
	scripted := agent.NewScripted() // nothing queued: red fails

	rec := &bus.Recorder{}
	b := bus.New()
	defer b.SubscribeAll(rec.Handler())()

	ex, err := New(Config{
		SessionID:   "s1",
		WorkingDir:  t.TempDir(),
		TestCommand: passingSuite,
	}, Deps{Agent: scripted, Runner: newTestRunner(t), Bus: b})
	require.NoError(t, err)

	res, err := ex.RunCycle(context.Background(), testReq())
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.Len(t, res.Phases, 1)
	assert.Equal(t, PhaseRed, res.Phases[0].Phase)
	assert.Contains(t, res.Detail, "no result for tdd-guide")
	assert.Equal(t, 1, scripted.CallsTo(types.AgentTDDGuide))

	b.Close()
	assert.Equal(t, 0, rec.Count(bus.TDDCycleStarted))
	assert.Equal(t, 1, rec.Count(bus.TDDCycleCompleted))
}

func TestRunCycleEmptyRequirement(t *testing.T) {
	ex, err := New(Config{}, Deps{Agent: agent.NewScripted(), Runner: newTestRunner(t)})
	require.NoError(t, err)

	_, err = ex.RunCycle(context.Background(), types.Requirement{ID: "REQ-0"})
	require.Error(t, err)
}

func TestRunCyclePostRefactorTestFailureRollsBack(t *testing.T) {
	requireBash(t)

	ctx := context.Background()
	cps := checkpoint.NewStore(checkpoint.StoreConfig{
		ProjectID: "p1",
		SessionID: "s1",
		KV:        store.NewMemory(),
		Meta: func() checkpoint.Meta {
			return checkpoint.Meta{State: types.StateExecuting}
		},
	})
	_, err := cps.Create(ctx, types.CheckpointState, "before cycle")
	require.NoError(t, err)

	rec := &bus.Recorder{}
	b := bus.New()
	defer b.SubscribeAll(rec.Handler())()

	core := safety.NewCore(safety.CoreConfig{
		SessionID:           "s1",
		Bus:                 b,
		Checkpoints:         cps,
		AutoRollback:        true,
		MinRollbackInterval: time.Millisecond,
	})

	scripted := agent.NewScripted()
	scripted.QueueOutput(types.AgentTDDGuide,
		fileBlock("greet_test.go", "package greet\n\nfunc TestGreet(t *testing.T) {}"),
		fileBlock("greet.go", "package greet\n\nfunc Greet(name string) string { return name }"),
	)
	scripted.QueueOutput(types.AgentCodeReviewer, approvedReview)

	ex, err := New(Config{
		SessionID:   "s1",
		WorkingDir:  t.TempDir(),
		TestCommand: failingSuite,
	}, Deps{Agent: scripted, Runner: newTestRunner(t), Safety: core, Bus: b})
	require.NoError(t, err)

	res, err := ex.RunCycle(ctx, testReq())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.RolledBack)
	assert.Contains(t, res.Detail, "tests failed after refactor")

	b.Close()
	assert.Equal(t, 1, rec.Count(bus.RollbackPerformed))
}

func TestRunCycleSafetyRefusalFailsRed(t *testing.T) {
	core := safety.NewCore(safety.CoreConfig{
		SessionID: "s1",
		Budget:    types.ResourceBudget{MaxActions: 1},
	})
	core.RecordToolCall("edit_file", "main.go", types.OpResultSuccess, "")

	scripted := agent.NewScripted()
	ex, err := New(Config{
		SessionID:   "s1",
		WorkingDir:  t.TempDir(),
		TestCommand: passingSuite,
	}, Deps{Agent: scripted, Runner: newTestRunner(t), Safety: core})
	require.NoError(t, err)

	res, err := ex.RunCycle(context.Background(), testReq())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Contains(t, res.Detail, "safety refused")
	assert.Equal(t, 0, scripted.CallsTo(types.AgentTDDGuide))
}

// slowAgent never answers before the phase deadline.
type slowAgent struct{}

func (slowAgent) Invoke(ctx context.Context, _ types.AgentRequest) (types.AgentResult, error) {
	select {
	case <-ctx.Done():
		return types.AgentResult{Error: ctx.Err().Error()}, ctx.Err()
	case <-time.After(5 * time.Second):
		return types.AgentResult{Success: true, Output: "too late"}, nil
	}
}

func TestRunCyclePhaseTimeout(t *testing.T) {
	ex, err := New(Config{
		SessionID:    "s1",
		WorkingDir:   t.TempDir(),
		PhaseTimeout: 50 * time.Millisecond,
	}, Deps{Agent: slowAgent{}, Runner: newTestRunner(t)})
	require.NoError(t, err)

	res, err := ex.RunCycle(context.Background(), testReq())
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.Len(t, res.Phases, 1)
	assert.Equal(t, "phase timed out after 50ms", res.Phases[0].Detail)
}

func TestParseFileBlock(t *testing.T) {
	path, content, err := parseFileBlock("Here you go.\nFILE: pkg/greet.go\n```go\npackage greet\n```\ndone")
	require.NoError(t, err)
	assert.Equal(t, "pkg/greet.go", path)
	assert.Equal(t, "package greet\n", content)

	_, _, err = parseFileBlock("```go\npackage greet\n```")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no FILE: line")

	_, _, err = parseFileBlock("FILE: greet.go\nno code follows")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fenced code block")
}

func TestResolvePathRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	ex, err := New(Config{WorkingDir: dir}, Deps{Agent: agent.NewScripted(), Runner: newTestRunner(t)})
	require.NoError(t, err)

	_, err = ex.resolvePath("../evil.go")
	require.Error(t, err)
	_, err = ex.resolvePath("/etc/passwd")
	require.Error(t, err)

	abs, err := ex.resolvePath("pkg/ok.go")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "pkg", "ok.go"), abs)
}
