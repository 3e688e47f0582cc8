package evolution

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overdrive/internal/knowledge"
	"overdrive/internal/sandbox"
	"overdrive/internal/types"
)

const workingJS = "```javascript\n" +
	"function solve() {\n" +
	"    const parts = [\"all\", \"tests\", \"green\"];\n" +
	"    const msg = parts.join(\" \");\n" +
	"    console.log(msg);\n" +
	"    return msg;\n" +
	"}\n" +
	"solve();\n" +
	"```"

const throwingJS = "```javascript\nthrow new Error('nope');\n```"

// scriptedAgent replays canned outputs and records every task it saw.
type scriptedAgent struct {
	outputs []string
	calls   int
	tasks   []string
}

func (a *scriptedAgent) Invoke(ctx context.Context, req types.AgentRequest) (types.AgentResult, error) {
	a.tasks = append(a.tasks, req.Task)
	if a.calls >= len(a.outputs) {
		return types.AgentResult{Success: false, Error: "out of scripted outputs"}, nil
	}
	out := a.outputs[a.calls]
	a.calls++
	return types.AgentResult{Success: true, Output: out}, nil
}

func newTestKnowledge(t *testing.T) *knowledge.Store {
	t.Helper()
	s, err := knowledge.NewStore(knowledge.StoreConfig{DataDir: t.TempDir()})
	require.NoError(t, err)
	return s
}

func newEngineRunner(t *testing.T) *sandbox.Runner {
	t.Helper()
	r, err := sandbox.NewRunner(sandbox.Config{Backend: sandbox.BackendEngine})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func newTestLoop(t *testing.T, cfg Config, deps Deps) *Loop {
	t.Helper()
	if deps.Knowledge == nil {
		deps.Knowledge = newTestKnowledge(t)
	}
	l, err := NewLoop(cfg, deps)
	require.NoError(t, err)
	return l
}

func TestNewLoopRequiresKnowledge(t *testing.T) {
	_, err := NewLoop(Config{}, Deps{})
	assert.Error(t, err)
}

func TestSolveRequiresDescription(t *testing.T) {
	l := newTestLoop(t, Config{}, Deps{})
	_, err := l.Solve(context.Background(), Problem{Description: "   "})
	assert.Error(t, err)
}

func TestSolveReusesKnowledge(t *testing.T) {
	store := newTestKnowledge(t)
	entry := types.KnowledgeEntry{
		ID:           "k-1",
		Category:     types.KnowledgeErrorSolution,
		Title:        "import cycle between internal packages",
		Content:      "import cycle between internal packages",
		Tags:         []string{"import", "cycle", "between", "internal", "packages"},
		CodeExamples: []string{"// move shared types into a leaf package"},
	}
	require.NoError(t, store.Add(context.Background(), entry))

	l := newTestLoop(t, Config{}, Deps{Knowledge: store})
	out, err := l.Solve(context.Background(), Problem{
		SessionID:   "s-1",
		Description: "import cycle between internal packages",
	})
	require.NoError(t, err)

	assert.True(t, out.Solved)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, "k-1", out.KnowledgeID)
	assert.Equal(t, entry.CodeExamples[0], out.Solution)
	assert.Empty(t, out.UsedToolID)
	assert.Empty(t, out.LearnedToolID)
	assert.Contains(t, out.Summary, "reused knowledge")

	got, err := store.Get("k-1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.SuccessCount)
}

func TestSolveRunsExistingTool(t *testing.T) {
	registry := newTestRegistry(t)
	tool, err := registry.Register(context.Background(), types.DynamicTool{
		Name:            "print-marker",
		Code:            "console.log('fixed')",
		Language:        types.ToolNodeJS,
		TaskDescription: "print a fixed marker for the build",
	})
	require.NoError(t, err)

	l := newTestLoop(t, Config{}, Deps{
		Registry: registry,
		Runner:   newEngineRunner(t),
	})
	out, err := l.Solve(context.Background(), Problem{
		SessionID:   "s-2",
		Description: "print a fixed marker for the build",
		Technology:  "javascript",
	})
	require.NoError(t, err)

	assert.True(t, out.Solved)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, tool.ID, out.UsedToolID)
	assert.Equal(t, tool.Code, out.Solution)
	assert.Contains(t, out.Summary, "existing tool")

	got, err := registry.Get(tool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stats.Uses)
	assert.Equal(t, 1, got.Stats.Successes)
}

func TestSolveRecordsFailedToolRuns(t *testing.T) {
	registry := newTestRegistry(t)
	tool, err := registry.Register(context.Background(), types.DynamicTool{
		Name:            "always-throws",
		Code:            "throw new Error('broken tool')",
		Language:        types.ToolNodeJS,
		TaskDescription: "verify the deployment marker",
	})
	require.NoError(t, err)

	l := newTestLoop(t, Config{}, Deps{
		Registry: registry,
		Runner:   newEngineRunner(t),
	})
	out, err := l.Solve(context.Background(), Problem{
		Description: "verify the deployment marker",
		Technology:  "javascript",
	})
	require.NoError(t, err)

	assert.False(t, out.Solved)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.UsedToolID)

	got, err := registry.Get(tool.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stats.Uses)
	assert.Equal(t, 0, got.Stats.Successes)
}

func TestSolveGeneratesLearnsAndReuses(t *testing.T) {
	srv, goodFetches := researchServer(t)
	researcher := NewResearcher(ResearcherConfig{MaxResults: 5})
	researcher.searchBase = srv.URL + "/search?q="

	store := newTestKnowledge(t)
	registry := newTestRegistry(t)
	agent := &scriptedAgent{outputs: []string{workingJS}}

	l := newTestLoop(t, Config{EnableGeneration: true, MaxRetries: 2}, Deps{
		Knowledge:  store,
		Registry:   registry,
		Runner:     newEngineRunner(t),
		Agent:      agent,
		Researcher: researcher,
	})

	problem := Problem{
		SessionID:   "s-3",
		Description: "report build summary line",
		Technology:  "javascript",
	}
	out, err := l.Solve(context.Background(), problem)
	require.NoError(t, err)

	assert.True(t, out.Solved)
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.KnowledgeID)
	assert.NotEmpty(t, out.LearnedToolID)
	assert.Contains(t, out.Solution, "function solve()")
	assert.Contains(t, out.Summary, "generated")

	// Research findings were folded into the generation prompt.
	require.Len(t, agent.tasks, 1)
	assert.Contains(t, agent.tasks[0], "Research notes")
	assert.Contains(t, agent.tasks[0], "Install the missing package")
	assert.Equal(t, int32(1), goodFetches.Load())

	// The episode sedimented into knowledge and a reusable tool.
	assert.Equal(t, 1, store.Count())
	assert.Equal(t, 1, registry.Count())
	learned, err := registry.Get(out.LearnedToolID)
	require.NoError(t, err)
	assert.Equal(t, types.ToolNodeJS, learned.Language)
	assert.Equal(t, problem.Description, learned.TaskDescription)

	// An identical problem now resolves in one attempt without the agent.
	out2, err := l.Solve(context.Background(), problem)
	require.NoError(t, err)
	assert.True(t, out2.Solved)
	assert.Equal(t, 1, out2.Attempts)
	assert.Equal(t, 1, agent.calls)
	assert.True(t, out2.KnowledgeID != "" || out2.UsedToolID != "")
}

func TestSolveGenerationFoldsFailuresIntoPrompt(t *testing.T) {
	agent := &scriptedAgent{outputs: []string{throwingJS, workingJS}}
	l := newTestLoop(t, Config{EnableGeneration: true, MaxRetries: 1}, Deps{
		Registry: newTestRegistry(t),
		Runner:   newEngineRunner(t),
		Agent:    agent,
	})

	out, err := l.Solve(context.Background(), Problem{
		SessionID:   "s-4",
		Description: "emit the summary message",
		Technology:  "javascript",
	})
	require.NoError(t, err)

	assert.True(t, out.Solved)
	assert.Equal(t, 2, out.Attempts)
	require.Len(t, agent.tasks, 2)
	assert.Contains(t, agent.tasks[1], "Earlier attempts failed")
	assert.Contains(t, agent.tasks[1], "nope")
}

func TestSolveGenerationGivesUpAfterBudget(t *testing.T) {
	agent := &scriptedAgent{outputs: []string{throwingJS, throwingJS, throwingJS, throwingJS}}
	l := newTestLoop(t, Config{EnableGeneration: true, MaxRetries: 1}, Deps{
		Runner: newEngineRunner(t),
		Agent:  agent,
	})

	out, err := l.Solve(context.Background(), Problem{
		Description: "emit the summary message",
		Technology:  "javascript",
	})
	require.NoError(t, err)

	assert.False(t, out.Solved)
	assert.Equal(t, maxGenerationAttempts, out.Attempts)
	assert.Equal(t, maxGenerationAttempts, agent.calls)
	assert.Contains(t, out.Summary, "unresolved")
}

func TestSolveHandlesAgentFailure(t *testing.T) {
	agent := &scriptedAgent{} // no outputs: every call reports failure
	l := newTestLoop(t, Config{EnableGeneration: true}, Deps{
		Runner: newEngineRunner(t),
		Agent:  agent,
	})

	out, err := l.Solve(context.Background(), Problem{Description: "anything at all"})
	require.NoError(t, err)
	assert.False(t, out.Solved)
	assert.Equal(t, 1, out.Attempts)
}

func TestSolveSkipsResearchWhenConfident(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("<html></html>"))
	}))
	t.Cleanup(srv.Close)
	researcher := NewResearcher(ResearcherConfig{})
	researcher.searchBase = srv.URL + "/?q="

	store := newTestKnowledge(t)
	require.NoError(t, store.Add(context.Background(), types.KnowledgeEntry{
		ID:           "k-confident",
		Title:        "rotate the api token",
		Content:      "rotate the api token",
		Tags:         []string{"rotate", "api", "token"},
		CodeExamples: []string{"# rotate"},
	}))

	l := newTestLoop(t, Config{}, Deps{Knowledge: store, Researcher: researcher})
	out, err := l.Solve(context.Background(), Problem{Description: "rotate the api token"})
	require.NoError(t, err)

	assert.True(t, out.Solved)
	assert.Equal(t, int32(0), requests.Load())
}

func TestSolveUnresolvedWithoutCollaborators(t *testing.T) {
	l := newTestLoop(t, Config{}, Deps{})
	out, err := l.Solve(context.Background(), Problem{Description: "nothing can help"})
	require.NoError(t, err)
	assert.False(t, out.Solved)
	assert.Equal(t, 0, out.Attempts)
	assert.Contains(t, out.Summary, "unresolved")
}

func TestExtractCode(t *testing.T) {
	code, tag := extractCode("prose\n```python\nprint(1)\n```\nmore prose")
	assert.Equal(t, "print(1)", code)
	assert.Equal(t, "python", tag)

	code, tag = extractCode("  print(2)  ")
	assert.Equal(t, "print(2)", code)
	assert.Equal(t, "", tag)
}

func TestToolLanguageResolution(t *testing.T) {
	assert.Equal(t, types.ToolPython, toolLanguage("", ""))
	assert.Equal(t, types.ToolNodeJS, toolLanguage("javascript", "python"))
	assert.Equal(t, types.ToolBash, toolLanguage("", "shell"))
	assert.Equal(t, types.ToolLanguage(""), languageFilter("rust"))
	assert.Equal(t, types.ToolNodeJS, languageFilter("node"))
}

func TestToolNameFor(t *testing.T) {
	assert.Equal(t, "fix-the-broken-venv-on", toolNameFor("Fix the broken venv on CI!"))
	assert.Equal(t, "learned-tool", toolNameFor("???"))
}

func TestErrorTypeOf(t *testing.T) {
	assert.Equal(t, "ModuleNotFoundError", errorTypeOf("ModuleNotFoundError: No module named 'x'"))
	assert.Equal(t, "NullPointerException", errorTypeOf("caught NullPointerException in handler"))
	assert.Equal(t, "", errorTypeOf("exit status 1"))
}
