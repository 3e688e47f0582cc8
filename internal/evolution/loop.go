package evolution

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"overdrive/internal/knowledge"
	"overdrive/internal/logging"
	"overdrive/internal/sandbox"
	"overdrive/internal/types"
)

// Defaults for the loop knobs.
const (
	DefaultWebSearchThreshold = 0.4
	DefaultRelevanceCutoff    = 0.8
	DefaultExecTimeout        = 30 * time.Second

	// maxGenerationAttempts bounds regeneration when generated code
	// keeps tripping over its known limitations (missing modules,
	// sandbox refusals).
	maxGenerationAttempts = 3
)

// Problem describes one blocked situation the loop should resolve.
type Problem struct {
	SessionID   string
	Description string
	Error       string
	Technology  string
	WorkingDir  string
}

// Outcome reports how (or whether) a problem was resolved.
type Outcome struct {
	Solved        bool
	Solution      string
	Attempts      int
	KnowledgeID   string
	LearnedToolID string
	UsedToolID    string
	Duration      time.Duration
	Summary       string
}

// Config tunes the loop. Zero values fall back to defaults.
type Config struct {
	WebSearchThreshold float64
	RelevanceCutoff    float64
	MinToolSimilarity  float64
	MaxRetries         int
	EnableGeneration   bool
	ExecTimeout        time.Duration
}

// Deps are the collaborators the orchestrator threads in. Knowledge is
// required; a nil Researcher skips web research, a nil Agent disables
// generation, a nil Runner disables tool reuse and generation.
type Deps struct {
	Knowledge  *knowledge.Store
	Registry   *Registry
	Runner     *sandbox.Runner
	Agent      types.AgentClient
	Researcher *Researcher
}

// Loop is the five-step problem solver. Steps run in order and the
// first one that produces a working solution short-circuits the rest:
// web research, knowledge reuse, tool reuse, generation, sedimentation.
type Loop struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// NewLoop builds a loop, normalizing zero config values to defaults.
func NewLoop(cfg Config, deps Deps) (*Loop, error) {
	if deps.Knowledge == nil {
		return nil, errors.New("evolution: knowledge store is required")
	}
	if cfg.WebSearchThreshold <= 0 {
		cfg.WebSearchThreshold = DefaultWebSearchThreshold
	}
	if cfg.RelevanceCutoff <= 0 {
		cfg.RelevanceCutoff = DefaultRelevanceCutoff
	}
	if cfg.MinToolSimilarity <= 0 {
		cfg.MinToolSimilarity = DefaultMinSimilarity
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	return &Loop{
		cfg:  cfg,
		deps: deps,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Solve runs the five steps for one problem. Failing to solve is not an
// error: the outcome reports Solved=false with a summary. An error is
// returned only for unusable input.
func (l *Loop) Solve(ctx context.Context, p Problem) (Outcome, error) {
	if strings.TrimSpace(p.Description) == "" {
		return Outcome{}, errors.New("evolution: empty problem description")
	}
	start := l.now()
	finish := func(out Outcome) Outcome {
		out.Duration = l.now().Sub(start)
		return out
	}
	logging.Evolution("solving %q (session %s)", truncate(p.Description, 80), p.SessionID)

	var out Outcome

	// Confidence that local knowledge already covers the problem. The
	// top search score doubles as the step-2 relevance check.
	scored := l.deps.Knowledge.Search(strings.TrimSpace(p.Description+" "+p.Error), 3)
	confidence := 0.0
	if len(scored) > 0 {
		confidence = scored[0].Score
	}

	// Step 1: web research when confidence is low.
	var web *WebContext
	if l.deps.Researcher != nil && confidence < l.cfg.WebSearchThreshold {
		wc, err := l.deps.Researcher.Research(ctx, p.Description, p.Technology)
		if err != nil {
			logging.EvolutionDebug("web research unavailable: %v", err)
		} else if !wc.Empty() {
			web = wc
		}
	}

	// Step 2: reuse knowledge when a strong match carries code.
	if len(scored) > 0 && scored[0].Score > l.cfg.RelevanceCutoff && len(scored[0].Entry.CodeExamples) > 0 {
		e := scored[0].Entry
		out.Attempts++
		out.Solved = true
		out.KnowledgeID = e.ID
		out.Solution = e.CodeExamples[0]
		out.Summary = fmt.Sprintf("reused knowledge %q (relevance %.2f)", e.Title, scored[0].Score)
		if err := l.deps.Knowledge.IncrementSuccess(ctx, e.ID); err != nil {
			logging.EvolutionDebug("increment success for %s: %v", e.ID, err)
		}
		logging.Evolution("%s", out.Summary)
		return finish(out), nil
	}

	// Step 3: run the closest existing tool.
	if l.deps.Registry != nil && l.deps.Runner != nil {
		if tool, score := l.deps.Registry.FindBest(p.Description, l.cfg.MinToolSimilarity, languageFilter(p.Technology)); tool != nil {
			out.Attempts++
			res, err := l.deps.Runner.Execute(ctx, types.SandboxRequest{
				Language:   sandboxLanguage(tool.Language),
				Code:       tool.Code,
				TimeoutMs:  l.cfg.ExecTimeout.Milliseconds(),
				WorkingDir: p.WorkingDir,
			})
			success := err == nil && res.ExitCode == 0
			if rerr := l.deps.Registry.RecordUsage(ctx, tool.ID, success, time.Duration(res.DurationMs)*time.Millisecond); rerr != nil {
				logging.EvolutionDebug("record usage for %s: %v", tool.ID, rerr)
			}
			if success {
				out.Solved = true
				out.UsedToolID = tool.ID
				out.Solution = tool.Code
				out.Summary = fmt.Sprintf("existing tool %q solved it (similarity %.2f)", tool.Name, score)
				logging.Evolution("%s", out.Summary)
				return finish(out), nil
			}
			logging.EvolutionDebug("tool %q did not solve it: exit %d", tool.Name, res.ExitCode)
		}
	}

	// Step 4: generate fresh code and run it with reflection.
	if l.cfg.EnableGeneration && l.deps.Agent != nil && l.deps.Runner != nil {
		gen := l.generate(ctx, p, web)
		out.Attempts += gen.attempts
		if gen.solved {
			out.Solved = true
			out.Solution = gen.code

			// Step 5: sediment what finally worked.
			out.KnowledgeID, out.LearnedToolID = l.sediment(ctx, p, gen, web)
			out.Summary = fmt.Sprintf("generated a %s solution in %d attempt(s)", gen.language, gen.attempts)
			logging.Evolution("%s", out.Summary)
			return finish(out), nil
		}
	}

	out.Summary = fmt.Sprintf("unresolved after %d attempt(s)", out.Attempts)
	logging.Evolution("%s: %q", out.Summary, truncate(p.Description, 80))
	return finish(out), nil
}

type genResult struct {
	code     string
	language types.ToolLanguage
	attempts int
	solved   bool
}

// generate asks the agent for a script and executes it with reflection.
// Each failed attempt folds its stderr into the next prompt; known
// generated-code limitations are tolerated for up to three attempts.
func (l *Loop) generate(ctx context.Context, p Problem, web *WebContext) genResult {
	var gen genResult
	var failures []string

	for gen.attempts < maxGenerationAttempts {
		gen.attempts++

		res, err := l.deps.Agent.Invoke(ctx, types.AgentRequest{
			Agent: types.AgentGeneral,
			Task:  buildGenerationTask(p, web, failures),
			Context: map[string]string{
				"session_id": p.SessionID,
				"technology": p.Technology,
			},
		})
		if err != nil || !res.Success {
			logging.EvolutionDebug("generation attempt %d: agent failed: %v %s", gen.attempts, err, res.Error)
			return gen
		}

		code, tag := extractCode(res.Output)
		if strings.TrimSpace(code) == "" {
			failures = append(failures, "agent returned no code")
			continue
		}
		gen.code = code
		gen.language = toolLanguage(tag, p.Technology)

		sres, err := l.deps.Runner.ExecuteWithReflection(ctx, types.SandboxRequest{
			Language:   sandboxLanguage(gen.language),
			Code:       code,
			TimeoutMs:  l.cfg.ExecTimeout.Milliseconds(),
			WorkingDir: p.WorkingDir,
		}, l.cfg.MaxRetries, nil)
		if err != nil {
			failures = append(failures, truncate(err.Error(), 300))
			continue
		}
		if sres.ExitCode == 0 {
			gen.solved = true
			return gen
		}
		failures = append(failures, truncate(firstNonEmpty(sres.Stderr, sres.Stdout, "exit "+fmt.Sprint(sres.ExitCode)), 300))
	}
	return gen
}

// sediment converts a generation success into a knowledge entry and,
// when the quality gates pass, a registered dynamic tool.
func (l *Loop) sediment(ctx context.Context, p Problem, gen genResult, web *WebContext) (knowledgeID, toolID string) {
	steps := []string{"searched existing knowledge and tools"}
	if web != nil {
		steps = append(steps, fmt.Sprintf("researched %d web sources", len(web.Sections)))
	}
	steps = append(steps,
		fmt.Sprintf("generated a %s script (%d attempt(s))", gen.language, gen.attempts),
		"verified it exits 0 in the sandbox",
	)

	entry, merged, err := l.deps.Knowledge.Sediment(ctx, knowledge.SedimentContext{
		SessionID:    p.SessionID,
		Technology:   p.Technology,
		Problem:      p.Description,
		ErrorType:    errorTypeOf(p.Error),
		ErrorDetail:  p.Error,
		Solution:     fmt.Sprintf("Generated %s script resolves the problem; see code example.", gen.language),
		Steps:        steps,
		Sources:      web.SourceURLs(),
		CodeExamples: []string{gen.code},
	})
	if err != nil {
		logging.EvolutionDebug("sedimentation failed: %v", err)
	} else {
		knowledgeID = entry.ID
		logging.EvolutionDebug("sedimented knowledge %s (merged=%v)", entry.ID, merged)
	}

	if l.deps.Registry == nil {
		return knowledgeID, ""
	}
	if err := CheckQuality(ctx, gen.code, gen.language); err != nil {
		logging.EvolutionDebug("tool not learned: %v", err)
		return knowledgeID, ""
	}
	tool, err := l.deps.Registry.Register(ctx, types.DynamicTool{
		Name:            toolNameFor(p.Description),
		Code:            gen.code,
		Language:        gen.language,
		TaskDescription: p.Description,
		Stats:           types.ToolStats{Uses: 1, Successes: 1, LastUsedAt: l.now()},
	})
	if err != nil {
		logging.EvolutionDebug("tool registration failed: %v", err)
		return knowledgeID, ""
	}
	return knowledgeID, tool.ID
}

// buildGenerationTask assembles the prompt: problem, error, research
// notes, and what already failed.
func buildGenerationTask(p Problem, web *WebContext, failures []string) string {
	var sb strings.Builder
	sb.WriteString("Write a small, self-contained script that resolves the problem below. ")
	sb.WriteString("Reply with one fenced code block in python, javascript, or bash. The script must exit 0 on success.\n\n")
	sb.WriteString("Problem: " + p.Description + "\n")
	if p.Error != "" {
		sb.WriteString("Error: " + p.Error + "\n")
	}
	if p.Technology != "" {
		sb.WriteString("Technology: " + p.Technology + "\n")
	}
	if web != nil && len(web.Sections) > 0 {
		sb.WriteString("\nResearch notes:\n")
		for i, sec := range web.Sections {
			if i >= 3 {
				break
			}
			sb.WriteString(fmt.Sprintf("- %s (%s): %s\n", sec.Title, sec.URL, truncate(sec.Text, 400)))
			if len(sec.CodeBlocks) > 0 {
				sb.WriteString(indent(truncate(sec.CodeBlocks[0], 600)) + "\n")
			}
		}
	}
	if len(failures) > 0 {
		sb.WriteString("\nEarlier attempts failed with:\n")
		for _, f := range failures {
			sb.WriteString("- " + f + "\n")
		}
	}
	return sb.String()
}

var fenceRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+-]*)[ \t]*\n(.*?)```")

// extractCode pulls the first fenced block (and its language tag) out
// of agent output; unfenced output is taken whole.
func extractCode(output string) (code, tag string) {
	if m := fenceRe.FindStringSubmatch(output); m != nil {
		return strings.TrimSpace(m[2]), strings.ToLower(m[1])
	}
	return strings.TrimSpace(output), ""
}

// toolLanguage resolves the implementation language from the fence tag,
// falling back to the problem's technology, then python.
func toolLanguage(tag, technology string) types.ToolLanguage {
	for _, s := range []string{tag, technology} {
		if l := languageFilter(s); l != "" {
			return l
		}
	}
	return types.ToolPython
}

// languageFilter maps a technology name onto a tool language; unknown
// names return "" (no filter).
func languageFilter(technology string) types.ToolLanguage {
	switch strings.ToLower(strings.TrimSpace(technology)) {
	case "python", "python3", "py":
		return types.ToolPython
	case "javascript", "js", "node", "nodejs", "typescript":
		return types.ToolNodeJS
	case "bash", "sh", "shell":
		return types.ToolBash
	}
	return ""
}

func sandboxLanguage(l types.ToolLanguage) types.SandboxLanguage {
	switch l {
	case types.ToolNodeJS:
		return types.SandboxJavaScript
	case types.ToolBash:
		return types.SandboxShell
	default:
		return types.SandboxPython
	}
}

var errorTypeRe = regexp.MustCompile(`\b([A-Z][A-Za-z0-9]*(?:Error|Exception))\b`)

func errorTypeOf(s string) string {
	if m := errorTypeRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return ""
}

// toolNameFor slugs the first words of the problem description.
func toolNameFor(description string) string {
	words := strings.Fields(strings.ToLower(description))
	if len(words) > 5 {
		words = words[:5]
	}
	parts := make([]string, 0, len(words))
	for _, w := range words {
		var b strings.Builder
		for _, r := range w {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
				b.WriteRune(r)
			}
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}
	if len(parts) == 0 {
		return "learned-tool"
	}
	return strings.Join(parts, "-")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "    " + l
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(candidates ...string) string {
	for _, c := range candidates {
		if strings.TrimSpace(c) != "" {
			return c
		}
	}
	return ""
}
