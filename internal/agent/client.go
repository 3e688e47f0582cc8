// Package agent bridges the core to the LLM provider. The Gemini client
// implements types.AgentClient over google.golang.org/genai; Scripted is
// the in-process fake for tests. Outputs are validated against the
// per-agent shape before an invocation reports success: review agents
// must return a JSON verdict, the TDD guide must return fenced code.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"overdrive/internal/types"
)

// ErrUnknownAgent is returned when a request names an agent outside the
// fixed set.
var ErrUnknownAgent = errors.New("agent: unknown agent name")

// systemInstructions carries the per-agent system prompt. The addressable
// set is closed; Invoke rejects anything not listed here.
var systemInstructions = map[types.AgentName]string{
	types.AgentCodeReviewer: `You are a senior code reviewer. Analyze the submitted change for logic errors, maintainability problems, and missed edge cases.
Return JSON only:
{"approved": true|false, "summary": "one line", "issues": [{"severity": "critical|error|warning|info", "message": "...", "suggestion": "..."}]}
Only report significant issues. Approve clean code with an empty issues array.`,

	types.AgentSecurityReviewer: `You are a security auditor. Analyze the submitted change for vulnerabilities: injection, path traversal, unsafe deserialization, secrets in code, missing input validation.
Return JSON only:
{"approved": true|false, "summary": "one line", "issues": [{"severity": "critical|error|warning|info", "message": "...", "suggestion": "..."}]}
Approve only when no critical or error findings remain.`,

	types.AgentTDDGuide: `You are a test-driven development guide. Produce exactly what the requested phase needs: a failing test for red, the minimal implementation for green, a cleanup for refactor.
Reply with the target file on the first line as "FILE: <relative path>", then exactly one fenced code block containing the complete file content. No other prose.`,

	types.AgentArchitect: `You are a software architect. Break the request into a short ordered plan: components to touch, interfaces to define, risks to watch. Be concrete and terse.`,

	types.AgentExplore: `You are exploring an unfamiliar codebase. Summarize what exists that is relevant to the task: files, entry points, conventions already in use. Report findings, not recommendations.`,

	types.AgentGeneral: `You are an engineer solving one concrete problem. Prefer a short working solution over discussion. When code is the answer, return it in a fenced code block.`,
}

var codeFenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*[ \t]*\n.*?```")

// ReviewIssue is one finding from a review agent.
type ReviewIssue struct {
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ReviewOutput is the structured verdict of the code-reviewer and
// security-reviewer agents.
type ReviewOutput struct {
	Approved bool          `json:"approved"`
	Summary  string        `json:"summary,omitempty"`
	Issues   []ReviewIssue `json:"issues,omitempty"`
}

// ParseReview extracts the JSON verdict from a review agent's output. The
// model may wrap the object in fences or prose; the outermost braces are
// taken. An output without an "approved" key is rejected.
func ParseReview(output string) (ReviewOutput, error) {
	raw := extractJSONObject(output)
	if raw == "" {
		return ReviewOutput{}, fmt.Errorf("agent: no JSON object in review output")
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return ReviewOutput{}, fmt.Errorf("agent: parse review: %w", err)
	}
	if _, ok := probe["approved"]; !ok {
		return ReviewOutput{}, fmt.Errorf("agent: review output missing \"approved\"")
	}
	var rev ReviewOutput
	if err := json.Unmarshal([]byte(raw), &rev); err != nil {
		return ReviewOutput{}, fmt.Errorf("agent: parse review: %w", err)
	}
	return rev, nil
}

// extractJSONObject returns the outermost {...} span, stripping fences and
// surrounding prose.
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// validateOutput checks an agent's output against its expected shape.
func validateOutput(agent types.AgentName, output string) error {
	if strings.TrimSpace(output) == "" {
		return fmt.Errorf("agent: %s returned empty output", agent)
	}
	switch agent {
	case types.AgentCodeReviewer, types.AgentSecurityReviewer:
		if _, err := ParseReview(output); err != nil {
			return err
		}
	case types.AgentTDDGuide:
		if !codeFenceRe.MatchString(output) {
			return fmt.Errorf("agent: %s returned no fenced code block", agent)
		}
	}
	return nil
}

// buildUserPrompt renders the task plus its context map. Context keys are
// sorted so identical requests produce identical prompts.
func buildUserPrompt(req types.AgentRequest) string {
	if len(req.Context) == 0 {
		return req.Task
	}
	keys := make([]string, 0, len(req.Context))
	for k := range req.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(req.Task)
	sb.WriteString("\n\nContext:\n")
	for _, k := range keys {
		fmt.Fprintf(&sb, "- %s: %s\n", k, req.Context[k])
	}
	return sb.String()
}

// checkRequest rejects malformed requests before any provider call.
func checkRequest(req types.AgentRequest) error {
	if !types.KnownAgent(req.Agent) {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, req.Agent)
	}
	if strings.TrimSpace(req.Task) == "" {
		return fmt.Errorf("agent: empty task")
	}
	return nil
}
