package sandbox

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// Outcome classifies one execution for the reflection loop.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeSyntax     Outcome = "syntax"
	OutcomeDependency Outcome = "dependency"
	OutcomeRuntime    Outcome = "runtime"
	OutcomeUnknown    Outcome = "unknown"
)

// Reflection reports one classify-and-fix step to the caller.
type Reflection struct {
	Attempt int
	Outcome Outcome
	Fix     string
	Result  types.SandboxResult
}

var (
	syntaxMarkers = []string{
		"SyntaxError", "IndentationError", "TabError",
		"Unexpected token", "Unexpected identifier", "syntax error",
	}
	dependencyMarkers = []string{
		"ModuleNotFoundError", "No module named", "ImportError",
		"Cannot find module", "command not found",
	}
)

// Classify buckets an execution result for the reflection loop.
func Classify(result types.SandboxResult) Outcome {
	if result.TimedOut {
		return OutcomeTimeout
	}
	if result.ExitCode == 0 {
		return OutcomeSuccess
	}
	for _, marker := range syntaxMarkers {
		if strings.Contains(result.Stderr, marker) {
			return OutcomeSyntax
		}
	}
	for _, marker := range dependencyMarkers {
		if strings.Contains(result.Stderr, marker) {
			return OutcomeDependency
		}
	}
	if result.Stderr != "" || result.Error != "" {
		return OutcomeRuntime
	}
	return OutcomeUnknown
}

// ExecuteWithReflection runs the request, classifies failures, applies
// known mechanical fixes, and retries within the budget. It stops as
// soon as no fix applies; classification of the final result is the
// caller's signal for escalation.
func (r *Runner) ExecuteWithReflection(ctx context.Context, req types.SandboxRequest, maxRetries int, onReflection func(Reflection)) (types.SandboxResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := r.Execute(ctx, req)
		if err != nil {
			return result, err
		}

		outcome := Classify(result)
		if outcome == OutcomeSuccess {
			return result, nil
		}
		if attempt >= maxRetries {
			return result, nil
		}

		fixed, fix := applyKnownFix(&req, outcome, result)
		if onReflection != nil {
			onReflection(Reflection{Attempt: attempt + 1, Outcome: outcome, Fix: fix, Result: result})
		}
		if !fixed {
			return result, nil
		}
		logging.SandboxDebug("reflection attempt %d: %s -> %s", attempt+1, outcome, fix)
	}
}

// applyKnownFix patches the request code for mechanically fixable
// failures. It reports whether anything changed.
func applyKnownFix(req *types.SandboxRequest, outcome Outcome, result types.SandboxResult) (bool, string) {
	switch outcome {
	case OutcomeSyntax:
		if req.Language == types.SandboxPython && strings.Contains(req.Code, "\t") {
			req.Code = normalizeIndentation(req.Code)
			return true, "normalized tab indentation"
		}
	case OutcomeDependency:
		module := missingModule(result.Stderr)
		if module == "" {
			return false, ""
		}
		hint := installHint(req.Language, module)
		if hint != "" && !strings.Contains(req.Code, hint) {
			req.Code = hint + "\n" + req.Code
			return true, "noted missing dependency " + module
		}
	case OutcomeTimeout:
		if req.Language == types.SandboxPython && !strings.Contains(req.Code, "signal.alarm") {
			req.Code = wrapWithAlarm(req.Code, req.TimeoutMs)
			return true, "added alarm-based self-deadline"
		}
	}
	return false, ""
}

// normalizeIndentation rewrites leading tabs as four spaces each,
// leaving interior tabs alone.
func normalizeIndentation(code string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		j := 0
		for j < len(line) && line[j] == '\t' {
			j++
		}
		if j > 0 {
			lines[i] = strings.Repeat("    ", j) + line[j:]
		}
	}
	return strings.Join(lines, "\n")
}

var missingModuleRes = []*regexp.Regexp{
	regexp.MustCompile(`ModuleNotFoundError: No module named '([^']+)'`),
	regexp.MustCompile(`ImportError: No module named ([\w.]+)`),
	regexp.MustCompile(`Cannot find module '([^']+)'`),
	regexp.MustCompile(`(?m)(?:^|:\s)([\w.\-]+): command not found`),
}

// missingModule extracts the unresolved module or command name from
// interpreter stderr.
func missingModule(stderr string) string {
	for _, re := range missingModuleRes {
		if m := re.FindStringSubmatch(stderr); m != nil {
			return m[1]
		}
	}
	return ""
}

// installHint renders the dependency note prepended to the code. The
// retry cannot install anything itself; the hint travels with the code
// so the caller can act on it.
func installHint(language types.SandboxLanguage, module string) string {
	switch language {
	case types.SandboxPython:
		return "# requires: pip install " + module
	case types.SandboxJavaScript:
		return "// requires: npm install " + module
	case types.SandboxShell:
		return "# requires: " + module
	}
	return ""
}

// wrapWithAlarm prepends a SIGALRM self-deadline one second under the
// sandbox deadline so the script can exit cleanly instead of being
// killed.
func wrapWithAlarm(code string, timeoutMs int64) string {
	seconds := timeoutMs/1000 - 1
	if seconds < 1 {
		seconds = 1
	}
	header := fmt.Sprintf(`import signal

def _on_deadline(signum, frame):
    raise SystemExit(%d)

signal.signal(signal.SIGALRM, _on_deadline)
signal.alarm(%d)
`, timeoutExitCode, seconds)
	return header + "\n" + code
}
