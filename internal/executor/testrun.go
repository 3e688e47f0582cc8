package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"overdrive/internal/logging"
	"overdrive/internal/metrics"
	"overdrive/internal/types"
)

// TestResult is the parsed outcome of one test suite run. Success is
// keyed to the exit code, not the parsed markers: a quiet run of a
// passing suite prints no per-test lines at all.
type TestResult struct {
	Passed      int           `json:"passed"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Total       int           `json:"total"`
	Success     bool          `json:"success"`
	FailedTests []string      `json:"failed_tests,omitempty"`
	Coverage    float64       `json:"coverage"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Duration    time.Duration `json:"duration"`
	Output      string        `json:"-"`
}

// Summary renders a one-line digest for logs and event details.
func (r TestResult) Summary() string {
	if r.TimedOut {
		return "test run timed out"
	}
	s := fmt.Sprintf("%d/%d tests passed", r.Passed, r.Total)
	if r.Failed > 0 {
		s += fmt.Sprintf(", %d failed", r.Failed)
	}
	if r.Skipped > 0 {
		s += fmt.Sprintf(", %d skipped", r.Skipped)
	}
	if r.Coverage > 0 {
		s += fmt.Sprintf(", coverage %.1f%%", r.Coverage)
	}
	return s
}

// RunTests runs the configured test command through the sandbox and
// parses the verbose output for per-test counts. The error reports
// sandbox trouble only; failing tests come back in the result.
func (e *Executor) RunTests(ctx context.Context) (TestResult, error) {
	sr, err := e.runCommand(ctx, e.cfg.TestCommand)
	if err != nil {
		return TestResult{}, fmt.Errorf("executor: run tests: %w", err)
	}
	res := parseTestOutput(sr.Stdout + "\n" + sr.Stderr)
	res.Success = sr.ExitCode == 0 && !sr.TimedOut
	res.TimedOut = sr.TimedOut
	res.Duration = time.Duration(sr.DurationMs) * time.Millisecond

	if e.deps.Metrics != nil && res.Total > 0 {
		e.deps.Metrics.Add(metrics.TypeTest, metrics.NameRun, float64(res.Total))
		e.deps.Metrics.Add(metrics.TypeTest, metrics.NamePassed, float64(res.Passed))
		e.deps.Metrics.Add(metrics.TypeTest, metrics.NameFailed, float64(res.Failed))
		e.deps.Metrics.Add(metrics.TypeTest, metrics.NameSkipped, float64(res.Skipped))
	}
	logging.Executor("test run: %s (exit %d)", res.Summary(), sr.ExitCode)
	return res, nil
}

// runCommand executes one shell command in the working directory under
// the phase timeout.
func (e *Executor) runCommand(ctx context.Context, command string) (types.SandboxResult, error) {
	return e.deps.Runner.Execute(ctx, types.SandboxRequest{
		Language:   types.SandboxShell,
		Code:       command,
		TimeoutMs:  e.cfg.PhaseTimeout.Milliseconds(),
		WorkingDir: e.cfg.WorkingDir,
	})
}

// parseTestOutput scans go-test style output for result markers and the
// coverage figure. Unknown lines are ignored.
func parseTestOutput(output string) TestResult {
	var res TestResult
	res.Output = output
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "--- PASS:"):
			res.Passed++
		case strings.HasPrefix(trimmed, "--- FAIL:"):
			res.Failed++
			if fields := strings.Fields(trimmed); len(fields) >= 3 {
				res.FailedTests = append(res.FailedTests, fields[2])
			}
		case strings.HasPrefix(trimmed, "--- SKIP:"):
			res.Skipped++
		case strings.Contains(trimmed, "coverage:"):
			for _, part := range strings.Fields(trimmed) {
				if !strings.HasSuffix(part, "%") {
					continue
				}
				var cov float64
				if _, err := fmt.Sscanf(part, "%f%%", &cov); err == nil && cov > res.Coverage {
					res.Coverage = cov
				}
			}
		}
	}
	res.Total = res.Passed + res.Failed + res.Skipped
	return res
}
