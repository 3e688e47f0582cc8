package executor

import (
	"context"
	"fmt"
	"strings"

	"overdrive/internal/logging"
)

// maxIssueLines caps how many output lines one failing stage contributes
// to the issue list.
const maxIssueLines = 10

// VerificationResult reports the typecheck/lint/coverage gate. Success
// means every configured stage passed and coverage met the threshold.
type VerificationResult struct {
	Success     bool     `json:"success"`
	TypecheckOK bool     `json:"typecheck_ok"`
	LintOK      bool     `json:"lint_ok"`
	Coverage    float64  `json:"coverage"`
	Issues      []string `json:"issues,omitempty"`
}

// RunVerification runs the typecheck, lint, and coverage commands in
// order. Lint is skipped when no command is configured and counts as
// passing. Coverage below the configured threshold is an issue but is
// reported with the measured figure either way.
func (e *Executor) RunVerification(ctx context.Context) (VerificationResult, error) {
	res := VerificationResult{TypecheckOK: true, LintOK: true}

	tc, err := e.runCommand(ctx, e.cfg.TypecheckCommand)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("executor: typecheck: %w", err)
	}
	if tc.ExitCode != 0 {
		res.TypecheckOK = false
		res.Issues = append(res.Issues, issueLines("typecheck", tc.Stdout, tc.Stderr, tc.ExitCode)...)
	}

	if e.cfg.LintCommand != "" {
		lint, err := e.runCommand(ctx, e.cfg.LintCommand)
		if err != nil {
			return VerificationResult{}, fmt.Errorf("executor: lint: %w", err)
		}
		if lint.ExitCode != 0 {
			res.LintOK = false
			res.Issues = append(res.Issues, issueLines("lint", lint.Stdout, lint.Stderr, lint.ExitCode)...)
		}
	}

	cov, err := e.runCommand(ctx, e.cfg.CoverageCommand)
	if err != nil {
		return VerificationResult{}, fmt.Errorf("executor: coverage: %w", err)
	}
	res.Coverage = parseTestOutput(cov.Stdout + "\n" + cov.Stderr).Coverage
	if cov.ExitCode != 0 {
		res.Issues = append(res.Issues, issueLines("coverage", cov.Stdout, cov.Stderr, cov.ExitCode)...)
	} else if e.cfg.CoverageThreshold > 0 && res.Coverage < e.cfg.CoverageThreshold {
		res.Issues = append(res.Issues, fmt.Sprintf("coverage %.1f%% below threshold %.1f%%", res.Coverage, e.cfg.CoverageThreshold))
	}

	res.Success = len(res.Issues) == 0
	logging.Executor("verification: success=%v typecheck=%v lint=%v coverage=%.1f%% issues=%d",
		res.Success, res.TypecheckOK, res.LintOK, res.Coverage, len(res.Issues))
	return res, nil
}

// issueLines turns one failing stage's output into prefixed issue
// entries, preferring stderr and capping the count.
func issueLines(stage, stdout, stderr string, exitCode int) []string {
	text := stderr
	if strings.TrimSpace(text) == "" {
		text = stdout
	}
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, stage+": "+line)
		if len(out) >= maxIssueLines {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, fmt.Sprintf("%s: exit %d", stage, exitCode))
	}
	return out
}
