package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overdrive/internal/agent"
)

func TestRunVerificationAllGreen(t *testing.T) {
	requireBash(t)

	ex, err := New(Config{
		WorkingDir:        t.TempDir(),
		TypecheckCommand:  "exit 0",
		CoverageCommand:   `echo 'coverage: 85.0% of statements'`,
		CoverageThreshold: 70,
	}, Deps{Agent: agent.NewScripted(), Runner: newTestRunner(t)})
	require.NoError(t, err)

	res, err := ex.RunVerification(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.TypecheckOK)
	assert.True(t, res.LintOK)
	assert.InDelta(t, 85.0, res.Coverage, 0.001)
	assert.Empty(t, res.Issues)
}

func TestRunVerificationTypecheckFailure(t *testing.T) {
	requireBash(t)

	ex, err := New(Config{
		WorkingDir:       t.TempDir(),
		TypecheckCommand: `echo 'pkg/foo.go:10: undefined: Bar' 1>&2; exit 1`,
		CoverageCommand:  `echo 'coverage: 90.0% of statements'`,
	}, Deps{Agent: agent.NewScripted(), Runner: newTestRunner(t)})
	require.NoError(t, err)

	res, err := ex.RunVerification(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.False(t, res.TypecheckOK)
	assert.True(t, res.LintOK)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, "typecheck: pkg/foo.go:10: undefined: Bar", res.Issues[0])
}

func TestRunVerificationLintFailure(t *testing.T) {
	requireBash(t)

	ex, err := New(Config{
		WorkingDir:       t.TempDir(),
		TypecheckCommand: "exit 0",
		LintCommand:      `echo 'greet.go:3: exported func Greet has no comment'; exit 1`,
		CoverageCommand:  `echo 'coverage: 90.0% of statements'`,
	}, Deps{Agent: agent.NewScripted(), Runner: newTestRunner(t)})
	require.NoError(t, err)

	res, err := ex.RunVerification(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.TypecheckOK)
	assert.False(t, res.LintOK)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, "lint: greet.go:3: exported func Greet has no comment", res.Issues[0])
}

func TestRunVerificationCoverageBelowThreshold(t *testing.T) {
	requireBash(t)

	ex, err := New(Config{
		WorkingDir:        t.TempDir(),
		TypecheckCommand:  "exit 0",
		CoverageCommand:   `echo 'coverage: 42.0% of statements'`,
		CoverageThreshold: 70,
	}, Deps{Agent: agent.NewScripted(), Runner: newTestRunner(t)})
	require.NoError(t, err)

	res, err := ex.RunVerification(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.TypecheckOK)
	assert.True(t, res.LintOK)
	assert.InDelta(t, 42.0, res.Coverage, 0.001)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "coverage 42.0% below threshold 70.0%", res.Issues[0])
}

func TestRunVerificationCoverageCommandFailure(t *testing.T) {
	requireBash(t)

	ex, err := New(Config{
		WorkingDir:       t.TempDir(),
		TypecheckCommand: "exit 0",
		CoverageCommand:  `echo 'build failed' 1>&2; exit 2`,
	}, Deps{Agent: agent.NewScripted(), Runner: newTestRunner(t)})
	require.NoError(t, err)

	res, err := ex.RunVerification(context.Background())
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.TypecheckOK)
	require.NotEmpty(t, res.Issues)
	assert.Equal(t, "coverage: build failed", res.Issues[0])
}

func TestIssueLinesFallsBackToExitCode(t *testing.T) {
	got := issueLines("lint", "", "", 3)
	assert.Equal(t, []string{"lint: exit 3"}, got)
}
