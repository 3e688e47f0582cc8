package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// timeoutExitCode is the conventional exit code for a killed-on-deadline
// execution.
const timeoutExitCode = 124

// interpreters maps a sandbox language to its host binary and source
// file name.
var interpreters = map[types.SandboxLanguage]struct {
	binary string
	file   string
}{
	types.SandboxPython:     {"python3", "main.py"},
	types.SandboxJavaScript: {"node", "main.js"},
	types.SandboxShell:      {"bash", "main.sh"},
}

// ProcessBackend spawns the language interpreter directly on the host.
// It is the weakest isolation level and the universal fallback: the
// validator has already refused dangerous code and the environment is
// stripped, but nothing prevents well-formed code from touching the
// host.
type ProcessBackend struct {
	maxOutput int64
}

// NewProcessBackend returns a process backend with the given per-stream
// output cap.
func NewProcessBackend(maxOutput int64) *ProcessBackend {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	return &ProcessBackend{maxOutput: maxOutput}
}

func (b *ProcessBackend) Name() string { return "process" }

// Available always reports true; a missing interpreter surfaces as an
// execution error instead.
func (b *ProcessBackend) Available() bool { return true }

// Execute writes the code to a per-execution temp dir and runs the
// interpreter under a deadline. The temp dir is removed afterwards.
func (b *ProcessBackend) Execute(ctx context.Context, req types.SandboxRequest) (types.SandboxResult, error) {
	interp, ok := interpreters[req.Language]
	if !ok {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: unsupported language %q", req.Language)
	}
	binary, err := exec.LookPath(interp.binary)
	if err != nil {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: interpreter %s not found: %w", interp.binary, err)
	}

	dir, err := os.MkdirTemp("", "ovr-sandbox-*")
	if err != nil {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	codePath := filepath.Join(dir, interp.file)
	if err := os.WriteFile(codePath, []byte(req.Code), 0o600); err != nil {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: write code: %w", err)
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, binary, codePath)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	} else {
		cmd.Dir = dir
	}
	cmd.Env = flattenEnv(req.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: b.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: b.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	result := types.SandboxResult{
		Stdout:     stdoutBuf.String(),
		Stderr:     stderrBuf.String(),
		DurationMs: duration.Milliseconds(),
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = timeoutExitCode
		result.TimedOut = true
		logging.SandboxDebug("process execution killed after %s", timeout)
	case runErr == nil:
		result.ExitCode = 0
	default:
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			result.Error = runErr.Error()
		}
	}
	return result, nil
}

// flattenEnv renders the request env as KEY=VALUE pairs plus the
// minimal host variables interpreters need. Sorted for determinism.
func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env)+2)
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	for _, passthrough := range []string{"PATH", "HOME", "LANG"} {
		if v := os.Getenv(passthrough); v != "" {
			if _, shadowed := env[passthrough]; !shadowed {
				out = append(out, passthrough+"="+v)
			}
		}
	}
	return out
}
