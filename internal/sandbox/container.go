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

// Default container resource limits.
const (
	defaultMemoryBytes = 256 << 20
	defaultCPUs        = 1.0
	defaultPidsLimit   = 64
	defaultNofile      = 256
	defaultTmpfsSize   = "64m"
)

// defaultImages maps each language to the container image used when the
// config does not override it.
var defaultImages = map[types.SandboxLanguage]string{
	types.SandboxPython:     "python:3.12-alpine",
	types.SandboxJavaScript: "node:22-alpine",
	types.SandboxShell:      "alpine:latest",
}

// containerInterpreters are the in-container binaries. Alpine images
// ship sh, not bash.
var containerInterpreters = map[types.SandboxLanguage]string{
	types.SandboxPython:     "python3",
	types.SandboxJavaScript: "node",
	types.SandboxShell:      "sh",
}

// ContainerBackend runs code in a fresh, auto-removed container with a
// read-only root, tmpfs scratch, dropped capabilities, and no network
// unless the request explicitly allows it.
type ContainerBackend struct {
	dockerPath string
	available  bool
	images     map[types.SandboxLanguage]string
	maxOutput  int64
}

// NewContainerBackend probes for a responsive docker daemon once at
// construction. Images overrides replace the per-language defaults.
func NewContainerBackend(images map[types.SandboxLanguage]string, maxOutput int64) *ContainerBackend {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	merged := make(map[types.SandboxLanguage]string, len(defaultImages))
	for lang, img := range defaultImages {
		merged[lang] = img
	}
	for lang, img := range images {
		merged[lang] = img
	}
	b := &ContainerBackend{images: merged, maxOutput: maxOutput}
	b.detect()
	return b
}

// detect checks for the docker binary and a responsive daemon.
func (b *ContainerBackend) detect() {
	path, err := exec.LookPath("docker")
	if err != nil {
		return
	}
	b.dockerPath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	probe := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}")
	if err := probe.Run(); err != nil {
		logging.SandboxDebug("docker binary present but daemon unresponsive: %v", err)
		return
	}
	b.available = true
	logging.SandboxDebug("docker detected at %s", path)
}

func (b *ContainerBackend) Name() string { return "container" }

func (b *ContainerBackend) Available() bool { return b.available }

// Execute mounts the code read-only into /sandbox and runs the
// interpreter inside a hardened container.
func (b *ContainerBackend) Execute(ctx context.Context, req types.SandboxRequest) (types.SandboxResult, error) {
	if !b.available {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: docker not available")
	}
	interp, ok := containerInterpreters[req.Language]
	if !ok {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: unsupported language %q", req.Language)
	}

	dir, err := os.MkdirTemp("", "ovr-sandbox-*")
	if err != nil {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	fileName := interpreters[req.Language].file
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(req.Code), 0o644); err != nil {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: write code: %w", err)
	}

	args := b.buildRunArgs(req, dir, interp, fileName)

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, b.dockerPath, args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, max: b.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, max: b.maxOutput}

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

// buildRunArgs assembles the docker run invocation. The container gets
// no network by default, a read-only root with tmpfs /tmp, capped
// memory with swap disabled, a CPU quota, PID and fd limits, all
// capabilities dropped, and no privilege escalation.
func (b *ContainerBackend) buildRunArgs(req types.SandboxRequest, hostDir, interp, fileName string) []string {
	args := []string{"run", "--rm"}

	network := "none"
	if req.Limits != nil && req.Limits.NetworkAllowed {
		network = "bridge"
	}
	args = append(args, "--network", network)

	args = append(args,
		"--read-only",
		"--tmpfs", "/tmp:size="+defaultTmpfsSize,
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
	)

	memory := int64(defaultMemoryBytes)
	cpus := defaultCPUs
	pids := defaultPidsLimit
	nofile := defaultNofile
	if req.Limits != nil {
		if req.Limits.MaxMemoryBytes > 0 {
			memory = req.Limits.MaxMemoryBytes
		}
		if req.Limits.MaxCPUs > 0 {
			cpus = req.Limits.MaxCPUs
		}
		if req.Limits.MaxProcesses > 0 {
			pids = req.Limits.MaxProcesses
		}
		if req.Limits.MaxOpenFiles > 0 {
			nofile = req.Limits.MaxOpenFiles
		}
	}
	args = append(args,
		"--memory", fmt.Sprintf("%d", memory),
		"--memory-swap", fmt.Sprintf("%d", memory), // no swap
		"--cpus", fmt.Sprintf("%g", cpus),
		"--pids-limit", fmt.Sprintf("%d", pids),
		"--ulimit", fmt.Sprintf("nofile=%d:%d", nofile, nofile),
	)

	args = append(args, "-v", fmt.Sprintf("%s:/sandbox:ro", hostDir), "-w", "/sandbox")

	env := make([]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	for _, e := range env {
		args = append(args, "-e", e)
	}

	args = append(args, b.images[req.Language], interp, "/sandbox/"+fileName)
	return args
}
