package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dop251/goja"

	"overdrive/internal/types"
)

const (
	defaultMaxCallStack = 2048
	defaultMaxCodeBytes = 256 * 1024
)

// EngineBackend evaluates JavaScript inside the process on an embedded
// engine. Each execution gets a fresh runtime; a watchdog interrupts
// the VM when the deadline passes. No host filesystem, network, or
// process access exists inside the runtime at all.
type EngineBackend struct {
	maxOutput    int64
	maxCallStack int
	maxCodeBytes int
	globals      map[string]interface{}
}

// NewEngineBackend returns the in-process JavaScript backend. Globals
// are injected into every runtime before execution.
func NewEngineBackend(globals map[string]interface{}, maxOutput int64) *EngineBackend {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputBytes
	}
	return &EngineBackend{
		maxOutput:    maxOutput,
		maxCallStack: defaultMaxCallStack,
		maxCodeBytes: defaultMaxCodeBytes,
		globals:      globals,
	}
}

func (b *EngineBackend) Name() string { return "engine" }

func (b *EngineBackend) Available() bool { return true }

// Execute runs the code on a fresh runtime with console capture and an
// interrupt watchdog. Interrupted executions report exit code 124.
func (b *EngineBackend) Execute(ctx context.Context, req types.SandboxRequest) (types.SandboxResult, error) {
	if req.Language != types.SandboxJavaScript {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: engine backend only runs javascript, got %q", req.Language)
	}
	if len(req.Code) > b.maxCodeBytes {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: code size %d exceeds engine limit %d", len(req.Code), b.maxCodeBytes)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(b.maxCallStack)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: b.maxOutput}
	stderr := &limitedWriter{w: &stderrBuf, max: b.maxOutput}

	console := vm.NewObject()
	for name, sink := range map[string]io.Writer{
		"log": stdout, "info": stdout, "warn": stderr, "error": stderr,
	} {
		if err := console.Set(name, consolePrint(sink)); err != nil {
			return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: engine setup: %w", err)
		}
	}
	if err := vm.Set("console", console); err != nil {
		return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: engine setup: %w", err)
	}
	for name, value := range b.globals {
		if err := vm.Set(name, value); err != nil {
			return types.SandboxResult{ExitCode: -1}, fmt.Errorf("sandbox: inject global %s: %w", name, err)
		}
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	watchdog := time.AfterFunc(timeout, func() { vm.Interrupt("deadline exceeded") })
	defer watchdog.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("canceled")
		case <-done:
		}
	}()

	started := time.Now()
	_, runErr := vm.RunString(req.Code)
	duration := time.Since(started)

	result := types.SandboxResult{DurationMs: duration.Milliseconds()}

	var interrupted *goja.InterruptedError
	switch {
	case runErr == nil:
		result.ExitCode = 0
	case errors.As(runErr, &interrupted):
		result.ExitCode = timeoutExitCode
		result.TimedOut = true
	default:
		result.ExitCode = 1
		fmt.Fprintln(stderr, runErr.Error())
	}

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	return result, nil
}

// consolePrint renders console arguments space-joined with a trailing
// newline, matching node's console behavior closely enough for
// captured output.
func consolePrint(w io.Writer) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		fmt.Fprintln(w, strings.Join(parts, " "))
		return goja.Undefined()
	}
}
