package sandbox

import (
	"context"
	"regexp"
	"strings"

	"overdrive/internal/types"
)

// Backend selector values for Config.Backend.
const (
	BackendAuto      = "auto"
	BackendProcess   = "process"
	BackendContainer = "container"
	BackendEngine    = "engine"
)

// autoComplexityLines is the non-empty line count above which auto
// selection stops considering the in-process engine.
const autoComplexityLines = 200

// Config wires a Runner. Zero values select auto backend choice and
// default output caps.
type Config struct {
	// Backend forces a specific backend; empty or "auto" selects per
	// request.
	Backend string
	// MaxOutputBytes caps each of stdout and stderr per execution.
	MaxOutputBytes int64
	// Images overrides the per-language container images.
	Images map[types.SandboxLanguage]string
	// Globals are injected into every engine runtime.
	Globals map[string]interface{}
	// AuditPath appends one JSON line per execution when set.
	AuditPath string
	// DefaultTimeoutMs fills in requests that carry no time budget.
	DefaultTimeoutMs int64
	// DefaultLimits fills in requests that carry no resource limits.
	DefaultLimits *types.SandboxLimits
}

// Runner validates, routes, executes, and audits sandbox requests.
type Runner struct {
	choice         string
	process        *ProcessBackend
	container      *ContainerBackend
	engine         *EngineBackend
	audit          *auditLog
	defaultTimeout int64
	defaultLimits  *types.SandboxLimits
}

// NewRunner builds all three backends up front; container availability
// is probed once here.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendAuto
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	r := &Runner{
		choice:         cfg.Backend,
		process:        NewProcessBackend(cfg.MaxOutputBytes),
		container:      NewContainerBackend(cfg.Images, cfg.MaxOutputBytes),
		engine:         NewEngineBackend(cfg.Globals, cfg.MaxOutputBytes),
		defaultTimeout: cfg.DefaultTimeoutMs,
		defaultLimits:  cfg.DefaultLimits,
	}
	if cfg.AuditPath != "" {
		audit, err := newAuditLog(cfg.AuditPath)
		if err != nil {
			return nil, err
		}
		r.audit = audit
	}
	return r, nil
}

// Close releases the audit file, if any.
func (r *Runner) Close() error {
	if r.audit != nil {
		return r.audit.Close()
	}
	return nil
}

// Execute validates the request, strips sensitive environment, routes
// it to a backend, and audits the outcome. Requests missing a time
// budget or limits inherit the runner defaults; a request with no time
// budget at all is reported as timed out without running anything.
func (r *Runner) Execute(ctx context.Context, req types.SandboxRequest) (types.SandboxResult, error) {
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = r.defaultTimeout
	}
	if req.Limits == nil {
		req.Limits = r.defaultLimits
	}
	if req.TimeoutMs <= 0 {
		result := types.SandboxResult{ExitCode: timeoutExitCode, TimedOut: true}
		r.recordAudit(req, "none", verdictTimeout, result)
		return result, nil
	}

	if err := ValidateCode(req.Language, req.Code); err != nil {
		result := types.SandboxResult{ExitCode: -1, Error: err.Error()}
		r.recordAudit(req, "none", verdictRefused, result)
		return result, err
	}

	req.Env = StripSensitiveEnv(req.Env)

	backend := r.selectBackend(req)
	result, err := backend.Execute(ctx, req)

	verdict := verdictOK
	switch {
	case err != nil:
		verdict = verdictError
	case result.TimedOut:
		verdict = verdictTimeout
	case result.ExitCode != 0:
		verdict = verdictNonzero
	}
	r.recordAudit(req, backend.Name(), verdict, result)
	return result, err
}

// selectBackend picks the execution strategy. Explicit config wins;
// auto prefers the engine for self-contained low-complexity JavaScript,
// then the container when docker responds, then the bare process.
func (r *Runner) selectBackend(req types.SandboxRequest) types.SandboxBackend {
	switch r.choice {
	case BackendProcess:
		return r.process
	case BackendContainer:
		return r.container
	case BackendEngine:
		return r.engine
	}

	if req.Language == types.SandboxJavaScript &&
		!jsNeedsHost(req.Code) && lowComplexity(req.Code) {
		return r.engine
	}
	if r.container.Available() {
		return r.container
	}
	return r.process
}

// jsHostFeatures matches JavaScript that needs module loading, the
// filesystem, or the network, none of which exist in the engine.
var jsHostFeatures = regexp.MustCompile(
	`\brequire\s*\(|^\s*import\s|\bimport\s*\(|\bfetch\s*\(|\bXMLHttpRequest\b|\bprocess\.|\bDeno\.`)

func jsNeedsHost(code string) bool {
	return jsHostFeatures.MatchString(code)
}

func lowComplexity(code string) bool {
	lines := 0
	for _, line := range strings.Split(code, "\n") {
		if strings.TrimSpace(line) != "" {
			lines++
		}
	}
	return lines <= autoComplexityLines
}
