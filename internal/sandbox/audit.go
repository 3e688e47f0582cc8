package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// Audit verdicts.
const (
	verdictOK      = "ok"
	verdictNonzero = "nonzero"
	verdictTimeout = "timeout"
	verdictRefused = "refused"
	verdictError   = "error"
)

// AuditEvent is one line in the execution audit trail.
type AuditEvent struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Backend     string    `json:"backend"`
	Language    string    `json:"language"`
	RequestHash string    `json:"request_hash"`
	Verdict     string    `json:"verdict"`
	ExitCode    int       `json:"exit_code"`
	DurationMs  int64     `json:"duration_ms"`
}

// recordAudit logs every execution and appends to the audit file when
// one is configured.
func (r *Runner) recordAudit(req types.SandboxRequest, backend, verdict string, result types.SandboxResult) {
	event := AuditEvent{
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Backend:     backend,
		Language:    string(req.Language),
		RequestHash: hashRequest(req),
		Verdict:     verdict,
		ExitCode:    result.ExitCode,
		DurationMs:  result.DurationMs,
	}
	logging.Sandbox("exec %s backend=%s lang=%s verdict=%s exit=%d duration=%dms",
		event.RequestHash, event.Backend, event.Language, event.Verdict, event.ExitCode, event.DurationMs)
	if r.audit != nil {
		if err := r.audit.Write(event); err != nil {
			logging.SandboxDebug("audit write failed: %v", err)
		}
	}
}

// hashRequest fingerprints a request by language and code so repeated
// executions of the same snippet correlate in the audit trail.
func hashRequest(req types.SandboxRequest) string {
	sum := sha256.Sum256([]byte(string(req.Language) + "\x00" + req.Code))
	return hex.EncodeToString(sum[:])[:12]
}

// auditLog appends events to a JSON-lines file.
type auditLog struct {
	mu   sync.Mutex
	file *os.File
}

func newAuditLog(path string) (*auditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create audit dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sandbox: open audit log: %w", err)
	}
	return &auditLog{file: file}, nil
}

func (l *auditLog) Write(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return fmt.Errorf("sandbox: audit log closed")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = l.file.Write(append(data, '\n'))
	return err
}

func (l *auditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
