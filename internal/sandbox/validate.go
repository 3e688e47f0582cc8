// Package sandbox runs untrusted generated code under one of three
// isolation backends: a plain subprocess, a locked-down container, or
// an in-process JavaScript engine. Every request passes a per-language
// dangerous-pattern validator before any backend sees it, and every
// execution is audited.
package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"overdrive/internal/types"
)

// ValidationError reports code refused before execution.
type ValidationError struct {
	Language types.SandboxLanguage
	Pattern  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("sandbox: dangerous %s pattern blocked: %s", e.Language, e.Pattern)
}

// blockedPattern pairs a compiled regex with a human-readable name for
// refusal messages and audit lines.
type blockedPattern struct {
	re   *regexp.Regexp
	name string
}

var pythonBlocked = []blockedPattern{
	{regexp.MustCompile(`(?m)^\s*(?:import|from)\s+subprocess\b`), "subprocess import"},
	{regexp.MustCompile(`\bos\.(?:system|popen|exec[lv]p?e?|spawn[lv]p?e?)\s*\(`), "os process spawn"},
	{regexp.MustCompile(`\bos\.(?:remove|unlink|rmdir)\s*\(`), "os file removal"},
	{regexp.MustCompile(`\bshutil\.rmtree\s*\(`), "shutil.rmtree"},
	{regexp.MustCompile(`\beval\s*\(`), "eval"},
	{regexp.MustCompile(`\bexec\s*\(`), "exec"},
	{regexp.MustCompile(`\b__import__\s*\(`), "__import__"},
	{regexp.MustCompile(`(?m)^\s*(?:import|from)\s+socket\b`), "socket import"},
	{regexp.MustCompile(`(?m)^\s*(?:import|from)\s+ctypes\b`), "ctypes import"},
}

var javascriptBlocked = []blockedPattern{
	{regexp.MustCompile(`\brequire\s*\(\s*['"]child_process['"]`), "child_process require"},
	{regexp.MustCompile(`\brequire\s*\(\s*['"]fs['"]`), "fs require"},
	{regexp.MustCompile(`\brequire\s*\(\s*['"]net['"]`), "net require"},
	{regexp.MustCompile(`\bfrom\s+['"](?:child_process|fs|net)['"]`), "node builtin import"},
	{regexp.MustCompile(`\beval\s*\(`), "eval"},
	{regexp.MustCompile(`\bnew\s+Function\s*\(`), "Function constructor"},
	{regexp.MustCompile(`\bprocess\.(?:exit|kill)\s*\(`), "process control"},
}

var shellBlocked = []blockedPattern{
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*(/|~|\$HOME)(\s|$|;)`), "recursive root removal"},
	{regexp.MustCompile(`\bdd\s+if=`), "raw disk write"},
	{regexp.MustCompile(`\bmkfs(\.\w+)?\b`), "filesystem format"},
	{regexp.MustCompile(`(?:curl|wget)[^|;]*\|\s*(?:sudo\s+)?(?:ba|z|da)?sh\b`), "remote script pipe"},
	{regexp.MustCompile("\\$\\(|`"), "command substitution"},
	{regexp.MustCompile(`:\s*\(\s*\)\s*\{.*\}\s*;\s*:`), "fork bomb"},
	{regexp.MustCompile(`\b(?:shutdown|reboot|halt|poweroff)\b`), "system power control"},
	{regexp.MustCompile(`>\s*/dev/sd[a-z]`), "device overwrite"},
}

// ValidateCode refuses code matching a known-dangerous idiom for its
// language. Unknown languages are refused outright.
func ValidateCode(language types.SandboxLanguage, code string) error {
	var patterns []blockedPattern
	switch language {
	case types.SandboxPython:
		patterns = pythonBlocked
	case types.SandboxJavaScript:
		patterns = javascriptBlocked
	case types.SandboxShell:
		patterns = shellBlocked
	default:
		return fmt.Errorf("sandbox: unsupported language %q", language)
	}
	for _, p := range patterns {
		if p.re.MatchString(code) {
			return &ValidationError{Language: language, Pattern: p.name}
		}
	}
	return nil
}

// sensitiveEnvMarkers flag variables that must never reach sandboxed
// code.
var sensitiveEnvMarkers = []string{"KEY", "TOKEN", "SECRET", "PASSWORD", "CREDENTIAL"}

// StripSensitiveEnv drops environment variables whose names look like
// credentials.
func StripSensitiveEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if sensitiveEnvName(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func sensitiveEnvName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range sensitiveEnvMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}
