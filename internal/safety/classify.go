package safety

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"overdrive/internal/types"
)

// Category buckets a destructive operation for the gate policy.
type Category string

const (
	CategoryFileDeletion     Category = "file_deletion"
	CategoryFileOverwrite    Category = "file_overwrite"
	CategoryDependencyChange Category = "dependency_change"
	CategoryDatabaseChange   Category = "database_change"
	CategoryConfigChange     Category = "config_change"
)

// Classification is the gate's reading of one operation. Destructive
// false means the gate does not apply and the op passes untouched.
type Classification struct {
	Destructive bool            `json:"destructive"`
	Category    Category        `json:"category,omitempty"`
	Risk        types.RiskLevel `json:"risk"`
	Reversible  bool            `json:"reversible"`
	Files       []string        `json:"files,omitempty"`
}

var (
	// Shell command shapes, matched against lowercased input.
	criticalCmdRe = regexp.MustCompile(`\brm\s+(?:-[a-z]+\s+)*-?[a-z]*r[a-z]*\s+/\s*$|\brm\s+(?:-[a-z]+\s+)*-?[a-z]*r[a-z]*\s+/(?:\s|$)|\bmkfs\b|\bdd\s+if=|:\(\)\s*\{\s*:\|:&\s*\}\s*;\s*:|\bshutdown\b|\breboot\b`)
	deleteCmdRe   = regexp.MustCompile(`(?:^|[;&|]\s*)(?:sudo\s+)?(?:rm|rmdir|unlink)\b`)
	gitForceRe    = regexp.MustCompile(`\bgit\s+push\b[^;|&]*(?:--force\b|\s-f\b)|\bgit\s+reset\s+--hard\b|\bgit\s+clean\b[^;|&]*-[a-z]*f`)
	sqlDropRe     = regexp.MustCompile(`\bdrop\s+(?:table|database|schema|index)\b|\btruncate\b|\bdelete\s+from\b`)
	dependencyRe  = regexp.MustCompile(`\bpip3?\s+(?:install|uninstall)\b|\bnpm\s+(?:install|uninstall|i)\b|\byarn\s+(?:add|remove)\b|\bgo\s+get\b|\bcargo\s+(?:add|remove)\b|\bapt(?:-get)?\s+(?:install|remove)\b|\bbrew\s+(?:install|uninstall)\b`)
	overwriteRe   = regexp.MustCompile(`>{1,2}\s*[\w./~-]|\btee\b|\bmv\s|\bcp\s`)
	permsRe       = regexp.MustCompile(`\bchmod\s+777\b|\bchown\s+-r\b|\bsudo\b`)
	buildCmdRe    = regexp.MustCompile(`^\s*(?:go\s+(?:build|test|vet|run)|make|npm\s+(?:test|run)|pytest|cargo\s+(?:build|test)|python3?\s|node\s)`)

	// pathTokenRe picks path-looking tokens out of free-form input:
	// relative paths, absolute paths, bare filenames with extensions,
	// and dotfiles.
	pathTokenRe = regexp.MustCompile(`(?:[A-Za-z0-9_.\-]+/)+[A-Za-z0-9_.\-]+|/[A-Za-z0-9_./\-]+|\b[A-Za-z0-9_\-]+\.[A-Za-z]{1,5}\b|\.[A-Za-z0-9_\-]+`)
)

var shellTools = map[string]bool{
	"shell":       true,
	"bash":        true,
	"sh":          true,
	"run_command": true,
	"exec":        true,
	"terminal":    true,
}

var deleteTools = map[string]bool{
	"delete_file": true,
	"remove_file": true,
	"rm":          true,
	"delete":      true,
}

var writeTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"create_file": true,
	"apply_patch": true,
	"write":       true,
	"edit":        true,
}

var readOnlyTools = map[string]bool{
	"read_file":   true,
	"read":        true,
	"list_files":  true,
	"ls":          true,
	"search":      true,
	"grep":        true,
	"glob":        true,
	"git_status":  true,
	"git_diff":    true,
	"git_log":     true,
	"web_search":  true,
	"get_context": true,
}

var dependencyManifests = map[string]bool{
	"go.mod":            true,
	"go.sum":            true,
	"package.json":      true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"requirements.txt":  true,
	"pyproject.toml":    true,
	"cargo.toml":        true,
	"cargo.lock":        true,
	"gemfile":           true,
	"pom.xml":           true,
	"build.gradle":      true,
}

// ClassifyOperation decides whether the gate applies and, when it does,
// assigns category, risk, and reversibility.
func ClassifyOperation(op *types.Operation) Classification {
	tool := strings.ToLower(strings.TrimSpace(op.Tool))
	low := strings.ToLower(op.Input)
	files := extractPaths(op.Input)

	switch {
	case shellTools[tool]:
		return classifyShell(low, files)
	case deleteTools[tool]:
		return Classification{
			Destructive: true,
			Category:    CategoryFileDeletion,
			Risk:        types.RiskHigh,
			Reversible:  false,
			Files:       files,
		}
	case writeTools[tool]:
		return classifyWrite(files)
	}
	return Classification{Risk: types.RiskSafe, Reversible: true}
}

func classifyShell(low string, files []string) Classification {
	switch {
	case criticalCmdRe.MatchString(low):
		return Classification{Destructive: true, Category: CategoryFileDeletion, Risk: types.RiskCritical, Files: files}
	case deleteCmdRe.MatchString(low), gitForceRe.MatchString(low):
		return Classification{Destructive: true, Category: CategoryFileDeletion, Risk: types.RiskHigh, Files: files}
	case sqlDropRe.MatchString(low):
		return Classification{Destructive: true, Category: CategoryDatabaseChange, Risk: types.RiskHigh, Files: files}
	case permsRe.MatchString(low):
		return Classification{Destructive: true, Category: CategoryConfigChange, Risk: types.RiskHigh, Files: files}
	case dependencyRe.MatchString(low):
		return Classification{Destructive: true, Category: CategoryDependencyChange, Risk: types.RiskMedium, Reversible: true, Files: files}
	case overwriteRe.MatchString(low):
		return Classification{Destructive: true, Category: CategoryFileOverwrite, Risk: types.RiskMedium, Reversible: true, Files: files}
	}
	return Classification{Risk: types.RiskLow, Reversible: true, Files: files}
}

func classifyWrite(files []string) Classification {
	category := CategoryFileOverwrite
	for _, f := range files {
		base := strings.ToLower(filepath.Base(f))
		if dependencyManifests[base] {
			category = CategoryDependencyChange
			break
		}
		if isConfigPath(base) {
			category = CategoryConfigChange
			break
		}
	}
	return Classification{
		Destructive: true,
		Category:    category,
		Risk:        types.RiskMedium,
		Reversible:  true,
		Files:       files,
	}
}

func isConfigPath(base string) bool {
	if strings.HasPrefix(base, ".env") {
		return true
	}
	switch filepath.Ext(base) {
	case ".yaml", ".yml", ".toml", ".ini", ".conf":
		return true
	}
	return strings.Contains(base, "config")
}

// extractPaths returns up to eight distinct path-like tokens from an
// input string, sorted for stable signatures.
func extractPaths(input string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range pathTokenRe.FindAllString(input, -1) {
		tok = strings.TrimRight(tok, ".,;:")
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
		if len(out) == 8 {
			break
		}
	}
	sort.Strings(out)
	return out
}

// ClassifyRisk grades a tool call on the safe<low<medium<high<critical
// ladder used by auto-approval.
func ClassifyRisk(tool, input string) types.RiskLevel {
	t := strings.ToLower(strings.TrimSpace(tool))
	low := strings.ToLower(input)

	if readOnlyTools[t] {
		return types.RiskSafe
	}
	if deleteTools[t] {
		return types.RiskHigh
	}
	if writeTools[t] {
		return types.RiskMedium
	}
	if shellTools[t] {
		switch {
		case criticalCmdRe.MatchString(low):
			return types.RiskCritical
		case deleteCmdRe.MatchString(low), gitForceRe.MatchString(low), sqlDropRe.MatchString(low), permsRe.MatchString(low):
			return types.RiskHigh
		case dependencyRe.MatchString(low), overwriteRe.MatchString(low):
			return types.RiskMedium
		case buildCmdRe.MatchString(low):
			return types.RiskLow
		}
		return types.RiskLow
	}
	return types.RiskLow
}

// ShouldAutoApprove reports whether a tool call may proceed without a
// human. Critical never auto-approves regardless of threshold.
func ShouldAutoApprove(tool, input string, threshold types.RiskLevel) bool {
	risk := ClassifyRisk(tool, input)
	if risk == types.RiskCritical {
		return false
	}
	return risk.Rank() <= threshold.Rank()
}
