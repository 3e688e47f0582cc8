// Package evolution implements the five-step problem solver: web
// research, knowledge reuse, dynamic tool reuse, LLM code generation,
// and sedimentation of whatever finally worked. The first step that
// produces a working solution short-circuits the rest.
package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// ErrToolNotFound is returned when a tool id is not in the registry.
var ErrToolNotFound = errors.New("evolution: tool not found")

const (
	toolsFile          = "tools.json"
	toolsSchemaVersion = 1

	// DefaultMinSimilarity is the reuse cutoff for FindBest when the
	// caller passes no explicit threshold.
	DefaultMinSimilarity = 0.3
)

type toolsFileFormat struct {
	SchemaVersion int                 `json:"schema_version"`
	Tools         []types.DynamicTool `json:"tools"`
}

// Registry persists learned dynamic tools under the knowledge data dir
// and matches them to new problems by task-description similarity. It
// is a process-wide singleton; writes are serialized by the mutex.
type Registry struct {
	path string

	mu    sync.Mutex
	tools []types.DynamicTool

	now func() time.Time
}

// NewRegistry opens (or creates) the tool registry at
// {dataDir}/knowledge/tools.json.
func NewRegistry(dataDir string) (*Registry, error) {
	dir := filepath.Join(dataDir, "knowledge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("evolution: create registry dir: %w", err)
	}
	r := &Registry{
		path: filepath.Join(dir, toolsFile),
		now:  func() time.Time { return time.Now().UTC() },
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	logging.Evolution("tool registry ready: %d tools at %s", len(r.tools), r.path)
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("evolution: read registry: %w", err)
	}
	var ff toolsFileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		return fmt.Errorf("evolution: parse registry: %w", err)
	}
	if ff.SchemaVersion != toolsSchemaVersion {
		return fmt.Errorf("evolution: unsupported registry schema version %d", ff.SchemaVersion)
	}
	r.tools = ff.Tools
	return nil
}

// persistLocked writes the registry atomically: marshal to a temp file
// in the same directory, fsync, then rename over the live file.
func (r *Registry) persistLocked() error {
	ff := toolsFileFormat{SchemaVersion: toolsSchemaVersion, Tools: r.tools}
	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("evolution: marshal registry: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".tools-*.tmp")
	if err != nil {
		return fmt.Errorf("evolution: temp registry file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("evolution: write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("evolution: sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("evolution: close registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("evolution: replace registry: %w", err)
	}
	return nil
}

// Register adds a learned tool. A missing ID or CreatedAt is filled in.
func (r *Registry) Register(ctx context.Context, tool types.DynamicTool) (types.DynamicTool, error) {
	if strings.TrimSpace(tool.Code) == "" {
		return types.DynamicTool{}, errors.New("evolution: refusing to register empty tool")
	}
	if tool.ID == "" {
		tool.ID = uuid.NewString()
	}
	if tool.CreatedAt.IsZero() {
		tool.CreatedAt = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = append(r.tools, tool)
	if err := r.persistLocked(); err != nil {
		r.tools = r.tools[:len(r.tools)-1]
		return types.DynamicTool{}, err
	}
	logging.Evolution("learned tool %s (%s, %s)", tool.Name, tool.Language, tool.ID)
	return tool, nil
}

// Get returns a copy of the tool with the given id.
func (r *Registry) Get(id string) (*types.DynamicTool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tools {
		if r.tools[i].ID == id {
			t := r.tools[i]
			return &t, nil
		}
	}
	return nil, ErrToolNotFound
}

// All returns a copy of every registered tool, newest first.
func (r *Registry) All() []types.DynamicTool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]types.DynamicTool(nil), r.tools...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tools)
}

// FindBest returns the tool whose task description is most similar to
// the given one (token Jaccard), or nil when nothing clears
// minSimilarity. A non-empty language restricts candidates.
func (r *Registry) FindBest(description string, minSimilarity float64, language types.ToolLanguage) (*types.DynamicTool, float64) {
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	want := descTokens(description)

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *types.DynamicTool
	bestScore := 0.0
	for i := range r.tools {
		t := &r.tools[i]
		if language != "" && t.Language != language {
			continue
		}
		score := tokenJaccard(want, descTokens(t.TaskDescription))
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	if best == nil || bestScore < minSimilarity {
		return nil, 0
	}
	out := *best
	logging.EvolutionDebug("tool match %s score %.2f for %q", out.Name, bestScore, description)
	return &out, bestScore
}

// RecordUsage updates a tool's stats after an execution. It is called
// for every run regardless of outcome.
func (r *Registry) RecordUsage(ctx context.Context, id string, success bool, duration time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.tools {
		if r.tools[i].ID != id {
			continue
		}
		r.tools[i].Stats.Uses++
		if success {
			r.tools[i].Stats.Successes++
		}
		r.tools[i].Stats.TotalDuration += duration
		r.tools[i].Stats.LastUsedAt = r.now()
		return r.persistLocked()
	}
	return ErrToolNotFound
}

func descTokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.Trim(f, `.,;:!?()[]{}"'`+"`")
		if f != "" {
			out[f] = struct{}{}
		}
	}
	return out
}

func tokenJaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
