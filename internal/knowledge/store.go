// Package knowledge is the persistent store of sedimented experience:
// every solved problem can leave behind a KnowledgeEntry that later
// sessions retrieve before re-deriving a solution from scratch. Entries
// live in a single JSON file under the data directory; writes are
// atomic and serialized, reads are served from memory.
package knowledge

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

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// ErrNotFound marks a missing entry id.
var ErrNotFound = errors.New("knowledge: entry not found")

const (
	entriesFile = "entries.json"

	// DefaultMergeThreshold is the FindSimilar score above which a new
	// entry folds into an existing one instead of being inserted.
	DefaultMergeThreshold = 0.9

	// DefaultSearchMinScore filters noise out of search results.
	DefaultSearchMinScore = 0.2

	// successBonusCap limits how much a proven entry can outrank a
	// textually better match.
	successBonusCap = 0.2
)

// StoreConfig wires a Store. Zero thresholds fall back to the defaults.
type StoreConfig struct {
	DataDir        string
	MergeThreshold float64
	SearchMinScore float64
}

// fileFormat is the on-disk envelope.
type fileFormat struct {
	SchemaVersion int                    `json:"schema_version"`
	Entries       []types.KnowledgeEntry `json:"entries"`
}

// Store holds every knowledge entry in memory and mirrors mutations to
// {dataDir}/knowledge/entries.json. One Store serves the whole process.
type Store struct {
	path           string
	mergeThreshold float64
	searchMinScore float64

	mu      sync.Mutex
	entries []types.KnowledgeEntry

	now func() time.Time
}

// NewStore creates the knowledge directory if needed and loads any
// existing entries.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.MergeThreshold <= 0 {
		cfg.MergeThreshold = DefaultMergeThreshold
	}
	if cfg.SearchMinScore <= 0 {
		cfg.SearchMinScore = DefaultSearchMinScore
	}
	dir := filepath.Join(cfg.DataDir, "knowledge")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("knowledge: create dir: %w", err)
	}
	s := &Store{
		path:           filepath.Join(dir, entriesFile),
		mergeThreshold: cfg.MergeThreshold,
		searchMinScore: cfg.SearchMinScore,
		now:            func() time.Time { return time.Now().UTC() },
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("knowledge: decode %s: %w", s.path, err)
	}
	if file.SchemaVersion != types.SchemaVersion {
		return fmt.Errorf("knowledge: unsupported schema version %d", file.SchemaVersion)
	}
	s.entries = file.Entries
	logging.Knowledge("loaded %d knowledge entries", len(s.entries))
	return nil
}

// persistLocked writes the whole entry set atomically: tmp file, fsync,
// rename.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(fileFormat{
		SchemaVersion: types.SchemaVersion,
		Entries:       s.entries,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("knowledge: encode entries: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".entries-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Add inserts an entry verbatim and persists. Sediment is the usual
// entry point; Add exists for imports and tests.
func (s *Store) Add(ctx context.Context, entry types.KnowledgeEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return s.persistLocked()
}

// Get returns the entry with the given id.
func (s *Store) Get(id string) (*types.KnowledgeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			entry := s.entries[i]
			return &entry, nil
		}
	}
	return nil, ErrNotFound
}

// All returns a copy of every entry, insertion order.
func (s *Store) All() []types.KnowledgeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.KnowledgeEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Count reports how many entries are stored.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// IncrementSuccess bumps an entry's success count after it solved
// another problem.
func (s *Store) IncrementSuccess(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].ID == id {
			s.entries[i].SuccessCount++
			s.entries[i].UpdatedAt = s.now()
			return s.persistLocked()
		}
	}
	return ErrNotFound
}

// ScoredEntry pairs a search hit with its relevance.
type ScoredEntry struct {
	Entry types.KnowledgeEntry `json:"entry"`
	Score float64              `json:"score"`
}

// Search ranks entries against a free-text query: half the score from
// tag matching, half from content matching, plus a capped bonus for
// entries that keep succeeding. Results under the minimum score are
// dropped.
func (s *Store) Search(query string, k int) []ScoredEntry {
	queryTokens := tokens(query)
	if len(queryTokens) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []ScoredEntry
	for _, entry := range s.entries {
		tagScore := containment(queryTokens, tagSet(entry.Tags))
		contentScore := containment(queryTokens, tokens(entry.Title+" "+entry.Content))
		bonus := float64(entry.SuccessCount) / 10
		if bonus > successBonusCap {
			bonus = successBonusCap
		}
		score := 0.5*tagScore + 0.5*contentScore + bonus
		if score > s.searchMinScore {
			hits = append(hits, ScoredEntry{Entry: entry, Score: score})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	logging.KnowledgeDebug("search %q: %d hits", query, len(hits))
	return hits
}

// FindSimilar returns the closest existing entry by weighted Jaccard:
// tag overlap counts 0.6, title-word overlap 0.4.
func (s *Store) FindSimilar(entry types.KnowledgeEntry) (*types.KnowledgeEntry, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findSimilarLocked(entry)
}

func (s *Store) findSimilarLocked(entry types.KnowledgeEntry) (*types.KnowledgeEntry, float64) {
	var (
		best      *types.KnowledgeEntry
		bestScore float64
	)
	newTags := tagSet(entry.Tags)
	newTitle := tokens(entry.Title)
	for i := range s.entries {
		candidate := &s.entries[i]
		score := 0.6*jaccard(newTags, tagSet(candidate.Tags)) +
			0.4*jaccard(newTitle, tokens(candidate.Title))
		if score > bestScore {
			best = candidate
			bestScore = score
		}
	}
	return best, bestScore
}

// ===== Token helpers =====

func tokens(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'`")
		if tok == "" {
			continue
		}
		set[tok] = struct{}{}
	}
	return set
}

func tagSet(tags []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		set[strings.ToLower(t)] = struct{}{}
	}
	return set
}

// containment is the fraction of query tokens present in the target.
func containment(query, target map[string]struct{}) float64 {
	if len(query) == 0 {
		return 0
	}
	hit := 0
	for tok := range query {
		if _, ok := target[tok]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(query))
}

// jaccard is intersection over union of two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
