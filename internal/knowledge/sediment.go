package knowledge

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

const (
	maxTags           = 10
	titleProblemLen   = 60
	keywordsPerField  = 4
	initialConfidence = 0.7
)

// SedimentContext carries everything a solved problem leaves behind
// for distillation into a knowledge entry.
type SedimentContext struct {
	SessionID    string
	Category     types.KnowledgeCategory
	Technology   string
	Problem      string
	ErrorType    string
	ErrorDetail  string
	Solution     string
	Steps        []string
	Reflection   string
	Sources      []string
	CodeExamples []string
}

// Sediment distills a solved problem into a KnowledgeEntry and either
// inserts it or merges it into a near-identical existing entry. The
// returned bool reports whether a merge happened. Merging increments
// the target's success count and unions code examples; it never
// re-scores confidence.
func (s *Store) Sediment(ctx context.Context, sc SedimentContext) (*types.KnowledgeEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(sc.Solution) == "" {
		return nil, false, fmt.Errorf("knowledge: nothing to sediment, empty solution")
	}

	entry := s.buildEntry(sc)

	s.mu.Lock()
	defer s.mu.Unlock()

	best, score := s.findSimilarLocked(entry)
	if best != nil && score > s.mergeThreshold {
		best.SuccessCount++
		best.CodeExamples = unionExamples(best.CodeExamples, entry.CodeExamples)
		best.UpdatedAt = s.now()
		if err := s.persistLocked(); err != nil {
			return nil, false, err
		}
		logging.Knowledge("merged entry %q into %q (similarity %.2f)", entry.Title, best.Title, score)
		merged := *best
		return &merged, true, nil
	}

	s.entries = append(s.entries, entry)
	if err := s.persistLocked(); err != nil {
		return nil, false, err
	}
	logging.Knowledge("sedimented entry %q (%s, %d tags)", entry.Title, entry.Category, len(entry.Tags))
	inserted := entry
	return &inserted, false, nil
}

func (s *Store) buildEntry(sc SedimentContext) types.KnowledgeEntry {
	category := sc.Category
	if category == "" {
		if sc.ErrorType != "" {
			category = types.KnowledgeErrorSolution
		} else {
			category = types.KnowledgeLesson
		}
	}

	title := sc.ErrorType
	if title == "" {
		title = fmt.Sprintf("%s: %s", category, truncateWords(sc.Problem, titleProblemLen))
	}

	now := s.now()
	return types.KnowledgeEntry{
		ID:           uuid.NewString(),
		Category:     category,
		Title:        title,
		Content:      buildContent(sc),
		Tags:         buildTags(sc),
		Technology:   sc.Technology,
		Problem:      sc.Problem,
		Solution:     sc.Solution,
		CodeExamples: append([]string(nil), sc.CodeExamples...),
		Source: types.KnowledgeSource{
			Type:        "session",
			SessionID:   sc.SessionID,
			ExtractedAt: now,
		},
		Confidence:   initialConfidence,
		SuccessCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// buildTags collects technology, top problem keywords, the error type,
// and top solution keywords, deduplicated and capped.
func buildTags(sc SedimentContext) []string {
	var tags []string
	seen := make(map[string]struct{})
	add := func(tag string) {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			return
		}
		if _, ok := seen[tag]; ok {
			return
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}

	add(sc.Technology)
	for _, kw := range topKeywords(sc.Problem, keywordsPerField) {
		add(kw)
	}
	add(sc.ErrorType)
	for _, kw := range topKeywords(sc.Solution, keywordsPerField) {
		add(kw)
	}

	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}
	return tags
}

// buildContent assembles the entry body from whichever sections the
// context filled in.
func buildContent(sc SedimentContext) string {
	var b strings.Builder
	section := func(heading, body string) {
		if strings.TrimSpace(body) == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(heading)
		b.WriteString(":\n")
		b.WriteString(strings.TrimSpace(body))
	}

	section("Problem", sc.Problem)
	switch {
	case sc.ErrorType != "" && sc.ErrorDetail != "":
		section("Error", sc.ErrorType+": "+sc.ErrorDetail)
	case sc.ErrorType != "":
		section("Error", sc.ErrorType)
	case sc.ErrorDetail != "":
		section("Error", sc.ErrorDetail)
	}
	section("Solution", sc.Solution)
	if len(sc.Steps) > 0 {
		var steps strings.Builder
		for i, step := range sc.Steps {
			if i > 0 {
				steps.WriteString("\n")
			}
			fmt.Fprintf(&steps, "%d. %s", i+1, step)
		}
		section("Steps", steps.String())
	}
	section("Reflection", sc.Reflection)
	if len(sc.Sources) > 0 {
		section("Sources", "- "+strings.Join(sc.Sources, "\n- "))
	}
	return b.String()
}

// unionExamples appends new code examples, skipping blocks already
// present verbatim.
func unionExamples(existing, incoming []string) []string {
	out := existing
	for _, block := range incoming {
		dup := false
		for _, have := range out {
			if have == block {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, block)
		}
	}
	return out
}

var keywordRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]+`)

// stopWords are common filler never worth a tag.
var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "when": {}, "then": {}, "than": {}, "into": {}, "your": {},
	"not": {}, "are": {}, "was": {}, "were": {}, "has": {}, "have": {},
	"had": {}, "can": {}, "could": {}, "should": {}, "would": {}, "will": {},
	"you": {}, "its": {}, "it's": {}, "but": {}, "all": {}, "any": {},
	"use": {}, "used": {}, "using": {}, "via": {}, "each": {}, "also": {},
	"after": {}, "before": {}, "because": {}, "does": {}, "did": {},
}

// topKeywords ranks words by frequency, filtering stop words and short
// tokens, ties broken alphabetically for stable output.
func topKeywords(text string, n int) []string {
	counts := make(map[string]int)
	for _, word := range keywordRe.FindAllString(text, -1) {
		lower := strings.ToLower(word)
		if len(lower) < 3 {
			continue
		}
		if _, stop := stopWords[lower]; stop {
			continue
		}
		counts[lower]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

// truncateWords cuts text at a rune budget without splitting a word.
func truncateWords(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	cut := text[:limit]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}
