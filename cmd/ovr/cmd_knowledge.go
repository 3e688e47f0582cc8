// Package main implements knowledge base CLI commands.
package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"overdrive/internal/knowledge"
)

var (
	knowledgeLimit int
	knowledgeTop   int
)

// knowledgeCmd views and searches accumulated knowledge
var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "View and search the knowledge base",
	Long: `View and search knowledge accumulated from solved problems.

Subcommands:
  list    - List recent knowledge entries (default)
  search  - Rank entries against a free-text query
  show    - Show one entry in full`,
	RunE: runKnowledgeList,
}

var knowledgeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent knowledge entries",
	RunE:  runKnowledgeList,
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Rank entries against a free-text query",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runKnowledgeSearch,
}

var knowledgeShowCmd = &cobra.Command{
	Use:   "show <entry-id>",
	Short: "Show one entry in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runKnowledgeShow,
}

func knowledgeStore() (*knowledge.Store, error) {
	return knowledge.NewStore(knowledge.StoreConfig{
		DataDir:        dataPath(workspacePath()),
		MergeThreshold: cfg.Knowledge.MergeThreshold,
		SearchMinScore: cfg.Knowledge.SearchMinScore,
	})
}

func runKnowledgeList(cmd *cobra.Command, args []string) error {
	ks, err := knowledgeStore()
	if err != nil {
		return err
	}
	entries := ks.All()
	if len(entries) == 0 {
		fmt.Println("No knowledge entries found.")
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})

	fmt.Println("📚 Knowledge Base")
	fmt.Println(strings.Repeat("─", 78))
	shown := len(entries)
	if knowledgeLimit > 0 && shown > knowledgeLimit {
		shown = knowledgeLimit
	}
	for i := 0; i < shown; i++ {
		e := entries[i]
		fmt.Printf("  %-14s %-10s ✓%-3d %-40s %s\n",
			truncateStr(e.ID, 14), e.Category, e.SuccessCount,
			truncateStr(e.Title, 40), e.UpdatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Println(strings.Repeat("─", 78))
	fmt.Printf("Showing %d of %d entries\n", shown, len(entries))
	return nil
}

func runKnowledgeSearch(cmd *cobra.Command, args []string) error {
	ks, err := knowledgeStore()
	if err != nil {
		return err
	}
	query := strings.Join(args, " ")
	results := ks.Search(query, knowledgeTop)
	if len(results) == 0 {
		fmt.Printf("No entries match %q.\n", query)
		return nil
	}

	fmt.Printf("📚 Knowledge matching %q\n", query)
	fmt.Println(strings.Repeat("─", 78))
	for i, r := range results {
		fmt.Printf("  %d. [%.2f] %-14s %s\n", i+1, r.Score, truncateStr(r.Entry.ID, 14), truncateStr(r.Entry.Title, 48))
		if len(r.Entry.Tags) > 0 {
			fmt.Printf("       tags: %s\n", strings.Join(r.Entry.Tags, ", "))
		}
	}
	fmt.Println(strings.Repeat("─", 78))
	fmt.Println("\nUse: ovr knowledge show <entry-id>")
	return nil
}

func runKnowledgeShow(cmd *cobra.Command, args []string) error {
	ks, err := knowledgeStore()
	if err != nil {
		return err
	}
	e, err := ks.Get(args[0])
	if err != nil {
		return fmt.Errorf("entry '%s' not found. Use 'ovr knowledge list' to see entries", args[0])
	}

	fmt.Printf("Entry %s\n", e.ID)
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("  Title:       %s\n", e.Title)
	fmt.Printf("  Category:    %s\n", e.Category)
	fmt.Printf("  Source:      %s\n", e.Source.Type)
	fmt.Printf("  Confidence:  %.2f  (reused %d times)\n", e.Confidence, e.SuccessCount)
	if e.Technology != "" {
		fmt.Printf("  Technology:  %s\n", e.Technology)
	}
	if len(e.Tags) > 0 {
		fmt.Printf("  Tags:        %s\n", strings.Join(e.Tags, ", "))
	}
	fmt.Printf("  Updated:     %s\n", e.UpdatedAt.Format("2006-01-02 15:04:05"))
	if e.Problem != "" {
		fmt.Printf("\nProblem:\n  %s\n", e.Problem)
	}
	if e.Solution != "" {
		fmt.Printf("\nSolution:\n  %s\n", e.Solution)
	}
	if e.Content != "" {
		fmt.Printf("\nContent:\n  %s\n", e.Content)
	}
	for i, code := range e.CodeExamples {
		fmt.Printf("\nCode example %d:\n%s\n", i+1, code)
	}
	return nil
}
