// Package main implements CLI commands for learned dynamic tools.
package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"overdrive/internal/evolution"
)

// toolsCmd lists tools learned by the evolution loop
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List tools learned from solved problems",
	Long: `List dynamic tools the evolution loop generated and kept after they
solved a problem. Tools are reused on similar problems before any new
generation happens.

Subcommands:
  list  - List learned tools (default)
  show  - Show one tool's code`,
	RunE: runToolsList,
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learned tools",
	RunE:  runToolsList,
}

var toolsShowCmd = &cobra.Command{
	Use:   "show <tool-id>",
	Short: "Show one tool's code",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsShow,
}

func toolRegistry() (*evolution.Registry, error) {
	return evolution.NewRegistry(dataPath(workspacePath()))
}

func runToolsList(cmd *cobra.Command, args []string) error {
	registry, err := toolRegistry()
	if err != nil {
		return err
	}
	tools := registry.All()
	if len(tools) == 0 {
		fmt.Println("No learned tools yet.")
		return nil
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Stats.LastUsedAt.After(tools[j].Stats.LastUsedAt)
	})

	fmt.Println("🔧 Learned Tools")
	fmt.Println(strings.Repeat("─", 78))
	fmt.Printf("  %-14s %-10s %-9s %s\n", "TOOL", "LANGUAGE", "USES", "TASK")
	for _, t := range tools {
		uses := fmt.Sprintf("%d/%d", t.Stats.Successes, t.Stats.Uses)
		fmt.Printf("  %-14s %-10s %-9s %s\n",
			truncateStr(t.ID, 14), t.Language, uses, truncateStr(t.TaskDescription, 40))
	}
	fmt.Println(strings.Repeat("─", 78))
	fmt.Printf("Total: %d tool(s)\n", len(tools))
	return nil
}

func runToolsShow(cmd *cobra.Command, args []string) error {
	registry, err := toolRegistry()
	if err != nil {
		return err
	}
	t, err := registry.Get(args[0])
	if err != nil {
		return fmt.Errorf("tool '%s' not found. Use 'ovr tools list' to see tools", args[0])
	}

	fmt.Printf("Tool %s (%s)\n", t.ID, t.Name)
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("  Language:  %s\n", t.Language)
	fmt.Printf("  Task:      %s\n", t.TaskDescription)
	fmt.Printf("  Stats:     %d use(s), %d success(es)\n", t.Stats.Uses, t.Stats.Successes)
	if !t.Stats.LastUsedAt.IsZero() {
		fmt.Printf("  Last used: %s\n", t.Stats.LastUsedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Printf("\n%s\n", t.Code)
	return nil
}
