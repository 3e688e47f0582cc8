// Package main implements checkpoint maintenance CLI commands.
package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultCleanAge  = 7 * 24 * time.Hour
	defaultCleanKeep = 20
)

var (
	cleanMaxAge time.Duration
	cleanKeep   int
)

// checkpointCmd maintains the session checkpoint directory
var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "List and clean up session checkpoints",
	Long: `Maintain the session checkpoint directory. Unlike 'ovr sessions',
the list here includes finished and expired checkpoints.

Subcommands:
  list   - List every checkpoint on disk (default)
  clean  - Remove old checkpoints`,
	RunE: runCheckpointList,
}

var checkpointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every checkpoint on disk",
	RunE:  runCheckpointList,
}

var checkpointCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old checkpoints",
	RunE:  runCheckpointClean,
}

func runCheckpointList(cmd *cobra.Command, args []string) error {
	sessions, err := sessionStore()
	if err != nil {
		return err
	}
	list, err := sessions.List()
	if err != nil {
		return fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No checkpoints found.")
		return nil
	}

	fmt.Println("📁 Session Checkpoints")
	fmt.Println(strings.Repeat("─", 78))
	fmt.Printf("  %-24s %-10s %4s  %-8s %s\n", "SESSION", "STATE", "ITER", "AGE", "RESUMABLE")
	now := time.Now()
	recoverable := 0
	for _, cp := range list {
		mark := "-"
		if cp.Recoverable(now) {
			mark = "yes"
			recoverable++
		}
		fmt.Printf("  %-24s %-10s %4d  %-8s %s\n",
			cp.SessionID, cp.State, cp.Iteration, formatAge(now.Sub(cp.Timestamp)), mark)
	}
	fmt.Println(strings.Repeat("─", 78))
	fmt.Printf("Total: %d checkpoint(s), %d resumable\n", len(list), recoverable)
	return nil
}

func runCheckpointClean(cmd *cobra.Command, args []string) error {
	sessions, err := sessionStore()
	if err != nil {
		return err
	}
	removed, err := sessions.Cleanup(cleanMaxAge, cleanKeep)
	if err != nil {
		return err
	}
	if removed == 0 {
		fmt.Println("Nothing to clean.")
		return nil
	}
	fmt.Printf("Removed %d checkpoint(s).\n", removed)
	return nil
}
