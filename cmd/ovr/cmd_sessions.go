// Package main implements session management CLI commands.
package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"overdrive/internal/checkpoint"
)

// sessionsCmd manages recoverable sessions
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and inspect recoverable sessions",
	Long: `List and inspect sessions that can still be resumed.

Subcommands:
  list   - List recoverable sessions (default)
  show   - Show one session's checkpoint in detail
  rm     - Remove a session's checkpoint`,
	RunE: runSessionsList,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recoverable sessions",
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's checkpoint in detail",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "Remove a session's checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsRemove,
}

func sessionStore() (*checkpoint.SessionStore, error) {
	return checkpoint.NewSessionStore(dataPath(workspacePath()))
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	sessions, err := sessionStore()
	if err != nil {
		return err
	}
	list, err := sessions.ListRecoverable()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No recoverable sessions found.")
		return nil
	}

	fmt.Println("📁 Recoverable Sessions")
	fmt.Println(strings.Repeat("─", 78))
	fmt.Printf("  %-24s %-10s %4s  %-8s %s\n", "SESSION", "STATE", "ITER", "AGE", "REQUEST")
	now := time.Now()
	for _, cp := range list {
		fmt.Printf("  %-24s %-10s %4d  %-8s %s\n",
			cp.SessionID, cp.State, cp.Iteration,
			formatAge(now.Sub(cp.Timestamp)), truncateStr(cp.Request, 34))
	}
	fmt.Println(strings.Repeat("─", 78))
	fmt.Printf("Total: %d session(s)\n", len(list))
	fmt.Println("\nUse: ovr resume <session-id>")
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	sessions, err := sessionStore()
	if err != nil {
		return err
	}
	cp, err := sessions.Load(args[0])
	if errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("session '%s' not found. Use 'ovr sessions list' to see available sessions", args[0])
	}
	if err != nil {
		return err
	}

	fmt.Printf("Session %s\n", cp.SessionID)
	fmt.Println(strings.Repeat("─", 60))
	fmt.Printf("  State:        %s\n", cp.State)
	fmt.Printf("  Iteration:    %d\n", cp.Iteration)
	fmt.Printf("  Saved:        %s (%s ago)\n",
		cp.Timestamp.Format("2006-01-02 15:04:05"), formatAge(time.Since(cp.Timestamp)))
	fmt.Printf("  Working dir:  %s\n", cp.WorkingDir)
	fmt.Printf("  Recoverable:  %t\n", cp.Recoverable(time.Now()))
	if cp.Meta.InterruptReason != "" {
		fmt.Printf("  Interrupted:  %s\n", cp.Meta.InterruptReason)
	}
	fmt.Printf("  Request:      %s\n", truncateStr(cp.Request, 200))
	u := cp.Usage
	fmt.Printf("  Usage:        tokens %d · cost $%.4f · %.1f min · %d files · %d actions\n",
		u.TokensUsed, u.Cost, u.ElapsedMinutes, u.FilesChanged, u.ActionsPerformed)

	if len(cp.CompletedRequirements) > 0 {
		fmt.Printf("  Completed (%d):\n", len(cp.CompletedRequirements))
		for _, r := range cp.CompletedRequirements {
			fmt.Printf("    ✅ %s\n", truncateStr(r, 70))
		}
	}
	if len(cp.PendingTasks) > 0 {
		fmt.Printf("  Pending tasks (%d):\n", len(cp.PendingTasks))
		for _, t := range cp.PendingTasks {
			fmt.Printf("    • [%s] %s\n", t.Status, truncateStr(t.Subject, 64))
		}
	}
	if len(cp.RecentErrors) > 0 {
		fmt.Printf("  Recent errors (%d):\n", len(cp.RecentErrors))
		for _, e := range cp.RecentErrors {
			fmt.Printf("    ⚠️  %s\n", truncateStr(e, 70))
		}
	}
	return nil
}

func runSessionsRemove(cmd *cobra.Command, args []string) error {
	sessions, err := sessionStore()
	if err != nil {
		return err
	}
	if _, err := sessions.Load(args[0]); errors.Is(err, checkpoint.ErrNotFound) {
		return fmt.Errorf("session '%s' not found", args[0])
	}
	if err := sessions.Remove(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed checkpoint for session '%s'.\n", args[0])
	return nil
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}
