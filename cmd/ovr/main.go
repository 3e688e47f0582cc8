// Package main implements ovr, the overdrive CLI.
// This file owns the root command, global flags, and shared path helpers.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"overdrive/internal/config"
	"overdrive/internal/logging"
)

var (
	// Global flags
	cfgPath      string
	logLevel     string
	workspaceDir string
	debugCats    []string

	// Loaded in PersistentPreRunE
	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "ovr",
	Short: "overdrive - autonomous TDD execution engine",
	Long: `overdrive runs coding requests autonomously: it parses the request
into requirements, plans tasks, gates each step through a scored
decision engine and a safety core, executes red-green-refactor cycles
in a sandbox, and checkpoints after every iteration so interrupted
sessions can be resumed.

Sessions, knowledge, and learned tools live under the workspace's
.overdrive/ directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		logger, err = logging.Initialize(logging.Options{
			Level:           cfg.Logging.Level,
			Dir:             cfg.Logging.Dir,
			Console:         cfg.Logging.Console,
			DebugAll:        cfg.Logging.DebugAll,
			DebugCategories: append(cfg.Logging.DebugCategories, debugCats...),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (YAML; defaults apply when unset)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&workspaceDir, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringSliceVar(&debugCats, "debug", nil, "Enable debug logging for a category (repeatable)")

	// Run flags
	runCmd.Flags().StringVar(&sessionID, "session-id", "", "Session id (generated when unset)")
	runCmd.Flags().StringVar(&projectID, "project", "default", "Project id for metrics and decision records")
	runCmd.Flags().StringVar(&autonomy, "autonomy", "", "Autonomy level: lunatic, insane, crazy, wild, bold, timid")
	runCmd.Flags().BoolVar(&unattended, "unattended", false, "Run without operator sign-off between iterations")
	runCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Cap on orchestration iterations")

	// Resume flags
	resumeCmd.Flags().StringVar(&projectID, "project", "default", "Project id for metrics and decision records")

	// Sessions / checkpoint flags
	checkpointCleanCmd.Flags().DurationVar(&cleanMaxAge, "max-age", defaultCleanAge, "Remove checkpoints older than this")
	checkpointCleanCmd.Flags().IntVar(&cleanKeep, "keep", defaultCleanKeep, "Keep at most this many checkpoints")

	// Knowledge / tools flags
	knowledgeListCmd.Flags().IntVar(&knowledgeLimit, "limit", 15, "Entries to show")
	knowledgeSearchCmd.Flags().IntVar(&knowledgeTop, "top", 5, "Results to show")

	// Subcommand trees
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsRmCmd)
	knowledgeCmd.AddCommand(knowledgeListCmd)
	knowledgeCmd.AddCommand(knowledgeSearchCmd)
	knowledgeCmd.AddCommand(knowledgeShowCmd)
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsShowCmd)
	checkpointCmd.AddCommand(checkpointListCmd)
	checkpointCmd.AddCommand(checkpointCleanCmd)

	// Add commands to root
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(knowledgeCmd)
	rootCmd.AddCommand(toolsCmd)
	rootCmd.AddCommand(checkpointCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// workspacePath resolves the workspace root to an absolute path.
func workspacePath() string {
	ws := workspaceDir
	if ws == "" {
		ws, _ = os.Getwd()
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return ws
	}
	return abs
}

// dataPath resolves the per-workspace data directory.
func dataPath(workingDir string) string {
	dir := cfg.Knowledge.DataDir
	if dir == "" {
		dir = ".overdrive"
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workingDir, dir)
	}
	return dir
}

// resolveUnder anchors a relative path to the workspace root.
func resolveUnder(workingDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workingDir, path)
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
