// Package logging provides category-scoped loggers for every subsystem.
// Each category gets a named zap logger; debug output is gated per
// category so a single noisy subsystem can be inspected without drowning
// the rest.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one logging subsystem.
type Category string

const (
	CategoryOrchestrator Category = "orchestrator"
	CategoryFSM          Category = "fsm"
	CategoryQueue        Category = "queue"
	CategoryDecision     Category = "decision"
	CategoryRequirements Category = "requirements"
	CategorySafety       Category = "safety"
	CategoryCheckpoint   Category = "checkpoint"
	CategoryRollback     Category = "rollback"
	CategoryExecutor     Category = "executor"
	CategorySandbox      Category = "sandbox"
	CategoryEvolution    Category = "evolution"
	CategoryKnowledge    Category = "knowledge"
	CategoryMetrics      Category = "metrics"
	CategoryPlanner      Category = "planner"
	CategoryAgent        Category = "agent"
	CategoryStore        Category = "store"
	CategoryVCS          Category = "vcs"
	CategoryResearch     Category = "research"
	CategoryBus          Category = "bus"
	CategoryConfig       Category = "config"
)

// Options configures Initialize.
type Options struct {
	// Level is the minimum level for all categories: debug, info, warn, error.
	Level string
	// Dir, when set, adds a JSON file sink at Dir/overdrive.log.
	Dir string
	// Console enables the stderr console sink. Defaults to true when unset
	// through DefaultOptions.
	Console bool
	// DebugAll enables debug helpers for every category.
	DebugAll bool
	// DebugCategories enables debug helpers for the listed categories only.
	DebugCategories []string
}

// DefaultOptions returns console-only info logging.
func DefaultOptions() Options {
	return Options{Level: "info", Console: true}
}

var (
	mu        sync.RWMutex
	root      = zap.NewNop()
	sugared   = map[Category]*zap.SugaredLogger{}
	debugAll  bool
	debugCats = map[Category]bool{}
)

// Initialize builds the process-wide root logger. Safe to call more than
// once; the last call wins. Call Sync on shutdown via the returned logger
// if the file sink matters.
func Initialize(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			return nil, fmt.Errorf("logging: bad level %q: %w", opts.Level, err)
		}
	}
	if opts.DebugAll || len(opts.DebugCategories) > 0 {
		// Debug helpers are useless if the core filters them out.
		if level > zapcore.DebugLevel {
			level = zapcore.DebugLevel
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	if opts.Console {
		consoleEnc := zapcore.NewConsoleEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level))
	}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("logging: create dir: %w", err)
		}
		path := filepath.Join(opts.Dir, "overdrive.log")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		fileEnc := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.Lock(f), level))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewNopCore())
	}

	logger := zap.New(zapcore.NewTee(cores...))

	mu.Lock()
	defer mu.Unlock()
	root = logger
	sugared = map[Category]*zap.SugaredLogger{}
	debugAll = opts.DebugAll
	debugCats = map[Category]bool{}
	for _, c := range opts.DebugCategories {
		debugCats[Category(c)] = true
	}
	return logger, nil
}

// Get returns the sugared logger for a category. Before Initialize it is
// a no-op logger, which keeps tests quiet.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if s, ok := sugared[cat]; ok {
		mu.RUnlock()
		return s
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if s, ok := sugared[cat]; ok {
		return s
	}
	s := root.Named(string(cat)).Sugar()
	sugared[cat] = s
	return s
}

func debugEnabled(cat Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return debugAll || debugCats[cat]
}

// StartTimer logs the elapsed time of an operation at debug level when the
// returned func runs. Usage: defer StartTimer(CategoryStore, "write")().
func StartTimer(cat Category, operation string) func() {
	start := time.Now()
	return func() {
		if debugEnabled(cat) {
			Get(cat).Debugf("%s took %v", operation, time.Since(start))
		}
	}
}
