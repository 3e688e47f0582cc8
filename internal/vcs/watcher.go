package vcs

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"overdrive/internal/logging"
)

// ignoredDirs are never watched or reported. They churn constantly and
// carry nothing a checkpoint needs to restore.
var ignoredDirs = map[string]bool{
	".git":         true,
	".overdrive":   true,
	".idea":        true,
	".vscode":      true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
}

// Watcher accumulates the set of files modified under a workspace. The
// checkpoint store drains it when it snapshots, covering projects where
// git status is unavailable and augmenting it where it is.
type Watcher struct {
	mu       sync.Mutex
	fsw      *fsnotify.Watcher
	root     string
	modified map[string]struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher rooted at the workspace directory. Call
// Start to begin accumulating.
func NewWatcher(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		root:     root,
		modified: make(map[string]struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start walks the workspace adding every directory to the watch set and
// begins the event loop. Non-blocking; safe to call once.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.watchTree(w.root); err != nil {
		return err
	}
	logging.VCSDebug("watching workspace %s (%d dirs)", w.root, len(w.fsw.WatchList()))

	go w.run(ctx)
	return nil
}

// Stop halts the event loop and releases the underlying watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	if err := w.fsw.Close(); err != nil {
		logging.Get(logging.CategoryVCS).Warnf("close watcher: %v", err)
	}
}

// Drain returns the accumulated workspace-relative paths sorted, and
// clears the set for the next checkpoint window.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.modified) == 0 {
		return nil
	}
	paths := make([]string, 0, len(w.modified))
	for p := range w.modified {
		paths = append(paths, p)
	}
	w.modified = make(map[string]struct{})
	sort.Strings(paths)
	return paths
}

// Pending reports how many modified paths are currently accumulated.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.modified)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryVCS).Warnf("watcher error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || ignoredPath(rel) {
		return
	}

	// fsnotify watches are not recursive; pick up new directories.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				logging.VCSDebug("watch new dir %s: %v", rel, err)
			}
			return
		}
	}

	w.mu.Lock()
	w.modified[filepath.ToSlash(rel)] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			logging.VCSDebug("watch %s: %v", path, err)
		}
		return nil
	})
}

// ignoredPath reports whether any component of the relative path is an
// ignored directory.
func ignoredPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}
