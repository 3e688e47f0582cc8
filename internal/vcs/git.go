// Package vcs bridges sessions to the project's git repository. The
// checkpoint store pins checkpoints to commits through it, and the
// rollback manager restores the working tree with it. A workspace
// watcher covers projects that are not repositories.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// Git drives the git CLI against a working directory.
type Git struct {
	dir string
}

var _ types.VCSDriver = (*Git)(nil)

// NewGit returns a driver rooted at dir. The directory does not need to
// be a repository; Available reports whether it is.
func NewGit(dir string) *Git {
	return &Git{dir: dir}
}

// Available reports whether dir is inside a git work tree.
func (g *Git) Available(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = g.dir
	return cmd.Run() == nil
}

// Status returns the paths modified relative to HEAD, including
// untracked files, parsed from porcelain output.
func (g *Git) Status(ctx context.Context) ([]string, error) {
	out, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(out), nil
}

// CreateCommit commits current changes and returns the new HEAD hash.
func (g *Git) CreateCommit(ctx context.Context, message string, opts types.CommitOptions) (string, error) {
	if opts.AddAll {
		if _, err := g.run(ctx, "add", "-A"); err != nil {
			return "", err
		}
	}
	args := []string{"commit", "-m", message}
	if opts.AllowEmpty {
		args = append(args, "--allow-empty")
	}
	if _, err := g.run(ctx, args...); err != nil {
		return "", err
	}
	hash, err := g.CurrentCommit(ctx)
	if err != nil {
		return "", err
	}
	logging.VCS("created commit %s", shortHash(hash))
	return hash, nil
}

// ResetToCommit moves the working tree back to the given commit.
func (g *Git) ResetToCommit(ctx context.Context, hash string, hard bool) error {
	args := []string{"reset"}
	if hard {
		args = append(args, "--hard")
	}
	args = append(args, hash)
	if _, err := g.run(ctx, args...); err != nil {
		return err
	}
	logging.VCS("reset to %s (hard=%v)", shortHash(hash), hard)
	return nil
}

// CurrentCommit returns the hash of HEAD.
func (g *Git) CurrentCommit(ctx context.Context) (string, error) {
	out, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsClean reports whether the working tree has no pending changes.
func (g *Git) IsClean(ctx context.Context) (bool, error) {
	paths, err := g.Status(ctx)
	if err != nil {
		return false, err
	}
	return len(paths) == 0, nil
}

// Stash saves and clears local modifications, untracked files included.
func (g *Git) Stash(ctx context.Context) error {
	_, err := g.run(ctx, "stash", "push", "--include-untracked")
	return err
}

// Unstash restores the most recent stash.
func (g *Git) Unstash(ctx context.Context) error {
	_, err := g.run(ctx, "stash", "pop")
	return err
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	logging.VCSDebug("git %s", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, detail)
	}
	return stdout.String(), nil
}

// parsePorcelain extracts paths from `git status --porcelain` output.
// Lines look like "XY path" or "XY orig -> renamed" for renames.
func parsePorcelain(out string) []string {
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}

func shortHash(hash string) string {
	if len(hash) > 8 {
		return hash[:8]
	}
	return hash
}
