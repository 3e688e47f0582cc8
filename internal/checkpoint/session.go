package checkpoint

import (
	"context"
	"encoding/json"
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

const checkpointSuffix = ".checkpoint.json"

// SessionStore persists one recoverable snapshot per session under
// {dataDir}/checkpoints/. Writes are atomic: tmp file, fsync, rename.
type SessionStore struct {
	dir string
	mu  sync.Mutex
}

// NewSessionStore creates the checkpoint directory if needed.
func NewSessionStore(dataDir string) (*SessionStore, error) {
	dir := filepath.Join(dataDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir: %w", err)
	}
	return &SessionStore{dir: dir}, nil
}

func (s *SessionStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+checkpointSuffix)
}

// Save writes the snapshot atomically, stamping schema version and
// bookkeeping timestamps.
func (s *SessionStore) Save(ctx context.Context, cp *types.SessionCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp.SchemaVersion = types.SchemaVersion
	if cp.Timestamp.IsZero() {
		cp.Timestamp = now
	}
	if cp.Meta.CreatedAt.IsZero() {
		cp.Meta.CreatedAt = now
	}
	cp.Meta.LastModifiedAt = now

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: encode session %s: %w", cp.SessionID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+cp.SessionID+"-*.tmp")
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
	if err := os.Rename(tmp.Name(), s.path(cp.SessionID)); err != nil {
		return err
	}
	logging.CheckpointDebug("saved session checkpoint %s (state=%s iter=%d)", cp.SessionID, cp.State, cp.Iteration)
	return nil
}

// Load reads a session's snapshot, rejecting unknown schema versions.
func (s *SessionStore) Load(sessionID string) (*types.SessionCheckpoint, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cp types.SessionCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: decode session %s: %w", sessionID, err)
	}
	if cp.SchemaVersion != types.SchemaVersion {
		return nil, fmt.Errorf("checkpoint: unsupported schema version %d for session %s", cp.SchemaVersion, sessionID)
	}
	return &cp, nil
}

// Restore returns the snapshot when it is still recoverable, nil when
// the session cannot be resumed.
func (s *SessionStore) Restore(sessionID string) (*types.SessionCheckpoint, error) {
	cp, err := s.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if !cp.Recoverable(time.Now()) {
		return nil, nil
	}
	return cp, nil
}

// List returns every snapshot on disk, newest first. Unreadable files
// are skipped, not reported.
func (s *SessionStore) List() ([]types.SessionCheckpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []types.SessionCheckpoint
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		cp, err := s.Load(strings.TrimSuffix(name, checkpointSuffix))
		if err != nil {
			logging.CheckpointDebug("skip %s: %v", name, err)
			continue
		}
		out = append(out, *cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// ListRecoverable filters List down to snapshots that can still be
// resumed.
func (s *SessionStore) ListRecoverable() ([]types.SessionCheckpoint, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var out []types.SessionCheckpoint
	for _, cp := range all {
		if cp.Recoverable(now) {
			out = append(out, cp)
		}
	}
	return out, nil
}

// Remove deletes a session's snapshot. Missing files are not errors.
func (s *SessionStore) Remove(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Cleanup removes snapshots older than maxAge and, when more than
// maxCount remain, the oldest beyond the cap. A zero value disables the
// corresponding rule. Returns the number of files removed.
func (s *SessionStore) Cleanup(maxAge time.Duration, maxCount int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	type snapshot struct {
		path string
		ts   time.Time
	}
	var kept []snapshot
	now := time.Now()
	removed := 0

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, checkpointSuffix) {
			continue
		}
		full := filepath.Join(s.dir, name)

		var ts time.Time
		if cp, err := s.Load(strings.TrimSuffix(name, checkpointSuffix)); err == nil {
			ts = cp.Timestamp
		} else if info, ierr := e.Info(); ierr == nil {
			// Unreadable snapshots age out by mtime.
			ts = info.ModTime()
		}

		if maxAge > 0 && now.Sub(ts) > maxAge {
			if os.Remove(full) == nil {
				removed++
			}
			continue
		}
		kept = append(kept, snapshot{path: full, ts: ts})
	}

	if maxCount > 0 && len(kept) > maxCount {
		sort.Slice(kept, func(i, j int) bool { return kept[i].ts.After(kept[j].ts) })
		for _, f := range kept[maxCount:] {
			if os.Remove(f.path) == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		logging.Checkpoint("cleanup removed %d session checkpoints", removed)
	}
	return removed, nil
}
