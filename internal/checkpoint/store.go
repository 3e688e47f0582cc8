// Package checkpoint persists recovery points at two granularities.
// Operation-level checkpoints capture session metadata, the modified
// file set and optionally a VCS commit, appended to a session-scoped
// KV array. Session-level checkpoints are one-file-per-session
// snapshots used to resume interrupted sessions.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/store"
	"overdrive/internal/types"
)

// ErrNotFound is returned when a checkpoint id or session has no record.
var ErrNotFound = errors.New("checkpoint: not found")

// PathSource supplies workspace paths modified since the last drain.
// The workspace watcher implements it; it covers working trees that are
// not repositories.
type PathSource interface {
	Drain() []string
}

// Meta is the session-side state snapshotted into each checkpoint.
type Meta struct {
	State         types.SessionState
	PendingTasks  int
	DecisionCount int
}

// MetaFunc supplies the current session metadata at creation time.
type MetaFunc func() Meta

// StoreConfig wires the store's collaborators. KV is required; driver,
// paths, meta and bus all degrade gracefully when absent.
type StoreConfig struct {
	ProjectID string
	SessionID string
	KV        store.KV
	Driver    types.VCSDriver
	Paths     PathSource
	Meta      MetaFunc
	Bus       *bus.Bus
}

// Store keeps the operation-level checkpoint array for one session.
type Store struct {
	projectID string
	sessionID string
	kv        store.KV
	driver    types.VCSDriver
	paths     PathSource
	meta      MetaFunc
	bus       *bus.Bus

	mu sync.Mutex
}

// NewStore builds a checkpoint store for one session.
func NewStore(cfg StoreConfig) *Store {
	return &Store{
		projectID: cfg.ProjectID,
		sessionID: cfg.SessionID,
		kv:        cfg.KV,
		driver:    cfg.Driver,
		paths:     cfg.Paths,
		meta:      cfg.Meta,
		bus:       cfg.Bus,
	}
}

func (s *Store) key() []string {
	return []string{"autonomous", "checkpoints", s.projectID, s.sessionID}
}

func (s *Store) contextKey() []string {
	return []string{"autonomous", "context", s.projectID, s.sessionID}
}

// Create snapshots session metadata and the modified file set, commits
// when type is vcs, appends the checkpoint to the persisted array and
// publishes checkpoint.created.
func (s *Store) Create(ctx context.Context, typ types.CheckpointType, reason string) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta Meta
	if s.meta != nil {
		meta = s.meta()
	}

	cp := types.Checkpoint{
		SchemaVersion: types.SchemaVersion,
		ID:            "cp-" + uuid.NewString(),
		SessionID:     s.sessionID,
		Type:          typ,
		CreatedAt:     time.Now().UTC(),
		SessionState:  meta.State,
		Reason:        reason,
		ModifiedFiles: s.modifiedFiles(ctx),
		Metadata: types.Metadata{
			"pending_tasks":  types.NumberValue(float64(meta.PendingTasks)),
			"decision_count": types.NumberValue(float64(meta.DecisionCount)),
		},
	}

	if typ == types.CheckpointVCS {
		if s.driver == nil {
			return nil, fmt.Errorf("checkpoint: vcs checkpoint requested without a driver")
		}
		hash, err := s.driver.CreateCommit(ctx, "checkpoint: "+reason, types.CommitOptions{
			AddAll:     true,
			AllowEmpty: true,
		})
		if err != nil {
			return nil, fmt.Errorf("checkpoint: commit: %w", err)
		}
		cp.CommitHash = hash
	}

	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	list = append(list, cp)
	if err := store.WriteJSON(ctx, s.kv, s.key(), list); err != nil {
		return nil, err
	}

	logging.Checkpoint("created %s checkpoint %s (%d modified files)", typ, cp.ID, len(cp.ModifiedFiles))
	if s.bus != nil {
		s.bus.Publish(bus.CheckpointCreated, bus.CheckpointPayload{
			SessionID:  s.sessionID,
			Checkpoint: cp,
			Type:       typ,
		})
	}
	return &cp, nil
}

// modifiedFiles prefers the VCS status so the recorded set matches the
// repository's view at creation time. The watcher covers bare trees;
// its window is drained either way so accumulation restarts here.
func (s *Store) modifiedFiles(ctx context.Context) []string {
	if s.driver != nil {
		paths, err := s.driver.Status(ctx)
		if err == nil {
			if s.paths != nil {
				s.paths.Drain()
			}
			sort.Strings(paths)
			return paths
		}
		logging.CheckpointDebug("vcs status unavailable: %v", err)
	}
	if s.paths != nil {
		return s.paths.Drain()
	}
	return nil
}

// List returns every checkpoint for the session, oldest first.
func (s *Store) List(ctx context.Context) ([]types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Latest returns the most recent checkpoint, or ErrNotFound when none
// have been created.
func (s *Store) Latest(ctx context.Context) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	cp := list[len(list)-1]
	return &cp, nil
}

// Get returns the checkpoint with the given id.
func (s *Store) Get(ctx context.Context, id string) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].ID == id {
			return &list[i], nil
		}
	}
	return nil, ErrNotFound
}

// Restore rewrites the persisted session context from the checkpoint
// and, when the checkpoint is pinned to a commit, hard-resets the
// working tree to it.
func (s *Store) Restore(ctx context.Context, id string) (*types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	var cp *types.Checkpoint
	for i := range list {
		if list[i].ID == id {
			cp = &list[i]
			break
		}
	}
	if cp == nil {
		return nil, ErrNotFound
	}

	var sess types.Session
	err = store.ReadJSON(ctx, s.kv, s.contextKey(), &sess)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if errors.Is(err, store.ErrNotFound) {
		sess = types.Session{ID: s.sessionID}
	}
	sess.State = cp.SessionState
	if err := store.WriteJSON(ctx, s.kv, s.contextKey(), &sess); err != nil {
		return nil, err
	}

	if cp.CommitHash != "" {
		if s.driver == nil {
			return nil, fmt.Errorf("checkpoint: %s pinned to a commit but no driver is configured", id)
		}
		if err := s.driver.ResetToCommit(ctx, cp.CommitHash, true); err != nil {
			return nil, fmt.Errorf("checkpoint: reset: %w", err)
		}
	}

	logging.Checkpoint("restored checkpoint %s (state=%s)", cp.ID, cp.SessionState)
	return cp, nil
}

// SaveContext persists the session record alongside the checkpoint
// array so restores and resumes see consistent metadata.
func (s *Store) SaveContext(ctx context.Context, sess types.Session) error {
	return store.WriteJSON(ctx, s.kv, s.contextKey(), sess)
}

// LoadContext reads the persisted session record.
func (s *Store) LoadContext(ctx context.Context) (types.Session, error) {
	var sess types.Session
	err := store.ReadJSON(ctx, s.kv, s.contextKey(), &sess)
	return sess, err
}

func (s *Store) load(ctx context.Context) ([]types.Checkpoint, error) {
	var list []types.Checkpoint
	err := store.ReadJSON(ctx, s.kv, s.key(), &list)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, cp := range list {
		if cp.SchemaVersion != types.SchemaVersion {
			return nil, fmt.Errorf("checkpoint: unsupported schema version %d in %s", cp.SchemaVersion, cp.ID)
		}
	}
	return list, nil
}
