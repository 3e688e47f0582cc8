package checkpoint

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overdrive/internal/bus"
	"overdrive/internal/store"
	"overdrive/internal/types"
)

type fakeDriver struct {
	status     []string
	statusErr  error
	hash       string
	commitErr  error
	commits    []string
	commitOpts []types.CommitOptions
	resets     []string
}

func (f *fakeDriver) Status(context.Context) ([]string, error) {
	return append([]string(nil), f.status...), f.statusErr
}

func (f *fakeDriver) CreateCommit(_ context.Context, message string, opts types.CommitOptions) (string, error) {
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.commits = append(f.commits, message)
	f.commitOpts = append(f.commitOpts, opts)
	return f.hash, nil
}

func (f *fakeDriver) ResetToCommit(_ context.Context, hash string, hard bool) error {
	f.resets = append(f.resets, hash)
	return nil
}

func (f *fakeDriver) CurrentCommit(context.Context) (string, error) { return f.hash, nil }
func (f *fakeDriver) IsClean(context.Context) (bool, error)        { return len(f.status) == 0, nil }
func (f *fakeDriver) Stash(context.Context) error                  { return nil }
func (f *fakeDriver) Unstash(context.Context) error                { return nil }

type fakePaths struct{ paths []string }

func (f *fakePaths) Drain() []string {
	out := f.paths
	f.paths = nil
	return out
}

func newTestStore(t *testing.T, driver types.VCSDriver, paths PathSource) (*Store, *store.Memory, *bus.Bus, *bus.Recorder) {
	t.Helper()
	kv := store.NewMemory()
	b := bus.New()
	var rec bus.Recorder
	cancel := b.Subscribe(bus.CheckpointCreated, rec.Handler())
	t.Cleanup(cancel)

	s := NewStore(StoreConfig{
		ProjectID: "proj",
		SessionID: "sess-1",
		KV:        kv,
		Driver:    driver,
		Paths:     paths,
		Meta: func() Meta {
			return Meta{State: types.StateExecuting, PendingTasks: 2, DecisionCount: 3}
		},
		Bus: b,
	})
	return s, kv, b, &rec
}

func TestCreateStateCheckpoint(t *testing.T) {
	driver := &fakeDriver{status: []string{"b.go", "a.go"}}
	s, kv, b, rec := newTestStore(t, driver, nil)
	ctx := context.Background()

	cp, err := s.Create(ctx, types.CheckpointState, "pre-operation")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(cp.ID, "cp-"))
	assert.Equal(t, types.StateExecuting, cp.SessionState)
	assert.Equal(t, []string{"a.go", "b.go"}, cp.ModifiedFiles)
	assert.Empty(t, cp.CommitHash)
	assert.Equal(t, types.SchemaVersion, cp.SchemaVersion)

	var list []types.Checkpoint
	require.NoError(t, store.ReadJSON(ctx, kv, []string{"autonomous", "checkpoints", "proj", "sess-1"}, &list))
	require.Len(t, list, 1)
	assert.Equal(t, cp.ID, list[0].ID)

	b.Close()
	require.Equal(t, 1, rec.Count(bus.CheckpointCreated))
	ev, _ := rec.First(bus.CheckpointCreated)
	payload := ev.Payload.(bus.CheckpointPayload)
	assert.Equal(t, "sess-1", payload.SessionID)
	assert.Equal(t, types.CheckpointState, payload.Type)
}

func TestCreateVCSCheckpointCommits(t *testing.T) {
	driver := &fakeDriver{hash: "abc123"}
	s, _, b, _ := newTestStore(t, driver, nil)
	defer b.Close()

	cp, err := s.Create(context.Background(), types.CheckpointVCS, "before refactor")
	require.NoError(t, err)

	assert.Equal(t, "abc123", cp.CommitHash)
	require.Len(t, driver.commitOpts, 1)
	assert.True(t, driver.commitOpts[0].AddAll)
	assert.True(t, driver.commitOpts[0].AllowEmpty)
}

func TestCreateVCSCheckpointWithoutDriverFails(t *testing.T) {
	s, _, b, _ := newTestStore(t, nil, nil)
	defer b.Close()

	_, err := s.Create(context.Background(), types.CheckpointVCS, "x")
	require.Error(t, err)
}

func TestModifiedFilesFallBackToWatcher(t *testing.T) {
	driver := &fakeDriver{statusErr: errors.New("not a repository")}
	paths := &fakePaths{paths: []string{"lib/x.py"}}
	s, _, b, _ := newTestStore(t, driver, paths)
	defer b.Close()

	cp, err := s.Create(context.Background(), types.CheckpointState, "fallback")
	require.NoError(t, err)
	assert.Equal(t, []string{"lib/x.py"}, cp.ModifiedFiles)
}

func TestLatestAndGet(t *testing.T) {
	s, _, b, _ := newTestStore(t, &fakeDriver{}, nil)
	defer b.Close()
	ctx := context.Background()

	first, err := s.Create(ctx, types.CheckpointState, "one")
	require.NoError(t, err)
	second, err := s.Create(ctx, types.CheckpointState, "two")
	require.NoError(t, err)

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Reason)

	_, err = s.Get(ctx, "cp-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLatestEmpty(t *testing.T) {
	s, _, b, _ := newTestStore(t, nil, nil)
	defer b.Close()

	_, err := s.Latest(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestoreRewritesContextAndResets(t *testing.T) {
	driver := &fakeDriver{hash: "feed01"}
	s, _, b, _ := newTestStore(t, driver, nil)
	defer b.Close()
	ctx := context.Background()

	require.NoError(t, s.SaveContext(ctx, types.Session{
		ID:    "sess-1",
		State: types.StateIdle,
	}))

	cp, err := s.Create(ctx, types.CheckpointVCS, "pin")
	require.NoError(t, err)

	restored, err := s.Restore(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, restored.ID)
	assert.Equal(t, []string{"feed01"}, driver.resets)

	sess, err := s.LoadContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuting, sess.State)
	assert.Equal(t, "sess-1", sess.ID)
}

func TestRestoreUnknownID(t *testing.T) {
	s, _, b, _ := newTestStore(t, nil, nil)
	defer b.Close()

	_, err := s.Restore(context.Background(), "cp-nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRejectsUnknownSchemaVersion(t *testing.T) {
	s, kv, b, _ := newTestStore(t, nil, nil)
	defer b.Close()
	ctx := context.Background()

	bad := []types.Checkpoint{{SchemaVersion: 99, ID: "cp-bad", SessionID: "sess-1"}}
	require.NoError(t, store.WriteJSON(ctx, kv, []string{"autonomous", "checkpoints", "proj", "sess-1"}, bad))

	_, err := s.List(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema version")
}
