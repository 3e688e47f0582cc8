package rollback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overdrive/internal/bus"
	"overdrive/internal/checkpoint"
	"overdrive/internal/store"
	"overdrive/internal/types"
)

func newTestStore() *checkpoint.Store {
	return checkpoint.NewStore(checkpoint.StoreConfig{
		ProjectID: "p1",
		SessionID: "s1",
		KV:        store.NewMemory(),
		Meta: func() checkpoint.Meta {
			return checkpoint.Meta{State: types.StateExecuting}
		},
	})
}

func newTestManager(b *bus.Bus, cps *checkpoint.Store) *Manager {
	return NewManager(ManagerConfig{
		SessionID:   "s1",
		Checkpoints: cps,
		Bus:         b,
		MaxRetries:  2,
		MinInterval: time.Millisecond,
	})
}

func TestWithRollbackSuccessCreatesCheckpointOnly(t *testing.T) {
	cps := newTestStore()
	m := newTestManager(nil, cps)

	res, err := m.WithRollback(context.Background(), TriggerOperationError, "apply patch", func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Performed)
	assert.NotEmpty(t, res.CheckpointID)
	assert.Equal(t, 0, m.RetriesUsed())

	list, err := cps.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWithRollbackRestoresOnFailure(t *testing.T) {
	rec := &bus.Recorder{}
	b := bus.New()
	defer b.SubscribeAll(rec.Handler())()

	cps := newTestStore()
	m := newTestManager(b, cps)

	res, err := m.WithRollback(context.Background(), TriggerOperationError, "apply patch", func(context.Context) error {
		return errors.New("patch did not apply")
	})
	require.NoError(t, err)
	assert.True(t, res.Performed)
	assert.True(t, res.Success)
	assert.True(t, res.RetryRemaining)
	assert.Equal(t, 1, m.RetriesUsed())

	// Restore rewrote the session context from the checkpoint.
	sess, err := cps.LoadContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateExecuting, sess.State)

	b.Close()
	assert.Equal(t, 1, rec.Count(bus.RollbackPerformed))
}

func TestHandleTestFailureBelowThresholdSkips(t *testing.T) {
	m := newTestManager(nil, newTestStore())
	res := m.HandleTestFailure(context.Background(), 2, 10)
	assert.False(t, res.Performed)
	assert.True(t, res.Success)
	assert.Equal(t, 0, m.RetriesUsed())
}

func TestHandleTestFailureAboveThresholdRestores(t *testing.T) {
	cps := newTestStore()
	_, err := cps.Create(context.Background(), types.CheckpointState, "pre test run")
	require.NoError(t, err)

	m := newTestManager(nil, cps)
	res := m.HandleTestFailure(context.Background(), 6, 10)
	assert.True(t, res.Performed)
	assert.True(t, res.Success)
}

func TestHandleTestFailureWithoutCheckpoint(t *testing.T) {
	m := newTestManager(nil, newTestStore())
	res := m.HandleTestFailure(context.Background(), 9, 10)
	assert.False(t, res.Performed)
	assert.Equal(t, "no checkpoint available", res.Reason)
}

func TestHandleVerificationFailureOnlyOnTypecheck(t *testing.T) {
	cps := newTestStore()
	_, err := cps.Create(context.Background(), types.CheckpointState, "pre verify")
	require.NoError(t, err)
	m := newTestManager(nil, cps)

	res := m.HandleVerificationFailure(context.Background(), true, "lint warnings")
	assert.False(t, res.Performed)
	assert.True(t, res.Success)

	res = m.HandleVerificationFailure(context.Background(), false, "undefined identifier")
	assert.True(t, res.Performed)
}

func TestRetryBudgetExhausts(t *testing.T) {
	cps := newTestStore()
	_, err := cps.Create(context.Background(), types.CheckpointState, "cp")
	require.NoError(t, err)
	m := newTestManager(nil, cps)

	first := m.HandleLoopDetected(context.Background(), "tool", "write(a.go)")
	require.True(t, first.Performed)
	assert.True(t, first.RetryRemaining)

	time.Sleep(2 * time.Millisecond)
	second := m.HandleLoopDetected(context.Background(), "tool", "write(a.go)")
	require.True(t, second.Performed)
	assert.False(t, second.RetryRemaining)

	time.Sleep(2 * time.Millisecond)
	third := m.HandleLoopDetected(context.Background(), "tool", "write(a.go)")
	assert.False(t, third.Performed)
	assert.Equal(t, "retry budget exhausted", third.Reason)
	assert.Equal(t, 2, m.RetriesUsed())
}

func TestMinIntervalSuppressesBackToBackRollbacks(t *testing.T) {
	cps := newTestStore()
	_, err := cps.Create(context.Background(), types.CheckpointState, "cp")
	require.NoError(t, err)

	m := NewManager(ManagerConfig{
		SessionID:   "s1",
		Checkpoints: cps,
		MaxRetries:  5,
		MinInterval: time.Hour,
	})

	first := m.HandleResourceExceeded(context.Background(), types.AxisTokens)
	require.True(t, first.Performed)

	second := m.HandleResourceExceeded(context.Background(), types.AxisTokens)
	assert.False(t, second.Performed)
	assert.Equal(t, "within minimum rollback interval", second.Reason)
	assert.True(t, second.RetryRemaining)
}
