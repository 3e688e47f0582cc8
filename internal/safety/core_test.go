package safety

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overdrive/internal/bus"
	"overdrive/internal/types"
)

func newTestCore(b *bus.Bus, budget types.ResourceBudget, gate bool) *Core {
	return NewCore(CoreConfig{
		SessionID:       "s1",
		Budget:          budget,
		Bus:             b,
		WarnThreshold:   0.8,
		LoopThreshold:   3,
		LoopWindow:      time.Minute,
		AutoBreakLoops:  true,
		AutoRollback:    true,
		DestructiveGate: gate,
	})
}

func TestCheckSafetyCleanSession(t *testing.T) {
	c := newTestCore(nil, testBudget(), true)
	v := c.CheckSafety(context.Background(), nil)
	assert.True(t, v.Safe)
	assert.Empty(t, v.Layer)
}

func TestCheckSafetyResourceLayer(t *testing.T) {
	rec := &bus.Recorder{}
	b := bus.New()
	defer b.SubscribeAll(rec.Handler())()

	c := newTestCore(b, testBudget(), true)
	c.AddTokens(1000, 0)

	v := c.CheckSafety(context.Background(), nil)
	assert.False(t, v.Safe)
	assert.Equal(t, LayerResources, v.Layer)

	b.Close()
	assert.Equal(t, 1, rec.Count(bus.SafetyTriggered))
	assert.Equal(t, 1, rec.Count(bus.ResourceExceeded))
}

func TestCheckSafetyGuardrailsLayer(t *testing.T) {
	rec := &bus.Recorder{}
	b := bus.New()
	defer b.SubscribeAll(rec.Handler())()

	c := newTestCore(b, testBudget(), true)
	for i := 0; i < 3; i++ {
		c.RecordToolCall("write_file", "same-input", types.OpResultSuccess, "")
	}

	v := c.CheckSafety(context.Background(), nil)
	assert.False(t, v.Safe)
	assert.Equal(t, LayerGuardrails, v.Layer)

	b.Close()
	assert.Equal(t, 1, rec.Count(bus.LoopDetected))
	assert.Equal(t, 1, rec.Count(bus.SafetyTriggered))
}

func TestCheckSafetyDestructiveLayer(t *testing.T) {
	rec := &bus.Recorder{}
	b := bus.New()
	defer b.SubscribeAll(rec.Handler())()

	c := newTestCore(b, testBudget(), true)
	op := toolOp("op-9", "shell", "rm -rf /")

	v := c.CheckSafety(context.Background(), op)
	assert.False(t, v.Safe)
	assert.Equal(t, LayerDestructive, v.Layer)
	assert.Contains(t, v.Reason, "critical")

	b.Close()
	ev, ok := rec.First(bus.SafetyTriggered)
	require.True(t, ok)
	assert.Equal(t, "shell", ev.Payload.(bus.SafetyPayload).Operation)
}

func TestCheckSafetyGateDisabled(t *testing.T) {
	c := newTestCore(nil, testBudget(), false)
	v := c.CheckSafety(context.Background(), toolOp("op-9", "shell", "rm -rf /"))
	assert.True(t, v.Safe, "disabled gate must not block")
}

func TestToolCallsConsumeActionBudget(t *testing.T) {
	budget := testBudget()
	budget.MaxActions = 2
	c := newTestCore(nil, budget, true)

	c.RecordToolCall("read_file", "a", types.OpResultSuccess, "")
	c.RecordToolCall("read_file", "b", types.OpResultSuccess, "")

	v := c.CheckSafety(context.Background(), nil)
	assert.False(t, v.Safe)
	assert.Equal(t, LayerResources, v.Layer)
}

func TestCoreOwnsRollbackAndCheckpoints(t *testing.T) {
	c := newTestCore(nil, testBudget(), true)
	assert.NotNil(t, c.Rollback())
	assert.True(t, c.AutoRollback())
}
