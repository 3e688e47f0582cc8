package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"overdrive/internal/bus"
	"overdrive/internal/types"
)

func testBudget() types.ResourceBudget {
	return types.ResourceBudget{
		MaxTokens:  1000,
		MaxCost:    10,
		MaxMinutes: 60,
		MaxFiles:   20,
		MaxActions: 100,
	}
}

func TestGuardPassesUnderBudget(t *testing.T) {
	g := NewResourceGuard("s1", testBudget(), 0.8, nil)
	g.AddTokens(100, 1)
	g.AddAction()
	assert.Nil(t, g.Check())
}

func TestGuardRefusesAtLimit(t *testing.T) {
	rec := &bus.Recorder{}
	b := bus.New()
	defer b.Close()
	defer b.SubscribeAll(rec.Handler())()

	g := NewResourceGuard("s1", testBudget(), 0.8, b)
	g.AddTokens(1000, 0)

	breach := g.Check()
	require.NotNil(t, breach)
	assert.Equal(t, types.AxisTokens, breach.Axis)
	assert.Equal(t, 1000.0, breach.Used)

	b.Close()
	assert.Equal(t, 1, rec.Count(bus.ResourceExceeded))
}

func TestGuardWarnsOncePerAxis(t *testing.T) {
	rec := &bus.Recorder{}
	b := bus.New()
	defer b.Close()
	defer b.SubscribeAll(rec.Handler())()

	g := NewResourceGuard("s1", testBudget(), 0.8, b)
	g.AddTokens(850, 0)

	require.Nil(t, g.Check())
	require.Nil(t, g.Check())
	require.Nil(t, g.Check())

	b.Close()
	assert.Equal(t, 1, rec.Count(bus.ResourceWarning), "warning must be one-shot")

	ev, ok := rec.First(bus.ResourceWarning)
	require.True(t, ok)
	payload := ev.Payload.(bus.ResourcePayload)
	assert.Equal(t, types.AxisTokens, payload.Axis)
	assert.InDelta(t, 0.85, payload.Ratio, 0.001)
}

func TestGuardRefreshesElapsedMinutes(t *testing.T) {
	g := NewResourceGuard("s1", testBudget(), 0.8, nil)
	started := time.Now()
	g.startedAt = started
	g.now = func() time.Time { return started.Add(90 * time.Minute) }

	breach := g.Check()
	require.NotNil(t, breach)
	assert.Equal(t, types.AxisMinutes, breach.Axis)
	assert.InDelta(t, 90.0, g.Usage().ElapsedMinutes, 0.01)
}

func TestSurplusShrinksWithConsumption(t *testing.T) {
	g := NewResourceGuard("s1", testBudget(), 0.8, nil)
	full := g.Surplus()
	g.AddTokens(500, 5)
	assert.Less(t, g.Surplus(), full)
}
