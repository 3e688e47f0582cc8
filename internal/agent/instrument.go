package agent

import (
	"context"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// instrumented wraps any AgentClient and publishes agent.invoked after
// every call. All core invocations flow through this wrapper so the bus
// sees provider and fake traffic alike.
type instrumented struct {
	inner types.AgentClient
	bus   *bus.Bus
}

// WithBus decorates a client with agent.invoked publication. The session
// id is taken from the request context when present.
func WithBus(inner types.AgentClient, b *bus.Bus) types.AgentClient {
	if b == nil {
		return inner
	}
	return &instrumented{inner: inner, bus: b}
}

func (c *instrumented) Invoke(ctx context.Context, req types.AgentRequest) (types.AgentResult, error) {
	res, err := c.inner.Invoke(ctx, req)

	c.bus.Publish(bus.AgentInvoked, bus.AgentPayload{
		SessionID: req.Context["session_id"],
		Agent:     req.Agent,
		Success:   err == nil && res.Success,
		Duration:  res.Duration,
	})
	if err != nil {
		logging.AgentDebug("%s invocation errored: %v", req.Agent, err)
	}
	return res, err
}
