// Package fsm enforces legal transitions between session states. Every
// phase change in a session goes through Machine.Transition, which either
// applies the move and notifies observers or rejects it without mutating
// anything.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

// ErrInvalidTransition tags every rejected transition.
var ErrInvalidTransition = errors.New("invalid state transition")

// InvalidTransitionError reports a rejected move.
type InvalidTransitionError struct {
	From   types.SessionState
	To     types.SessionState
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s: %s", e.From, e.To, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidTransition).
func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// transitions is the fixed allow-list of successors per state. Terminal
// states Completed, Failed and Terminated have no successors; Paused and
// Blocked permit explicit resumption.
var transitions = map[types.SessionState][]types.SessionState{
	types.StateIdle:     {types.StatePlanning, types.StateTerminated},
	types.StatePlanning: {types.StatePlanApproved, types.StateDeciding, types.StateFailed, types.StatePaused},
	types.StatePlanApproved: {
		types.StateExecuting, types.StateDeciding, types.StatePaused, types.StateTerminated,
	},
	types.StateExecuting: {
		types.StateTesting, types.StateDeciding, types.StateCheckpointing,
		types.StateFixing, types.StateFailed, types.StatePaused,
	},
	types.StateTesting: {
		types.StateVerifying, types.StateFixing, types.StateExecuting,
		types.StateFailed, types.StatePaused,
	},
	types.StateVerifying: {
		types.StateEvaluating, types.StateFixing, types.StateRollingBack,
		types.StateFailed, types.StatePaused,
	},
	types.StateDeciding: {
		types.StateDecisionMade, types.StateBlocked, types.StatePaused, types.StateFailed,
	},
	types.StateDecisionMade: {
		types.StateExecuting, types.StatePlanning, types.StateCheckpointing,
		types.StatePaused, types.StateTerminated,
	},
	types.StateFixing: {
		types.StateTesting, types.StateExecuting, types.StateRetrying,
		types.StateRollingBack, types.StateFailed, types.StatePaused,
	},
	types.StateRetrying: {
		types.StateExecuting, types.StateFixing, types.StateFailed, types.StatePaused,
	},
	types.StateEvaluating: {
		types.StateScoring, types.StateContinuing, types.StateCompleted,
		types.StateFailed, types.StatePaused,
	},
	types.StateScoring: {
		types.StateCompleted, types.StateContinuing, types.StateFailed, types.StatePaused,
	},
	types.StateCheckpointing: {
		types.StateExecuting, types.StateTesting, types.StateRollingBack,
		types.StatePaused, types.StateFailed,
	},
	types.StateRollingBack: {
		types.StateExecuting, types.StatePlanning, types.StateRetrying,
		types.StateFailed, types.StatePaused, types.StateTerminated,
	},
	types.StateContinuing: {
		types.StatePlanning, types.StateExecuting, types.StateDeciding,
		types.StatePaused, types.StateTerminated,
	},
	types.StateCompleted: {},
	types.StateFailed:    {},
	types.StatePaused:    {types.StateExecuting, types.StatePlanning, types.StateTerminated},
	types.StateBlocked:   {types.StatePlanning, types.StateExecuting, types.StateTerminated},
	types.StateTerminated: {},
}

// AllowedSuccessors returns a copy of the allow-list for a state.
func AllowedSuccessors(s types.SessionState) []types.SessionState {
	return append([]types.SessionState(nil), transitions[s]...)
}

// TransitionOptions annotates one transition.
type TransitionOptions struct {
	Reason   string
	Metadata types.Metadata
}

// HandlerFunc observes a committed transition. Handlers run synchronously
// in registration order; they must not call back into the machine.
type HandlerFunc func(ctx context.Context, from, to types.SessionState, opts TransitionOptions) error

// Transition is one committed state change.
type Transition struct {
	From   types.SessionState `json:"from"`
	To     types.SessionState `json:"to"`
	Reason string             `json:"reason,omitempty"`
	At     time.Time          `json:"at"`
}

// historyCap bounds the retained transition ring.
const historyCap = 100

// Machine guards one session's state. transMu serializes whole
// transitions including observer execution, so observers of one move
// always finish before the next move begins; mu guards field reads.
type Machine struct {
	transMu   sync.Mutex
	mu        sync.Mutex
	sessionID string
	state     types.SessionState
	previous  types.SessionState
	enteredAt time.Time
	handlers  []HandlerFunc
	history   []Transition
	bus       *bus.Bus
}

// New returns a machine in the Idle state.
func New(sessionID string, b *bus.Bus) *Machine {
	return &Machine{
		sessionID: sessionID,
		state:     types.StateIdle,
		enteredAt: time.Now(),
		bus:       b,
	}
}

// State returns the current state.
func (m *Machine) State() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Previous returns the state before the last committed transition.
func (m *Machine) Previous() types.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.previous
}

// EnteredAt returns when the current state was entered.
func (m *Machine) EnteredAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enteredAt
}

// CanTransition reports whether a move to the given state is allowed now.
func (m *Machine) CanTransition(to types.SessionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return allowed(m.state, to)
}

func allowed(from, to types.SessionState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// OnTransition registers an observer. Observers registered earlier run
// first.
func (m *Machine) OnTransition(h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Transition is the only mutator. A disallowed move publishes
// state.invalid_transition and returns InvalidTransitionError; an allowed
// move updates state, publishes state.changed, then invokes handlers in
// order. The first handler error is returned but the transition stands.
func (m *Machine) Transition(ctx context.Context, to types.SessionState, opts TransitionOptions) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	from := m.state
	if !allowed(from, to) {
		m.mu.Unlock()
		reason := opts.Reason
		if reason == "" {
			reason = "not in allow-list"
		}
		err := &InvalidTransitionError{From: from, To: to, Reason: reason}
		logging.FSMDebug("session %s: rejected %s -> %s", m.sessionID, from, to)
		if m.bus != nil {
			m.bus.Publish(bus.StateInvalidTransition, bus.InvalidTransitionPayload{
				SessionID: m.sessionID,
				From:      from,
				To:        to,
				Reason:    reason,
			})
		}
		return err
	}

	m.previous = from
	m.state = to
	m.enteredAt = time.Now()
	m.history = append(m.history, Transition{From: from, To: to, Reason: opts.Reason, At: m.enteredAt})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	handlers := append([]HandlerFunc(nil), m.handlers...)
	m.mu.Unlock()

	logging.FSMDebug("session %s: %s -> %s (%s)", m.sessionID, from, to, opts.Reason)
	if m.bus != nil {
		m.bus.Publish(bus.StateChanged, bus.StateChangedPayload{
			SessionID: m.sessionID,
			From:      from,
			To:        to,
			Reason:    opts.Reason,
		})
	}

	var firstErr error
	for _, h := range handlers {
		if err := h(ctx, from, to, opts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// History returns a copy of the retained transition ring.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Restore sets the state directly when resuming from a session
// checkpoint. It bypasses the allow-list and publishes nothing.
func (m *Machine) Restore(state types.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.previous = m.state
	m.state = state
	m.enteredAt = time.Now()
}
