package agent

import (
	"context"
	"sync"
	"time"

	"overdrive/internal/types"
)

// Scripted replays queued results per agent name. Tests queue what each
// agent should say and assert on the recorded requests afterwards. An
// agent invoked past its queue fails with Success=false, mirroring a
// provider that has nothing useful to return.
type Scripted struct {
	mu        sync.Mutex
	queues    map[types.AgentName][]types.AgentResult
	calls     []types.AgentRequest
	invokeErr error
}

// NewScripted returns an empty fake; every invocation fails until results
// are queued.
func NewScripted() *Scripted {
	return &Scripted{queues: make(map[types.AgentName][]types.AgentResult)}
}

// Queue appends canned results for one agent, consumed in order.
func (s *Scripted) Queue(agent types.AgentName, results ...types.AgentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[agent] = append(s.queues[agent], results...)
}

// QueueOutput appends successful results wrapping the given outputs.
func (s *Scripted) QueueOutput(agent types.AgentName, outputs ...string) {
	for _, out := range outputs {
		s.Queue(agent, types.AgentResult{Success: true, Output: out})
	}
}

// FailWith makes every subsequent Invoke return err.
func (s *Scripted) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invokeErr = err
}

// Invoke pops the next queued result for the named agent.
func (s *Scripted) Invoke(ctx context.Context, req types.AgentRequest) (types.AgentResult, error) {
	start := time.Now()
	if err := checkRequest(req); err != nil {
		return types.AgentResult{Error: err.Error()}, err
	}
	if err := ctx.Err(); err != nil {
		return types.AgentResult{Error: err.Error()}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.invokeErr != nil {
		return types.AgentResult{Error: s.invokeErr.Error(), Duration: time.Since(start)}, s.invokeErr
	}
	queue := s.queues[req.Agent]
	if len(queue) == 0 {
		return types.AgentResult{
			Error:    "scripted agent has no result for " + string(req.Agent),
			Duration: time.Since(start),
		}, nil
	}
	res := queue[0]
	s.queues[req.Agent] = queue[1:]
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, nil
}

// Calls returns a copy of every recorded request, oldest first.
func (s *Scripted) Calls() []types.AgentRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.AgentRequest(nil), s.calls...)
}

// CallsTo counts recorded requests addressed to one agent.
func (s *Scripted) CallsTo(agent types.AgentName) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Agent == agent {
			n++
		}
	}
	return n
}
