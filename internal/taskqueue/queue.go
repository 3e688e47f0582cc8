// Package taskqueue holds the priority- and dependency-ordered task pool
// for one session. Tasks become runnable when every dependency completed;
// the runnable set is capped by the configured concurrency. All status
// changes go through the queue's mutators, each of which publishes the
// matching task event.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"overdrive/internal/bus"
	"overdrive/internal/logging"
	"overdrive/internal/types"
)

var (
	// ErrUnknownTask is returned for ids the queue has never seen.
	ErrUnknownTask = errors.New("taskqueue: unknown task")
	// ErrBadStatus is returned when a mutator is applied in the wrong state.
	ErrBadStatus = errors.New("taskqueue: bad status for operation")
	// ErrUnknownDependency rejects tasks depending on absent ids.
	ErrUnknownDependency = errors.New("taskqueue: unknown dependency")
	// ErrRetryExhausted is returned when no retry budget remains.
	ErrRetryExhausted = errors.New("taskqueue: retry budget exhausted")
)

// Counts summarizes the queue by status.
type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Blocked   int `json:"blocked"`
}

// Total returns the number of tasks in any status.
func (c Counts) Total() int {
	return c.Pending + c.Running + c.Completed + c.Failed + c.Skipped + c.Blocked
}

// Queue is the per-session task pool.
type Queue struct {
	mu            sync.RWMutex
	sessionID     string
	tasks         map[string]*types.Task
	order         []string // insertion order, stable tie-break base
	maxConcurrent int
	sem           *semaphore.Weighted
	bus           *bus.Bus
}

// New returns an empty queue capped at maxConcurrent running tasks.
func New(sessionID string, maxConcurrent int, b *bus.Bus) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Queue{
		sessionID:     sessionID,
		tasks:         make(map[string]*types.Task),
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		bus:           b,
	}
}

// Add registers a task, assigning an id and creation time when absent and
// recording dependent back-edges on its dependencies.
func (q *Queue) Add(t types.Task) (types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID == "" {
		t.ID = "task-" + uuid.NewString()
	}
	if _, exists := q.tasks[t.ID]; exists {
		return types.Task{}, fmt.Errorf("taskqueue: duplicate task id %s", t.ID)
	}
	if t.Status == "" {
		t.Status = types.TaskPending
	}
	if t.Status != types.TaskPending {
		return types.Task{}, fmt.Errorf("%w: new task must be pending, got %s", ErrBadStatus, t.Status)
	}
	if t.Priority == "" {
		t.Priority = types.PriorityMedium
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	for _, dep := range t.DependsOn {
		if _, ok := q.tasks[dep]; !ok {
			return types.Task{}, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, t.ID, dep)
		}
	}

	stored := t.Clone()
	q.tasks[t.ID] = &stored
	q.order = append(q.order, t.ID)
	for _, dep := range t.DependsOn {
		d := q.tasks[dep]
		d.Dependents = append(d.Dependents, t.ID)
	}

	logging.QueueDebug("session %s: added task %s (%s)", q.sessionID, t.ID, t.Subject)
	q.publish(bus.TaskCreated, stored, "")
	return stored.Clone(), nil
}

// Get returns a copy of the task.
func (q *Queue) Get(id string) (types.Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t.Clone(), nil
}

// Runnable returns pending tasks whose dependencies all completed, sorted
// by priority descending with creation time breaking ties, truncated to
// the remaining concurrency headroom.
func (q *Queue) Runnable() []types.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	headroom := q.maxConcurrent - q.countLocked(types.TaskRunning)
	if headroom <= 0 {
		return nil
	}

	var ready []*types.Task
	for _, id := range q.order {
		t := q.tasks[id]
		if t.Status != types.TaskPending {
			continue
		}
		if q.depsCompletedLocked(t) {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority.Weight() != ready[j].Priority.Weight() {
			return ready[i].Priority.Weight() > ready[j].Priority.Weight()
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	if len(ready) > headroom {
		ready = ready[:headroom]
	}

	out := make([]types.Task, len(ready))
	for i, t := range ready {
		out[i] = t.Clone()
	}
	return out
}

func (q *Queue) depsCompletedLocked(t *types.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok || d.Status != types.TaskCompleted {
			return false
		}
	}
	return true
}

// Start moves a pending task with completed dependencies to running.
func (q *Queue) Start(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != types.TaskPending {
		q.mu.Unlock()
		return fmt.Errorf("%w: start requires pending, task %s is %s", ErrBadStatus, id, t.Status)
	}
	if !q.depsCompletedLocked(t) {
		q.mu.Unlock()
		return fmt.Errorf("%w: task %s has incomplete dependencies", ErrBadStatus, id)
	}
	now := time.Now()
	t.Status = types.TaskRunning
	t.StartedAt = &now
	snap := t.Clone()
	q.mu.Unlock()

	logging.QueueDebug("session %s: started task %s", q.sessionID, id)
	q.publish(bus.TaskStarted, snap, "")
	return nil
}

// Complete moves a running task to completed.
func (q *Queue) Complete(id string) error {
	snap, err := q.finish(id, types.TaskCompleted, "")
	if err != nil {
		return err
	}
	q.publish(bus.TaskCompleted, snap, "")
	return nil
}

// Fail records a failure. When retryable and budget remains the task goes
// back to pending with an incremented retry count; otherwise it is failed
// for good. Either way task.failed is published with the error.
func (q *Queue) Fail(id string, failure error, retryable bool) error {
	msg := ""
	if failure != nil {
		msg = failure.Error()
	}

	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != types.TaskRunning {
		q.mu.Unlock()
		return fmt.Errorf("%w: fail requires running, task %s is %s", ErrBadStatus, id, t.Status)
	}
	t.LastError = msg
	willRetry := retryable && t.Retries < t.MaxRetries
	if willRetry {
		t.Retries++
		t.Status = types.TaskPending
		t.StartedAt = nil
	} else {
		now := time.Now()
		t.Status = types.TaskFailed
		t.CompletedAt = &now
	}
	snap := t.Clone()
	q.mu.Unlock()

	if willRetry {
		logging.QueueDebug("session %s: task %s failed, retry %d/%d", q.sessionID, id, snap.Retries, snap.MaxRetries)
	} else {
		logging.Queue("session %s: task %s failed permanently: %s", q.sessionID, id, msg)
	}
	q.publish(bus.TaskFailed, snap, msg)
	return nil
}

// Skip cancels a pending or running task without counting it as completed
// or failed.
func (q *Queue) Skip(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != types.TaskPending && t.Status != types.TaskRunning {
		q.mu.Unlock()
		return fmt.Errorf("%w: skip requires pending or running, task %s is %s", ErrBadStatus, id, t.Status)
	}
	now := time.Now()
	t.Status = types.TaskSkipped
	t.CompletedAt = &now
	snap := t.Clone()
	q.mu.Unlock()

	q.publish(bus.TaskSkipped, snap, "")
	return nil
}

// Block parks a pending task until something unblocks it.
func (q *Queue) Block(id string, reason string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != types.TaskPending {
		q.mu.Unlock()
		return fmt.Errorf("%w: block requires pending, task %s is %s", ErrBadStatus, id, t.Status)
	}
	t.Status = types.TaskBlocked
	t.LastError = reason
	snap := t.Clone()
	q.mu.Unlock()

	q.publish(bus.TaskBlocked, snap, reason)
	return nil
}

// Retry re-pends a failed or blocked task. Failed tasks consume retry
// budget; blocked tasks do not.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	switch t.Status {
	case types.TaskFailed:
		if t.Retries >= t.MaxRetries {
			q.mu.Unlock()
			return fmt.Errorf("%w: task %s at %d/%d", ErrRetryExhausted, id, t.Retries, t.MaxRetries)
		}
		t.Retries++
	case types.TaskBlocked:
	default:
		q.mu.Unlock()
		return fmt.Errorf("%w: retry requires failed or blocked, task %s is %s", ErrBadStatus, id, t.Status)
	}
	t.Status = types.TaskPending
	t.StartedAt = nil
	t.CompletedAt = nil
	snap := t.Clone()
	q.mu.Unlock()

	q.publish(bus.TaskRetried, snap, "")
	return nil
}

func (q *Queue) finish(id string, status types.TaskStatus, msg string) (types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != types.TaskRunning {
		return types.Task{}, fmt.Errorf("%w: requires running, task %s is %s", ErrBadStatus, id, t.Status)
	}
	now := time.Now()
	t.Status = status
	t.CompletedAt = &now
	if msg != "" {
		t.LastError = msg
	}
	return t.Clone(), nil
}

// Counts returns the per-status totals.
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Counts{
		Pending:   q.countLocked(types.TaskPending),
		Running:   q.countLocked(types.TaskRunning),
		Completed: q.countLocked(types.TaskCompleted),
		Failed:    q.countLocked(types.TaskFailed),
		Skipped:   q.countLocked(types.TaskSkipped),
		Blocked:   q.countLocked(types.TaskBlocked),
	}
}

func (q *Queue) countLocked(status types.TaskStatus) int {
	n := 0
	for _, t := range q.tasks {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Pending returns copies of all pending tasks in insertion order.
func (q *Queue) Pending() []types.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var out []types.Task
	for _, id := range q.order {
		if t := q.tasks[id]; t.Status == types.TaskPending {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Snapshot returns every task in insertion order for checkpointing.
func (q *Queue) Snapshot() []types.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]types.Task, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.tasks[id].Clone())
	}
	return out
}

// RestoreSnapshot replaces the queue contents with a snapshot.
func (q *Queue) RestoreSnapshot(tasks []types.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[string]*types.Task, len(tasks))
	q.order = q.order[:0]
	for _, t := range tasks {
		stored := t.Clone()
		q.tasks[t.ID] = &stored
		q.order = append(q.order, t.ID)
	}
}

// RunRunnable starts every currently runnable task and executes run for
// each under the concurrency semaphore, completing or failing tasks from
// the outcome. It returns when the batch settles.
func (q *Queue) RunRunnable(ctx context.Context, run func(ctx context.Context, t types.Task) error) error {
	batch := q.Runnable()
	if len(batch) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range batch {
		t := t
		if err := q.Start(t.ID); err != nil {
			return err
		}
		if err := q.sem.Acquire(gctx, 1); err != nil {
			// Context gone; the started task goes back through Fail so the
			// invariant started < (completed|failed) holds.
			_ = q.Fail(t.ID, err, false)
			return err
		}
		g.Go(func() error {
			defer q.sem.Release(1)
			if err := run(gctx, t); err != nil {
				return q.Fail(t.ID, err, true)
			}
			return q.Complete(t.ID)
		})
	}
	return g.Wait()
}

func (q *Queue) publish(def bus.Def, t types.Task, errMsg string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(def, bus.TaskPayload{SessionID: q.sessionID, Task: t, Error: errMsg})
}
