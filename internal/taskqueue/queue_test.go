package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"overdrive/internal/bus"
	"overdrive/internal/types"
)

func mustAdd(t *testing.T, q *Queue, task types.Task) types.Task {
	t.Helper()
	added, err := q.Add(task)
	if err != nil {
		t.Fatalf("Add(%s): %v", task.Subject, err)
	}
	return added
}

func TestAddAssignsIDAndBackEdges(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a"})
	b := mustAdd(t, q, types.Task{Subject: "b", DependsOn: []string{a.ID}})

	if a.ID == "" || b.ID == "" {
		t.Fatal("ids not assigned")
	}
	got, err := q.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Dependents) != 1 || got.Dependents[0] != b.ID {
		t.Errorf("dependents of a = %v, want [%s]", got.Dependents, b.ID)
	}
}

func TestAddRejectsUnknownDependency(t *testing.T) {
	q := New("s1", 3, nil)
	if _, err := q.Add(types.Task{Subject: "x", DependsOn: []string{"task-missing"}}); !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("err = %v, want ErrUnknownDependency", err)
	}
}

func TestRunnableOrderingAndTruncation(t *testing.T) {
	q := New("s1", 2, nil)
	base := time.Now()
	low := mustAdd(t, q, types.Task{Subject: "low", Priority: types.PriorityLow, CreatedAt: base})
	crit := mustAdd(t, q, types.Task{Subject: "crit", Priority: types.PriorityCritical, CreatedAt: base.Add(time.Second)})
	highOld := mustAdd(t, q, types.Task{Subject: "high-old", Priority: types.PriorityHigh, CreatedAt: base.Add(2 * time.Second)})
	_ = mustAdd(t, q, types.Task{Subject: "high-new", Priority: types.PriorityHigh, CreatedAt: base.Add(3 * time.Second)})

	runnable := q.Runnable()
	if len(runnable) != 2 {
		t.Fatalf("runnable = %d tasks, want 2 (max_concurrent)", len(runnable))
	}
	if runnable[0].ID != crit.ID {
		t.Errorf("first runnable = %s, want critical", runnable[0].Subject)
	}
	if runnable[1].ID != highOld.ID {
		t.Errorf("second runnable = %s, want older high", runnable[1].Subject)
	}
	_ = low
}

func TestRunnableExcludesUnmetDependencies(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a"})
	b := mustAdd(t, q, types.Task{Subject: "b", DependsOn: []string{a.ID}})

	ids := map[string]bool{}
	for _, task := range q.Runnable() {
		ids[task.ID] = true
	}
	if ids[b.ID] {
		t.Error("b runnable before a completed")
	}

	if err := q.Start(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(a.ID); err != nil {
		t.Fatal(err)
	}

	ids = map[string]bool{}
	for _, task := range q.Runnable() {
		ids[task.ID] = true
	}
	if !ids[b.ID] {
		t.Error("b not runnable after a completed")
	}
}

func TestStartRequiresCompletedDeps(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a"})
	b := mustAdd(t, q, types.Task{Subject: "b", DependsOn: []string{a.ID}})

	if err := q.Start(b.ID); !errors.Is(err, ErrBadStatus) {
		t.Errorf("start with pending dep: err = %v, want ErrBadStatus", err)
	}
}

func TestLifecycleInvariants(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a"})

	// completed/failed require a prior running.
	if err := q.Complete(a.ID); !errors.Is(err, ErrBadStatus) {
		t.Errorf("complete before start: %v", err)
	}
	if err := q.Fail(a.ID, fmt.Errorf("x"), false); !errors.Is(err, ErrBadStatus) {
		t.Errorf("fail before start: %v", err)
	}

	if err := q.Start(a.ID); err != nil {
		t.Fatal(err)
	}
	// running cannot be started twice.
	if err := q.Start(a.ID); !errors.Is(err, ErrBadStatus) {
		t.Errorf("double start: %v", err)
	}
	if err := q.Complete(a.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := q.Get(a.ID)
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Error("timestamps not recorded")
	}
	if got.StartedAt.After(*got.CompletedAt) {
		t.Error("started after completed")
	}
}

func TestFailRetryBudget(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a", MaxRetries: 2})

	for attempt := 0; attempt < 2; attempt++ {
		if err := q.Start(a.ID); err != nil {
			t.Fatal(err)
		}
		if err := q.Fail(a.ID, fmt.Errorf("boom %d", attempt), true); err != nil {
			t.Fatal(err)
		}
		got, _ := q.Get(a.ID)
		if got.Status != types.TaskPending {
			t.Fatalf("attempt %d: status = %s, want pending", attempt, got.Status)
		}
		if got.Retries != attempt+1 {
			t.Fatalf("attempt %d: retries = %d", attempt, got.Retries)
		}
	}

	// Third failure exhausts the budget.
	if err := q.Start(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(a.ID, fmt.Errorf("boom final"), true); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(a.ID)
	if got.Status != types.TaskFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.Retries > got.MaxRetries {
		t.Errorf("retries %d exceeds max %d", got.Retries, got.MaxRetries)
	}
}

func TestZeroMaxRetriesFailsImmediately(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a", MaxRetries: 0})
	if err := q.Start(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(a.ID, fmt.Errorf("boom"), true); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(a.ID)
	if got.Status != types.TaskFailed {
		t.Errorf("status = %s, want failed on first failure", got.Status)
	}
}

func TestSkipLeavesCompletedFailedCountsUnchanged(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a"})

	before := q.Counts()
	if err := q.Skip(a.ID); err != nil {
		t.Fatal(err)
	}
	after := q.Counts()

	if after.Completed != before.Completed || after.Failed != before.Failed {
		t.Errorf("skip changed completed/failed: before %+v after %+v", before, after)
	}
	if after.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", after.Skipped)
	}
}

func TestRetryFromFailedAndBlocked(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a", MaxRetries: 1})

	if err := q.Start(a.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Fail(a.ID, fmt.Errorf("x"), false); err != nil {
		t.Fatal(err)
	}
	if err := q.Retry(a.ID); err != nil {
		t.Fatalf("retry failed task: %v", err)
	}
	got, _ := q.Get(a.ID)
	if got.Status != types.TaskPending || got.Retries != 1 {
		t.Errorf("after retry: status=%s retries=%d", got.Status, got.Retries)
	}

	b := mustAdd(t, q, types.Task{Subject: "b"})
	if err := q.Block(b.ID, "waiting on review"); err != nil {
		t.Fatal(err)
	}
	if err := q.Retry(b.ID); err != nil {
		t.Fatalf("retry blocked task: %v", err)
	}
	got, _ = q.Get(b.ID)
	if got.Status != types.TaskPending || got.Retries != 0 {
		t.Errorf("blocked retry should not consume budget: status=%s retries=%d", got.Status, got.Retries)
	}
}

func TestTaskEventsPublished(t *testing.T) {
	b := bus.New()
	rec := &bus.Recorder{}
	b.SubscribeAll(rec.Handler())

	q := New("s1", 3, b)
	a := mustAdd(t, q, types.Task{Subject: "a"})
	_ = q.Start(a.ID)
	_ = q.Complete(a.ID)

	c := mustAdd(t, q, types.Task{Subject: "c"})
	_ = q.Start(c.ID)
	_ = q.Fail(c.ID, fmt.Errorf("nope"), false)

	b.Close()

	for def, want := range map[bus.Def]int{
		bus.TaskCreated:   2,
		bus.TaskStarted:   2,
		bus.TaskCompleted: 1,
		bus.TaskFailed:    1,
	} {
		if got := rec.Count(def); got != want {
			t.Errorf("%s count = %d, want %d", def.Name, got, want)
		}
	}
}

func TestTopoSortOrdersDependencies(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a"})
	b := mustAdd(t, q, types.Task{Subject: "b", DependsOn: []string{a.ID}})
	c := mustAdd(t, q, types.Task{Subject: "c", DependsOn: []string{a.ID, b.ID}})

	sorted := q.TopoSort()
	pos := map[string]int{}
	for i, id := range sorted {
		pos[id] = i
	}
	if !(pos[a.ID] < pos[b.ID] && pos[b.ID] < pos[c.ID]) {
		t.Errorf("topo order wrong: %v", sorted)
	}
}

func TestTopoSortPanicsOnCycle(t *testing.T) {
	q := New("s1", 3, nil)
	// A cycle cannot be built through Add, so restore a corrupt snapshot.
	q.RestoreSnapshot([]types.Task{
		{ID: "t1", Status: types.TaskPending, DependsOn: []string{"t2"}, Dependents: []string{"t2"}},
		{ID: "t2", Status: types.TaskPending, DependsOn: []string{"t1"}, Dependents: []string{"t1"}},
	})
	defer func() {
		if recover() == nil {
			t.Error("expected panic on dependency cycle")
		}
	}()
	q.TopoSort()
}

func TestSnapshotRoundTrip(t *testing.T) {
	q := New("s1", 3, nil)
	a := mustAdd(t, q, types.Task{Subject: "a", Priority: types.PriorityHigh})
	_ = mustAdd(t, q, types.Task{Subject: "b", DependsOn: []string{a.ID}})
	_ = q.Start(a.ID)
	_ = q.Complete(a.ID)

	snap := q.Snapshot()

	q2 := New("s1", 3, nil)
	q2.RestoreSnapshot(snap)

	if q2.Counts() != q.Counts() {
		t.Errorf("counts differ: %+v vs %+v", q2.Counts(), q.Counts())
	}
	snap2 := q2.Snapshot()
	if len(snap2) != len(snap) {
		t.Fatalf("snapshot length %d != %d", len(snap2), len(snap))
	}
	for i := range snap {
		if snap[i].ID != snap2[i].ID || snap[i].Status != snap2[i].Status {
			t.Errorf("task %d differs after round trip", i)
		}
	}
}

func TestRunRunnableRespectsConcurrencyCap(t *testing.T) {
	q := New("s1", 2, nil)
	for i := 0; i < 6; i++ {
		mustAdd(t, q, types.Task{Subject: fmt.Sprintf("t%d", i)})
	}

	var mu sync.Mutex
	inFlight, peak := 0, 0

	// Each call drains one runnable batch of at most 2.
	for q.Counts().Pending > 0 {
		err := q.RunRunnable(context.Background(), func(ctx context.Context, task types.Task) error {
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds cap 2", peak)
	}
	if got := q.Counts().Completed; got != 6 {
		t.Errorf("completed = %d, want 6", got)
	}
}
