package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/reelpair/reelpair/internal/job"
	"github.com/reelpair/reelpair/internal/kv"
	"github.com/reelpair/reelpair/internal/workspace"
)

func TestSubmit_CreatesQueuedJob(t *testing.T) {
	t.Parallel()
	h := newSingle(t)

	j := h.mustSubmit(t, "j1")
	if j.Status != job.StatusQueued || j.Progress != 0 {
		t.Errorf("status=%s progress=%d, want queued/0", j.Status, j.Progress)
	}
	if j.ProbeCache[job.Before] == nil || j.ProbeCache[job.After] == nil {
		t.Error("probe cache should be filled at submission")
	}
	if n, _ := h.svc.PendingCount(context.Background()); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
	if _, err := h.store.Load(context.Background(), "j1"); err != nil {
		t.Errorf("job not durable after submit: %v", err)
	}
}

func TestDrain_CompletesJobsInOrder(t *testing.T) {
	t.Parallel()
	h := newSingle(t)
	h.mustSubmit(t, "a")
	h.mustSubmit(t, "b")

	order := make(chan string, 2)
	h.proc.started = order

	n, err := h.svc.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 2 {
		t.Fatalf("drained %d, want 2", n)
	}
	if first, second := <-order, <-order; first != "a" || second != "b" {
		t.Errorf("order = %s,%s, want a,b", first, second)
	}
	for _, id := range []string{"a", "b"} {
		j := h.status(t, id)
		if j.Status != job.StatusCompleted || j.Progress != 100 || len(j.Warnings) != 0 {
			t.Errorf("%s: status=%s progress=%d warnings=%v", id, j.Status, j.Progress, j.Warnings)
		}
		if j.FinishedAt == nil {
			t.Errorf("%s: FinishedAt not set", id)
		}
	}
	if n, _ := h.svc.PendingCount(context.Background()); n != 0 {
		t.Errorf("pending = %d after drain, want 0", n)
	}
	if held, _ := h.lock.Held(context.Background()); held {
		t.Error("worker lock still held after drain")
	}
}

func TestSubmit_QueueFull(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	opts.QueueSize = 2
	h := newHarness(t, kv.NewMemory(), t.TempDir(), opts, newFakeProcessor(), 10)
	h.mustSubmit(t, "a")
	h.mustSubmit(t, "b")

	if _, err := h.submit(t, "c"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if _, err := h.store.Load(context.Background(), "c"); !errors.Is(err, job.ErrNotFound) {
		t.Error("rejected submission must not leave a record")
	}
}

func TestSubmit_ClipTooLong(t *testing.T) {
	t.Parallel()
	h := newHarness(t, kv.NewMemory(), t.TempDir(), defaultOptions(), newFakeProcessor(), 130)

	if _, err := h.submit(t, "long"); !errors.Is(err, ErrClipTooLong) {
		t.Fatalf("err = %v, want ErrClipTooLong", err)
	}
	all, _ := h.store.LoadAll(context.Background())
	if len(all) != 0 {
		t.Errorf("records = %d, want 0", len(all))
	}
	if n, _ := h.svc.PendingCount(context.Background()); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

// Two processes share one kv store. While the first renders, the second must
// decline to drain, and no job is ever rendered twice or concurrently.
func TestWorkerLock_TwoProcessesRace(t *testing.T) {
	t.Parallel()
	shared := kv.NewMemory()
	root := t.TempDir()
	procA := newFakeProcessor()
	procB := newFakeProcessor()
	procB.inFlight, procB.peak = procA.inFlight, procA.peak

	a := newHarness(t, shared, root, defaultOptions(), procA, 10)
	b := newHarness(t, shared, root, defaultOptions(), procB, 10)

	gate := make(chan struct{})
	started := make(chan string, 1)
	procA.gate, procA.started = gate, started
	procB.gate, procB.started = gate, make(chan string, 10)

	a.mustSubmit(t, "j1")
	b.mustSubmit(t, "j2")

	var wg sync.WaitGroup
	wg.Add(1)
	var drainedA int
	go func() {
		defer wg.Done()
		drainedA, _ = a.svc.Drain(context.Background())
	}()
	<-started

	drainedB, err := b.svc.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain B: %v", err)
	}
	if drainedB != 0 {
		t.Errorf("process B drained %d jobs while A held the lock", drainedB)
	}
	if j := b.status(t, "j1"); j.Status != job.StatusProcessing {
		t.Errorf("B sees j1 as %s, want processing (no demotion while A holds the lock)", j.Status)
	}

	close(gate)
	wg.Wait()

	if drainedA != 2 {
		t.Errorf("process A drained %d, want 2", drainedA)
	}
	if peak := *procA.peak; peak != 1 {
		t.Errorf("peak concurrent renders = %d, want 1", peak)
	}
	for _, id := range []string{"j1", "j2"} {
		if c := procA.callCount(id) + procB.callCount(id); c != 1 {
			t.Errorf("%s rendered %d times, want 1", id, c)
		}
		if j := b.status(t, id); j.Status != job.StatusCompleted {
			t.Errorf("B sees %s as %s, want completed", id, j.Status)
		}
	}
}

func TestDrain_SkipsWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()
	shared := kv.NewMemory()
	h := newHarness(t, shared, t.TempDir(), defaultOptions(), newFakeProcessor(), 10)
	h.mustSubmit(t, "j1")

	other := NewKVLock(shared, time.Minute)
	if ok, _ := other.Acquire(context.Background()); !ok {
		t.Fatal("other lock should acquire")
	}

	n, err := h.svc.Drain(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("Drain = %d, %v; want 0, nil", n, err)
	}
	if h.proc.callCount("j1") != 0 {
		t.Error("job rendered without the lock")
	}
}

// A process crashes mid-render: its record says processing and the id is
// still at the head of the list. A fresh process demotes and finishes it.
func TestRecover_DemotesOrphanedJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := kv.NewMemory()
	root := t.TempDir()

	crashed := newHarness(t, shared, root, defaultOptions(), newFakeProcessor(), 10)
	crashed.mustSubmit(t, "j1")
	crashed.store.Update("j1", func(j *job.Job) error {
		j.Status = job.StatusProcessing
		j.Progress = 40
		return nil
	})
	crashed.store.Flush(ctx)

	fresh := newHarness(t, shared, root, defaultOptions(), newFakeProcessor(), 10)
	n, err := fresh.svc.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}
	j := fresh.status(t, "j1")
	if j.Status != job.StatusQueued || j.Progress != 0 {
		t.Errorf("after recovery: %s/%d, want queued/0", j.Status, j.Progress)
	}
	if ids, _ := fresh.svc.pending.List(ctx); len(ids) != 1 {
		t.Errorf("pending = %v, want j1 exactly once", ids)
	}

	if _, err := fresh.svc.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if j := fresh.status(t, "j1"); j.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", j.Status)
	}
}

func TestStatus_HydrationDemotesOrphan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := kv.NewMemory()
	root := t.TempDir()

	crashed := newHarness(t, shared, root, defaultOptions(), newFakeProcessor(), 10)
	crashed.mustSubmit(t, "j1")
	crashed.store.Update("j1", func(j *job.Job) error { j.Status = job.StatusProcessing; return nil })
	crashed.store.Flush(ctx)
	crashed.svc.pending.Pop(ctx, "j1")

	fresh := newHarness(t, shared, root, defaultOptions(), newFakeProcessor(), 10)
	j := fresh.status(t, "j1")
	if j.Status != job.StatusQueued {
		t.Fatalf("status = %s, want queued after hydration", j.Status)
	}
	if ok, _ := fresh.svc.pending.Contains(ctx, "j1"); !ok {
		t.Error("demoted job should be back on the pending list")
	}
	durable, _ := fresh.store.Load(ctx, "j1")
	if durable.Status != job.StatusQueued {
		t.Errorf("durable status = %s, want queued", durable.Status)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSingle(t)
	h.proc.setFail(true)
	h.mustSubmit(t, "j1")
	h.svc.Drain(ctx)

	j := h.status(t, "j1")
	if j.Status != job.StatusFailed || j.Error == "" {
		t.Fatalf("status=%s error=%q, want failed with error", j.Status, j.Error)
	}

	h.proc.setFail(false)
	j, err := h.svc.Retry(ctx, "j1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if j.Status != job.StatusQueued || j.Error != "" || j.Progress != 0 {
		t.Errorf("after retry: %+v", j)
	}
	h.svc.Drain(ctx)
	if j := h.status(t, "j1"); j.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed after retry", j.Status)
	}

	if _, err := h.svc.Retry(ctx, "j1"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("retry of completed job: err = %v, want ErrNotRetryable", err)
	}
	if _, err := h.svc.Retry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("retry of unknown job: err = %v, want ErrNotFound", err)
	}
}

// A process that once read a failed job must see a retry completed by
// another process, and must not act on its stale copy.
func TestStatus_SeesTerminalChangesFromOtherProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := kv.NewMemory()
	root := t.TempDir()
	a := newHarness(t, shared, root, defaultOptions(), newFakeProcessor(), 10)
	b := newHarness(t, shared, root, defaultOptions(), newFakeProcessor(), 10)

	a.proc.setFail(true)
	x := a.mustSubmit(t, "x")
	a.svc.Drain(ctx)
	if got := b.status(t, "x"); got.Status != job.StatusFailed {
		t.Fatalf("b sees %s, want failed", got.Status)
	}

	a.proc.setFail(false)
	if _, err := a.svc.Retry(ctx, "x"); err != nil {
		t.Fatalf("a.Retry: %v", err)
	}
	if got := b.status(t, "x"); got.Status != job.StatusQueued {
		t.Errorf("b sees %s after retry elsewhere, want queued", got.Status)
	}
	if err := b.svc.Delete(ctx, "x"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("b.Delete of a re-queued job: err = %v, want ErrInvalidState", err)
	}
	if !workspace.Exist(x.InputPaths[:]...) {
		t.Fatal("inputs of a re-queued job were removed")
	}

	if n, err := a.svc.Drain(ctx); err != nil || n != 1 {
		t.Fatalf("a.Drain = %d, %v", n, err)
	}
	if got := b.status(t, "x"); got.Status != job.StatusCompleted {
		t.Errorf("b sees %s, want completed", got.Status)
	}
	if _, err := b.svc.Retry(ctx, "x"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("b.Retry of a completed job: err = %v, want ErrNotRetryable", err)
	}

	b.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := b.svc.Cleanup(ctx); n != 1 {
		t.Fatalf("b.Cleanup purged %d, want 1", n)
	}
	durable, err := a.store.Load(ctx, "x")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if durable.Status != job.StatusCompleted || !durable.InputsPurged {
		t.Errorf("durable status=%s purged=%v, want completed and purged", durable.Status, durable.InputsPurged)
	}
	if calls := a.proc.callCount("x") + b.proc.callCount("x"); calls != 2 {
		t.Errorf("render calls = %d, want 2", calls)
	}
}

func TestRetry_InputsGone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSingle(t)
	h.proc.setFail(true)
	j := h.mustSubmit(t, "j1")
	h.svc.Drain(ctx)

	os.Remove(j.InputPaths[job.Before])

	if _, err := h.svc.Retry(ctx, "j1"); !errors.Is(err, ErrInputsGone) {
		t.Fatalf("err = %v, want ErrInputsGone", err)
	}
	if got := h.status(t, "j1"); got.Status != job.StatusFailed {
		t.Errorf("status = %s, retry must not mutate a job without inputs", got.Status)
	}
}

func TestCleanup_PurgesOldFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSingle(t)
	h.proc.setFail(true)
	j := h.mustSubmit(t, "j1")
	h.svc.Drain(ctx)

	h.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := h.svc.Cleanup(ctx); n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if workspace.Exist(j.InputPaths[job.Before]) {
		t.Error("input files survived cleanup")
	}
	if got := h.status(t, "j1"); !got.InputsPurged || got.Public().Retryable {
		t.Errorf("job after cleanup: purged=%v retryable=%v", got.InputsPurged, got.Public().Retryable)
	}
	if _, err := h.svc.Retry(ctx, "j1"); !errors.Is(err, ErrInputsGone) {
		t.Errorf("err = %v, want ErrInputsGone", err)
	}
	if n := h.svc.Cleanup(ctx); n != 0 {
		t.Errorf("second cleanup purged %d, want 0", n)
	}
}

func TestCleanup_SkipsUnfinishedJobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSingle(t)
	h.mustSubmit(t, "done")
	h.svc.Drain(ctx)
	waiting := h.mustSubmit(t, "waiting")

	if n := h.svc.Cleanup(ctx); n != 0 {
		t.Errorf("purged = %d, want 0 inside the retention window", n)
	}

	h.svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if n := h.svc.Cleanup(ctx); n != 1 {
		t.Errorf("purged = %d, want only the finished job", n)
	}
	if !workspace.Exist(waiting.InputPaths[:]...) {
		t.Error("queued job lost its inputs")
	}
}

func TestOutput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSingle(t)
	h.mustSubmit(t, "j1")

	if _, err := h.svc.Output(ctx, "j1"); !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady before completion", err)
	}
	h.svc.Drain(ctx)
	j, err := h.svc.Output(ctx, "j1")
	if err != nil {
		t.Fatalf("Output: %v", err)
	}
	if !workspace.Exist(j.OutputPath) {
		t.Error("output path does not exist")
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newSingle(t)
	j := h.mustSubmit(t, "j1")

	if err := h.svc.Delete(ctx, "j1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState while queued", err)
	}
	h.svc.Drain(ctx)
	if err := h.svc.Delete(ctx, "j1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(j.WorkDir); !os.IsNotExist(err) {
		t.Error("work dir survived delete")
	}
	if _, err := h.svc.Status(ctx, "j1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
}

func TestSubmit_EvictsOldestTerminal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	opts := defaultOptions()
	opts.MaxJobs = 2
	h := newHarness(t, kv.NewMemory(), t.TempDir(), opts, newFakeProcessor(), 10)

	base := time.Now()
	for i, id := range []string{"old", "newer"} {
		h.svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		h.mustSubmit(t, id)
	}
	h.svc.Drain(ctx)

	h.svc.now = func() time.Time { return base.Add(5 * time.Minute) }
	h.mustSubmit(t, "fresh")

	if _, err := h.svc.Status(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest terminal job should be evicted, err = %v", err)
	}
	for _, id := range []string{"newer", "fresh"} {
		if _, err := h.svc.Status(ctx, id); err != nil {
			t.Errorf("%s: %v", id, err)
		}
	}
}

func TestEvents_TerminalEventClosesChannel(t *testing.T) {
	t.Parallel()
	h := newSingle(t)
	h.mustSubmit(t, "j1")
	ch := h.svc.Subscribe("j1")

	h.svc.Drain(context.Background())

	var events []string
	for ev := range ch {
		events = append(events, ev.Event)
	}
	if len(events) < 3 {
		t.Fatalf("events = %v, want status, progress..., result", events)
	}
	if events[0] != "status" || events[len(events)-1] != "result" {
		t.Errorf("events = %v", events)
	}
}

func TestUnsubscribe_LeavesSnapshotsIntact(t *testing.T) {
	t.Parallel()
	h := newSingle(t)
	a, b, c := h.svc.Subscribe("j1"), h.svc.Subscribe("j1"), h.svc.Subscribe("j1")

	h.svc.subsMu.RLock()
	snapshot := h.svc.subs["j1"]
	h.svc.subsMu.RUnlock()

	h.svc.Unsubscribe("j1", a)
	if len(snapshot) != 3 || snapshot[0] != a || snapshot[1] != b || snapshot[2] != c {
		t.Fatal("Unsubscribe modified a subscriber list already handed to notify")
	}

	h.svc.notify("j1", SSEEvent{Event: "progress"})
	if len(a) != 0 || len(b) != 1 || len(c) != 1 {
		t.Errorf("buffered events a=%d b=%d c=%d, want 0 1 1", len(a), len(b), len(c))
	}

	h.svc.Unsubscribe("j1", b)
	h.svc.Unsubscribe("j1", c)
	h.svc.subsMu.RLock()
	_, ok := h.svc.subs["j1"]
	h.svc.subsMu.RUnlock()
	if ok {
		t.Error("empty subscriber list not removed")
	}
}

func TestWaitFor(t *testing.T) {
	t.Parallel()
	h := newSingle(t)
	h.mustSubmit(t, "j1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.svc.Start(ctx)

	wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
	defer wcancel()
	j, err := h.svc.WaitFor(wctx, "j1", 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if j.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", j.Status)
	}
	cancel()
	h.svc.Wait()
}

func TestDrain_ShutdownLeavesJobForRecovery(t *testing.T) {
	t.Parallel()
	h := newSingle(t)
	gate := make(chan struct{})
	started := make(chan string, 1)
	h.proc.gate, h.proc.started = gate, started
	h.mustSubmit(t, "j1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.svc.Drain(ctx)
	}()
	<-started
	cancel()
	<-done

	bg := context.Background()
	if ok, _ := h.svc.pending.Contains(bg, "j1"); !ok {
		t.Error("interrupted job must stay on the pending list")
	}
	if held, _ := h.lock.Held(bg); held {
		t.Error("lock must be released on shutdown")
	}
	j, _ := h.store.Load(bg, "j1")
	if j.Status != job.StatusProcessing {
		t.Errorf("durable status = %s, want processing until recovery", j.Status)
	}
}
