package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reelpair/reelpair/internal/controls"
	"github.com/reelpair/reelpair/internal/ffmpeg"
	"github.com/reelpair/reelpair/internal/job"
	"github.com/reelpair/reelpair/internal/kv"
	"github.com/reelpair/reelpair/internal/render"
	"github.com/reelpair/reelpair/internal/workspace"
)

// fakeProber reports a fixed duration for every input.
type fakeProber struct {
	seconds float64
}

func (f fakeProber) Probe(context.Context, string) (ffmpeg.Probe, error) {
	d := f.seconds
	return ffmpeg.Probe{DurationSeconds: &d}, nil
}

// fakeProcessor stands in for the render pipeline.
type fakeProcessor struct {
	mu    sync.Mutex
	fail  bool
	calls map[string]int
	// gate, when set, blocks Process until closed or ctx is done.
	gate    chan struct{}
	started chan string

	// inFlight and peak may be shared across processors to observe
	// concurrency between simulated processes.
	inFlight *int32
	peak     *int32
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{calls: map[string]int{}, inFlight: new(int32), peak: new(int32)}
}

func (f *fakeProcessor) Process(ctx context.Context, j *job.Job, r render.Reporter) render.Outcome {
	n := atomic.AddInt32(f.inFlight, 1)
	defer atomic.AddInt32(f.inFlight, -1)
	for {
		p := atomic.LoadInt32(f.peak)
		if n <= p || atomic.CompareAndSwapInt32(f.peak, p, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[j.ID]++
	fail, gate, started := f.fail, f.gate, f.started
	f.mu.Unlock()

	r.Progress(render.ProgressAttemptFloor, "Rendering")
	if started != nil {
		started <- j.ID
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return render.Outcome{Err: ctx.Err()}
		}
	}
	if fail {
		return render.Outcome{Err: errors.New("encoder exploded")}
	}
	if err := os.WriteFile(j.OutputPath, []byte("mp4"), 0o644); err != nil {
		return render.Outcome{Err: err}
	}
	return render.Outcome{Attempt: "plain"}
}

func (f *fakeProcessor) CheckDuration(slot int, p ffmpeg.Probe) error {
	if d, ok := p.Duration(); ok && d > 121 {
		return fmt.Errorf("%w: slot %d is %.0fs", render.ErrClipTooLong, slot, d)
	}
	return nil
}

func (f *fakeProcessor) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeProcessor) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type harness struct {
	svc   *Service
	kv    kv.Store
	store *job.Store
	ws    *workspace.Workspace
	proc  *fakeProcessor
	lock  WorkerLock
}

func defaultOptions() Options {
	return Options{QueueSize: 20, MaxJobs: 100, Retention: time.Hour, CleanupInterval: time.Hour, PollInterval: time.Hour}
}

// newHarness builds one simulated process. Processes sharing shared and
// root behave like separate servers on one deployment.
func newHarness(t *testing.T, shared kv.Store, root string, opts Options, proc *fakeProcessor, seconds float64) *harness {
	t.Helper()
	store := job.NewStore(shared, time.Hour, slog.Default())
	t.Cleanup(store.Close)
	ws, err := workspace.New(root, 1<<20)
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	lock := NewKVLock(shared, 30*time.Second)
	svc := New(opts, Deps{
		KV:        shared,
		Store:     store,
		Lock:      lock,
		Processor: proc,
		Prober:    fakeProber{seconds: seconds},
		Workspace: ws,
	})
	return &harness{svc: svc, kv: shared, store: store, ws: ws, proc: proc, lock: lock}
}

func newSingle(t *testing.T) *harness {
	t.Helper()
	return newHarness(t, kv.NewMemory(), t.TempDir(), defaultOptions(), newFakeProcessor(), 10)
}

// submit writes two input files and submits them.
func (h *harness) submit(t *testing.T, id string) (*job.Job, error) {
	t.Helper()
	dir, err := h.ws.Create(id)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var inputs [2]string
	for i, name := range []string{workspace.BeforeFile, workspace.AfterFile} {
		inputs[i] = filepath.Join(dir, name+".mp4")
		if err := os.WriteFile(inputs[i], []byte("clip"), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	return h.svc.Submit(context.Background(), SubmitRequest{
		ID:       id,
		Controls: controls.Default(),
		WorkDir:  dir,
		Inputs:   inputs,
		Output:   filepath.Join(dir, workspace.OutputFile),
	})
}

func (h *harness) mustSubmit(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.submit(t, id)
	if err != nil {
		t.Fatalf("Submit(%s): %v", id, err)
	}
	return j
}

func (h *harness) status(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.svc.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status(%s): %v", id, err)
	}
	return j
}
