// Package queue runs the render queue: submission, the single-flight drain
// loop guarded by the worker lock, recovery of orphaned jobs, retry,
// deletion, cleanup and live event fan-out.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reelpair/reelpair/internal/controls"
	"github.com/reelpair/reelpair/internal/ffmpeg"
	"github.com/reelpair/reelpair/internal/job"
	"github.com/reelpair/reelpair/internal/kv"
	"github.com/reelpair/reelpair/internal/metrics"
	"github.com/reelpair/reelpair/internal/render"
	"github.com/reelpair/reelpair/internal/webhook"
	"github.com/reelpair/reelpair/internal/workspace"
)

// Processor renders one job.
type Processor interface {
	Process(ctx context.Context, j *job.Job, r render.Reporter) render.Outcome
	CheckDuration(slot int, p ffmpeg.Probe) error
}

// Prober reads clip facts at submission time.
type Prober interface {
	Probe(ctx context.Context, path string) (ffmpeg.Probe, error)
}

// Options are the tunables of a Service.
type Options struct {
	QueueSize       int
	MaxJobs         int
	Retention       time.Duration
	CleanupInterval time.Duration
	PollInterval    time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	KV        kv.Store
	Store     *job.Store
	Lock      WorkerLock
	Processor Processor
	Prober    Prober
	Workspace *workspace.Workspace
	Metrics   *metrics.Metrics
	Notifier  *webhook.Notifier
	Logger    *slog.Logger
}

// Service is constructed once per process.
type Service struct {
	opts      Options
	kv        kv.Store
	store     *job.Store
	pending   *Pending
	lock      WorkerLock
	processor Processor
	prober    Prober
	ws        *workspace.Workspace
	metrics   *metrics.Metrics
	notifier  *webhook.Notifier
	logger    *slog.Logger
	now       func() time.Time

	kick chan struct{}

	// active is the job this process is rendering, "" when idle.
	activeMu  sync.Mutex
	active    string
	lockOwned bool

	subsMu sync.RWMutex
	subs   map[string][]chan SSEEvent

	bgCtx context.Context
	wg    sync.WaitGroup
}

func New(opts Options, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		opts:      opts,
		kv:        deps.KV,
		store:     deps.Store,
		pending:   NewPending(deps.KV),
		lock:      deps.Lock,
		processor: deps.Processor,
		prober:    deps.Prober,
		ws:        deps.Workspace,
		metrics:   deps.Metrics,
		notifier:  deps.Notifier,
		logger:    logger,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		subs:      make(map[string][]chan SSEEvent),
		bgCtx:     context.Background(),
	}
}

// Start launches the drain loop and the cleanup loop. They stop when ctx is
// done; Wait blocks until they have.
func (s *Service) Start(ctx context.Context) {
	s.bgCtx = ctx
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.drainLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.cleanupLoop(ctx)
	}()
	s.Kick()
}

// Wait blocks until the background loops started by Start return.
func (s *Service) Wait() {
	s.wg.Wait()
	s.notifier.Wait()
}

// Kick asks the drain loop to run. It never blocks.
func (s *Service) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// drainLoop is the only goroutine that drains in this process. The ticker
// re-arms it so work left behind by a crashed holder in another process is
// picked up once that lock expires.
func (s *Service) drainLoop(ctx context.Context) {
	poll := s.opts.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
		if _, err := s.Drain(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("drain failed", "error", err)
		}
	}
}

// Drain processes pending jobs under the worker lock until the list is empty
// and returns how many jobs reached a terminal state. It returns 0 without
// error when another process holds the lock.
func (s *Service) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, ran, err := s.drainOnce(ctx)
		total += n
		if err != nil || !ran {
			return total, err
		}
		// Something may have been enqueued between the last peek and the
		// release.
		left, err := s.pending.Len(ctx)
		if err != nil || left == 0 || ctx.Err() != nil {
			return total, err
		}
	}
}

func (s *Service) drainOnce(ctx context.Context) (int, bool, error) {
	processed := 0
	ran, err := WithWorkerLock(ctx, s.lock, s.logger, func(ctx context.Context) error {
		s.setLockOwned(true)
		defer s.setLockOwned(false)

		for {
			if err := ctx.Err(); err != nil {
				return context.Cause(ctx)
			}
			id, ok, err := s.pending.Peek(ctx)
			if err != nil {
				return fmt.Errorf("peek pending: %w", err)
			}
			if !ok {
				return nil
			}
			finished, err := s.processHead(ctx, id)
			if err != nil {
				return err
			}
			if finished {
				processed++
			}
			if err := s.pending.Pop(ctx, id); err != nil {
				return err
			}
			s.updatePendingGauge(ctx)
		}
	})
	return processed, ran, err
}

// processHead renders id if it is still runnable. It reports whether the
// job reached a terminal state. An error means the job was interrupted and
// must stay at the head for recovery.
func (s *Service) processHead(ctx context.Context, id string) (bool, error) {
	s.setActive(id)
	defer s.setActive("")

	j, err := s.store.Refresh(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		s.logger.Warn("dropping unknown job id from pending list", "job_id", id)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	if j.Status == job.StatusProcessing {
		// We hold the lock, so nobody else is rendering it.
		s.logger.Info("resuming interrupted job", "job_id", id)
	}

	start := s.now()
	j, err = s.store.Update(id, func(j *job.Job) error {
		j.Status = job.StatusProcessing
		j.Progress = 0
		j.Message = "Processing"
		j.Error = ""
		j.StartedAt = &start
		return nil
	})
	if err != nil {
		return false, err
	}
	s.store.Flush(ctx)
	s.notify(id, statusEvent(j))
	s.logger.Info("processing job", "job_id", id, "mode", j.Controls.Mode)

	out := s.processor.Process(ctx, j, &reporter{s: s, id: id})
	if out.Err != nil && ctx.Err() != nil {
		s.logger.Warn("job interrupted", "job_id", id, "error", context.Cause(ctx))
		return false, context.Cause(ctx)
	}

	s.finish(ctx, id, out, s.now().Sub(start))
	return true, nil
}

func (s *Service) finish(ctx context.Context, id string, out render.Outcome, elapsed time.Duration) {
	finishedAt := s.now()
	j, err := s.store.Update(id, func(j *job.Job) error {
		j.FinishedAt = &finishedAt
		j.Warnings = append([]string{}, out.Warnings...)
		j.Attempt = out.Attempt
		if out.Err != nil {
			j.Status = job.StatusFailed
			j.Error = out.Err.Error()
			j.Message = "Render failed"
			return nil
		}
		j.Status = job.StatusCompleted
		j.Progress = render.ProgressDone
		j.Message = "Completed"
		return nil
	})
	if err != nil {
		s.logger.Warn("finalize job", "job_id", id, "error", err)
		return
	}
	s.store.Flush(ctx)

	if out.Err != nil {
		s.logger.Warn("job failed", "job_id", id, "error", out.Err)
	} else {
		s.logger.Info("job completed", "job_id", id, "attempt", out.Attempt, "warnings", len(out.Warnings), "elapsed", elapsed.Round(time.Millisecond))
	}
	s.metrics.JobFinished(string(j.Status), elapsed)
	s.notifyAndClose(id, resultEvent(j))
	s.notifier.JobFinished(s.bgCtx, j.Public())
}

// reporter funnels processor updates through the store.
type reporter struct {
	s  *Service
	id string
}

func (r *reporter) Progress(percent int, message string) {
	j, err := r.s.store.Update(r.id, func(j *job.Job) error {
		j.Progress = percent
		j.Message = message
		return nil
	})
	if err != nil {
		r.s.logger.Warn("record progress", "job_id", r.id, "error", err)
		return
	}
	r.s.notify(r.id, progressEvent(j))
}

func (r *reporter) Probed(slot int, p ffmpeg.Probe) {
	if _, err := r.s.store.Update(r.id, func(j *job.Job) error {
		j.ProbeCache[slot] = &p
		return nil
	}); err != nil {
		r.s.logger.Warn("record probe", "job_id", r.id, "error", err)
	}
}

func (s *Service) setActive(id string) {
	s.activeMu.Lock()
	s.active = id
	s.activeMu.Unlock()
}

func (s *Service) isActive(id string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active == id
}

func (s *Service) setLockOwned(owned bool) {
	s.activeMu.Lock()
	s.lockOwned = owned
	s.activeMu.Unlock()
	s.metrics.SetLockHeld(owned)
}

func (s *Service) ownsLock() bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.lockOwned
}

func (s *Service) updatePendingGauge(ctx context.Context) {
	if n, err := s.pending.Len(ctx); err == nil {
		s.metrics.SetPending(n)
	}
}

// SubmitRequest describes uploaded inputs already saved in the workspace.
type SubmitRequest struct {
	ID       string
	Controls controls.Controls
	WorkDir  string
	Inputs   [2]string
	Output   string
}

// Submit probes the inputs, enforces the queue and duration caps, persists
// a queued job and triggers a drain. Nothing is recorded when it fails.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*job.Job, error) {
	n, err := s.pending.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	if s.opts.QueueSize > 0 && n >= s.opts.QueueSize {
		return nil, fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, n)
	}

	var probes [2]*ffmpeg.Probe
	for slot, path := range req.Inputs {
		p, err := s.prober.Probe(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("probe input: %w", err)
		}
		if err := s.processor.CheckDuration(slot, p); err != nil {
			return nil, err
		}
		probes[slot] = &p
	}

	s.evict(ctx)

	j := job.New(req.ID, req.Controls, req.WorkDir, req.Inputs, req.Output, s.now())
	j.ProbeCache = probes
	s.store.Save(j)
	s.store.Flush(ctx)
	if err := s.pending.Enqueue(ctx, j.ID); err != nil {
		s.store.Remove(context.WithoutCancel(ctx), j.ID)
		return nil, err
	}
	s.metrics.JobSubmitted()
	s.updatePendingGauge(ctx)
	s.logger.Info("job submitted", "job_id", j.ID, "mode", j.Controls.Mode, "pending", n+1)
	s.Kick()
	return j, nil
}

// Status returns the freshest known state of id. Unless this process is
// rendering it, the local copy is refreshed from the durable store, terminal
// or not, since another process may have retried or finished it since.
// Orphaned jobs are reconciled.
func (s *Service) Status(ctx context.Context, id string) (*job.Job, error) {
	j, hydrated, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.isActive(id) {
		return j, nil
	}
	if !hydrated {
		if j, err = s.store.Refresh(ctx, id); err != nil {
			return nil, err
		}
	}
	return s.reconcile(ctx, j), nil
}

// reconcile demotes a processing job nobody is rendering and makes sure
// every queued job is on the pending list, then re-arms the drain loop.
func (s *Service) reconcile(ctx context.Context, j *job.Job) *job.Job {
	switch j.Status {
	case job.StatusProcessing:
		if s.isActive(j.ID) {
			return j
		}
		if !s.ownsLock() {
			held, err := s.lock.Held(ctx)
			if err != nil {
				s.logger.Warn("check worker lock", "error", err)
				return j
			}
			if held {
				// Another process is draining and is likely rendering it.
				return j
			}
		}
		demoted, err := s.store.Update(j.ID, func(j *job.Job) error {
			if j.Status != job.StatusProcessing {
				return nil
			}
			j.Status = job.StatusQueued
			j.Progress = 0
			j.Message = "Re-queued after an interrupted render"
			return nil
		})
		if err != nil {
			return j
		}
		s.store.Flush(ctx)
		s.logger.Warn("demoted orphaned job", "job_id", j.ID)
		j = demoted
	case job.StatusQueued:
	default:
		return j
	}

	if err := s.pending.Enqueue(ctx, j.ID); err != nil {
		s.logger.Warn("re-enqueue job", "job_id", j.ID, "error", err)
	}
	s.Kick()
	return j
}

// Recover reconciles every durable record. It runs at startup, before the
// drain loop, and picks up jobs stranded by a crashed process.
func (s *Service) Recover(ctx context.Context) (int, error) {
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	// Oldest first keeps the original FIFO order on re-enqueue.
	for i := len(all) - 1; i >= 0; i-- {
		j := all[i]
		if j.Status.IsTerminal() {
			continue
		}
		if _, ok := s.store.Local(j.ID); !ok {
			if _, _, err := s.store.Get(ctx, j.ID); err != nil {
				continue
			}
		}
		if s.reconcile(ctx, j).Status == job.StatusQueued {
			recovered++
		}
	}
	s.updatePendingGauge(ctx)
	if recovered > 0 {
		s.logger.Info("recovery complete", "jobs", recovered)
	}
	return recovered, nil
}

// WaitFor polls until id is terminal, reporting every observation to
// onUpdate.
func (s *Service) WaitFor(ctx context.Context, id string, interval time.Duration, onUpdate func(*job.Job)) (*job.Job, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		j, err := s.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			onUpdate(j)
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Retry re-queues a failed job whose inputs still exist. A job that is not
// failed is left untouched with ErrNotRetryable; one whose files were
// purged gets ErrInputsGone.
func (s *Service) Retry(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusFailed {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRetryable, j.Status)
	}
	if j.InputsPurged || !workspace.Exist(j.InputPaths[:]...) {
		return nil, ErrInputsGone
	}
	n, err := s.pending.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	if s.opts.QueueSize > 0 && n >= s.opts.QueueSize {
		return nil, fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, n)
	}

	j, err = s.store.Update(id, func(j *job.Job) error {
		if !j.Status.CanTransition(job.StatusQueued) || j.Status != job.StatusFailed {
			return fmt.Errorf("%w: status is %s", ErrNotRetryable, j.Status)
		}
		j.Status = job.StatusQueued
		j.Progress = 0
		j.Message = "Queued for retry"
		j.Warnings = []string{}
		j.Error = ""
		j.Attempt = ""
		j.StartedAt = nil
		j.FinishedAt = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.store.Flush(ctx)
	if err := s.pending.Enqueue(ctx, id); err != nil {
		return nil, err
	}
	s.updatePendingGauge(ctx)
	s.logger.Info("job re-queued", "job_id", id)
	s.Kick()
	return j, nil
}

// Output returns the rendered file of a completed job.
func (s *Service) Output(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusCompleted {
		return nil, fmt.Errorf("%w: status is %s", ErrNotReady, j.Status)
	}
	if j.InputsPurged || !workspace.Exist(j.OutputPath) {
		return nil, ErrInputsGone
	}
	return j, nil
}

// Delete removes a terminal job with its files.
func (s *Service) Delete(ctx context.Context, id string) error {
	j, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	if !j.Status.IsTerminal() {
		return fmt.Errorf("%w: status is %s", ErrInvalidState, j.Status)
	}
	return s.remove(ctx, j)
}

func (s *Service) remove(ctx context.Context, j *job.Job) error {
	if s.ws != nil && j.WorkDir != "" {
		if err := s.ws.Remove(j.WorkDir); err != nil {
			s.logger.Warn("remove job files", "job_id", j.ID, "error", err)
		}
	}
	if err := s.pending.Pop(ctx, j.ID); err != nil {
		s.logger.Warn("remove from pending", "job_id", j.ID, "error", err)
	}
	return s.store.Remove(ctx, j.ID)
}

// List returns locally known jobs, newest first.
func (s *Service) List() []*job.Job {
	return s.store.List()
}

// PendingCount returns the length of the pending list.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.pending.Len(ctx)
}
