package queue

import (
	"context"
	"time"

	"github.com/reelpair/reelpair/internal/job"
)

// expirer is implemented by kv backends that must purge expired rows
// themselves.
type expirer interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func (s *Service) cleanupLoop(ctx context.Context) {
	interval := s.opts.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Cleanup(ctx)
		}
	}
}

// Cleanup purges the files of terminal jobs past the retention window and
// flags them so retry and download report ErrInputsGone. Records themselves
// expire with the durable TTL; local copies of expired records are dropped.
func (s *Service) Cleanup(ctx context.Context) int {
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		s.logger.Warn("cleanup: list jobs", "error", err)
		return 0
	}

	live := make(map[string]bool, len(all))
	purged := 0
	cutoff := s.now().Add(-s.opts.Retention)
	for _, j := range all {
		live[j.ID] = true
		if !expired(j, cutoff) {
			continue
		}
		// The local copy may predate a retry by another process.
		cur, err := s.store.Refresh(ctx, j.ID)
		if err != nil || !expired(cur, cutoff) || s.isActive(cur.ID) {
			continue
		}
		if s.ws != nil && cur.WorkDir != "" {
			if err := s.ws.Remove(cur.WorkDir); err != nil {
				s.logger.Warn("cleanup: remove files", "job_id", cur.ID, "error", err)
				continue
			}
		}
		if _, err := s.store.Update(cur.ID, func(j *job.Job) error {
			if !j.Status.IsTerminal() {
				return ErrInvalidState
			}
			j.InputsPurged = true
			return nil
		}); err != nil {
			continue
		}
		purged++
	}
	s.store.Flush(ctx)

	for _, j := range s.store.List() {
		if !live[j.ID] && j.Status.IsTerminal() {
			s.store.Forget(j.ID)
		}
	}

	if e, ok := s.kv.(expirer); ok {
		if n, err := e.PurgeExpired(ctx); err != nil {
			s.logger.Warn("cleanup: purge expired records", "error", err)
		} else if n > 0 {
			s.logger.Debug("cleanup: purged expired records", "rows", n)
		}
	}
	if purged > 0 {
		s.logger.Info("cleanup: purged job files", "jobs", purged)
	}
	return purged
}

// expired reports whether j is a terminal job whose files outlived cutoff.
func expired(j *job.Job, cutoff time.Time) bool {
	return j.Status.IsTerminal() && !j.InputsPurged && j.FinishedAt != nil && !j.FinishedAt.After(cutoff)
}

// evict deletes the oldest terminal jobs while the number of tracked jobs is
// at or above the capacity ceiling.
func (s *Service) evict(ctx context.Context) {
	if s.opts.MaxJobs <= 0 {
		return
	}
	all, err := s.store.LoadAll(ctx)
	if err != nil {
		s.logger.Warn("evict: list jobs", "error", err)
		return
	}
	count := len(all)
	for i := len(all) - 1; i >= 0 && count >= s.opts.MaxJobs; i-- {
		j := all[i]
		if !j.Status.IsTerminal() {
			continue
		}
		if err := s.remove(ctx, j); err != nil {
			s.logger.Warn("evict job", "job_id", j.ID, "error", err)
			continue
		}
		s.logger.Info("evicted job for capacity", "job_id", j.ID)
		count--
	}
}
