package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reelpair/reelpair/internal/kv"
)

// KeyPrefix prefixes every durable job record.
const KeyPrefix = "reelpair:job:"

// ErrNotFound is returned when no record exists locally or durably.
var ErrNotFound = errors.New("job not found")

// Key returns the durable key of job id.
func Key(id string) string {
	return KeyPrefix + id
}

// Store keeps jobs in an in-process map and mirrors every change to a
// durable kv.Store. The map is updated synchronously; durable writes happen
// on a background persister and their failures are only logged.
type Store struct {
	kv     kv.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	jobs map[string]*Job

	// persistMu orders durable writes against Remove so a late write cannot
	// resurrect a deleted record.
	persistMu sync.Mutex
	dirtyMu   sync.Mutex
	dirty     map[string]struct{}
	wake      chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// NewStore starts the background persister. Call Close to flush and stop it.
func NewStore(store kv.Store, ttl time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		kv:      store,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		jobs:    make(map[string]*Job),
		dirty:   make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.persistLoop()
	return s
}

// Save replaces the local copy of j and schedules a durable write.
func (s *Store) Save(j *Job) {
	s.mu.Lock()
	s.jobs[j.ID] = j.Clone()
	s.mu.Unlock()
	s.markDirty(j.ID)
}

// Update applies fn to the local copy of id under the store lock, stamps
// UpdatedAt, and schedules a durable write. fn's error aborts the update.
func (s *Store) Update(id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	cur, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.jobs[id] = next
	out := next.Clone()
	s.mu.Unlock()

	s.markDirty(id)
	return out, nil
}

// Local returns the in-process copy of id.
func (s *Store) Local(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return j.Clone(), true
}

// Get returns id from the local map, falling back to the durable store. The
// hydrated result reports whether the job was brought in from the durable
// store by this call.
func (s *Store) Get(ctx context.Context, id string) (j *Job, hydrated bool, err error) {
	if j, ok := s.Local(id); ok {
		return j, false, nil
	}
	j, err = s.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	if cur, ok := s.jobs[id]; ok {
		// Another caller hydrated it first.
		s.mu.Unlock()
		return cur.Clone(), false, nil
	}
	s.jobs[id] = j.Clone()
	s.mu.Unlock()
	return j, true, nil
}

// Load reads id from the durable store only.
func (s *Store) Load(ctx context.Context, id string) (*Job, error) {
	data, ok, err := s.kv.Get(ctx, Key(id))
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	if j.Warnings == nil {
		j.Warnings = []string{}
	}
	return &j, nil
}

// Refresh reconciles the local copy of id with the durable record. The
// durable copy wins when it is newer and no local write is pending, which is
// how changes made by other processes become visible here. A record that
// vanished durably is forgotten locally.
func (s *Store) Refresh(ctx context.Context, id string) (*Job, error) {
	durable, err := s.Load(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		if local, ok := s.Local(id); ok {
			s.logger.Warn("refresh job failed, serving local copy", "job_id", id, "error", err)
			return local, nil
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	local, ok := s.jobs[id]
	if ok && s.isDirty(id) {
		return local.Clone(), nil
	}
	if durable == nil {
		delete(s.jobs, id)
		return nil, ErrNotFound
	}
	if ok && !durable.UpdatedAt.After(local.UpdatedAt) {
		return local.Clone(), nil
	}
	s.jobs[id] = durable.Clone()
	return durable, nil
}

// Remove deletes id locally and durably.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()

	s.dirtyMu.Lock()
	delete(s.dirty, id)
	s.dirtyMu.Unlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.kv.Delete(ctx, Key(id)); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// Forget drops the local copy of id without touching the durable record.
func (s *Store) Forget(id string) {
	s.mu.Lock()
	delete(s.jobs, id)
	s.mu.Unlock()
}

// List returns local jobs, newest first.
func (s *Store) List() []*Job {
	s.mu.RLock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	s.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

// LoadAll reads every live durable record, newest first. Undecodable records
// are logged and skipped.
func (s *Store) LoadAll(ctx context.Context) ([]*Job, error) {
	keys, err := s.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	out := make([]*Job, 0, len(keys))
	for _, k := range keys {
		j, err := s.Load(ctx, strings.TrimPrefix(k, KeyPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable job record", "key", k, "error", err)
			continue
		}
		out = append(out, j)
	}
	sortNewestFirst(out)
	return out, nil
}

// Count returns the number of locally tracked jobs.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Flush writes every pending change now.
func (s *Store) Flush(ctx context.Context) {
	s.persistDirty(ctx)
}

// Close flushes pending writes and stops the persister.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		s.persistDirty(context.Background())
	})
}

func (s *Store) markDirty(id string) {
	s.dirtyMu.Lock()
	s.dirty[id] = struct{}{}
	s.dirtyMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) isDirty(id string) bool {
	s.dirtyMu.Lock()
	defer s.dirtyMu.Unlock()
	_, ok := s.dirty[id]
	return ok
}

func (s *Store) persistLoop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.persistDirty(context.Background())
		}
	}
}

// persistDirty writes the current local state of every dirty id. Several
// updates to one job between wakeups collapse into a single write.
func (s *Store) persistDirty(ctx context.Context) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.dirtyMu.Lock()
	ids := s.dirty
	s.dirty = make(map[string]struct{})
	s.dirtyMu.Unlock()

	for id := range ids {
		j, ok := s.Local(id)
		if !ok {
			continue
		}
		data, err := json.Marshal(j)
		if err != nil {
			s.logger.Warn("encode job failed", "job_id", id, "error", err)
			continue
		}
		if err := s.kv.Set(ctx, Key(id), data, s.ttl); err != nil {
			s.logger.Warn("persist job failed", "job_id", id, "error", err)
			// Retried with the next change.
			s.dirtyMu.Lock()
			s.dirty[id] = struct{}{}
			s.dirtyMu.Unlock()
		}
	}
}

func sortNewestFirst(jobs []*Job) {
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].CreatedAt.After(jobs[b].CreatedAt)
	})
}
