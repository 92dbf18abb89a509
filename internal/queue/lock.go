package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/reelpair/reelpair/internal/kv"
)

// LockKey names the singleton worker lock entry.
const LockKey = "reelpair:worker-lock"

// ErrLockLost is the cancellation cause when a heartbeat finds the lock gone.
var ErrLockLost = errors.New("worker lock lost")

// WorkerLock guarantees at most one drain loop across all processes.
type WorkerLock interface {
	// Acquire takes the lock if nobody holds it.
	Acquire(ctx context.Context) (bool, error)
	// Refresh extends the lock while it is still ours.
	Refresh(ctx context.Context) (bool, error)
	// Release gives the lock up if it is still ours.
	Release(ctx context.Context) error
	// Held reports whether any process currently holds the lock.
	Held(ctx context.Context) (bool, error)
	// TTL is the expiry of an unrefreshed lock; zero means it never expires.
	TTL() time.Duration
}

// KVLock is a token lock in the shared kv store. The token is random per
// process so only the holder can refresh or release it.
type KVLock struct {
	kv    kv.Store
	key   string
	token []byte
	ttl   time.Duration
}

func NewKVLock(store kv.Store, ttl time.Duration) *KVLock {
	return &KVLock{kv: store, key: LockKey, token: []byte(uuid.NewString()), ttl: ttl}
}

func (l *KVLock) Acquire(ctx context.Context) (bool, error) {
	return l.kv.SetNX(ctx, l.key, l.token, l.ttl)
}

func (l *KVLock) Refresh(ctx context.Context) (bool, error) {
	return l.kv.CompareAndExpire(ctx, l.key, l.token, l.ttl)
}

func (l *KVLock) Release(ctx context.Context) error {
	_, err := l.kv.CompareAndDelete(ctx, l.key, l.token)
	return err
}

func (l *KVLock) Held(ctx context.Context) (bool, error) {
	_, ok, err := l.kv.Get(ctx, l.key)
	return ok, err
}

func (l *KVLock) TTL() time.Duration {
	return l.ttl
}

// FileLock is an advisory flock for deployments where every process shares
// one host. The kernel drops it when the holder dies, so it needs no TTL.
type FileLock struct {
	path string
	fl   *flock.Flock
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path, fl: flock.New(path)}
}

func (l *FileLock) Acquire(context.Context) (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return ok, nil
}

func (l *FileLock) Refresh(context.Context) (bool, error) {
	return l.fl.Locked(), nil
}

func (l *FileLock) Release(context.Context) error {
	return l.fl.Unlock()
}

// Held probes with a second descriptor, which conflicts with any holder,
// this process included.
func (l *FileLock) Held(context.Context) (bool, error) {
	if l.fl.Locked() {
		return true, nil
	}
	probe := flock.New(l.path)
	ok, err := probe.TryLock()
	if err != nil {
		return false, fmt.Errorf("probe lock %s: %w", l.path, err)
	}
	if ok {
		probe.Unlock()
		return false, nil
	}
	return true, nil
}

func (l *FileLock) TTL() time.Duration {
	return 0
}

// WithWorkerLock runs fn while holding lock, refreshing it every TTL/3. It
// reports false without calling fn when another process holds the lock. If a
// refresh finds the lock gone, or refreshes keep failing until a full TTL has
// passed since the last good one, fn's context is cancelled with ErrLockLost.
func WithWorkerLock(ctx context.Context, lock WorkerLock, logger *slog.Logger, fn func(ctx context.Context) error) (bool, error) {
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire worker lock: %w", err)
	}
	if !ok {
		return false, nil
	}

	workCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stopped := make(chan struct{})
	if ttl := lock.TTL(); ttl > 0 {
		go func() {
			defer close(stopped)
			ticker := time.NewTicker(ttl / 3)
			defer ticker.Stop()
			lastOK := time.Now()
			for {
				select {
				case <-workCtx.Done():
					return
				case <-ticker.C:
					still, err := lock.Refresh(workCtx)
					if err != nil {
						if workCtx.Err() != nil {
							return
						}
						// Past the TTL the lock may already belong to someone else.
						if since := time.Since(lastOK); since >= ttl {
							logger.Warn("worker lock unrefreshed past its ttl", "since", since.Round(time.Millisecond), "error", err)
							cancel(ErrLockLost)
							return
						}
						logger.Warn("worker lock refresh failed", "error", err)
						continue
					}
					if !still {
						logger.Warn("worker lock lost to another process")
						cancel(ErrLockLost)
						return
					}
					lastOK = time.Now()
				}
			}
		}()
	} else {
		close(stopped)
	}

	fnErr := fn(workCtx)
	cancel(nil)
	<-stopped

	if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("worker lock release failed", "error", err)
	}
	return true, fnErr
}
