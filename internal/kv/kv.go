// Package kv is the durable key-value layer shared by every reelpair process.
// It provides expiring values, set-if-absent and compare-and-swap style
// operations for the worker lock, and FIFO lists for the pending queue.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is implemented by the memory, SQLite and Redis backends.
// A ttl of zero means the value never expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SetNX stores value only when key is absent or expired.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndExpire resets the expiry of key only while it still holds value.
	CompareAndExpire(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete deletes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	RPush(ctx context.Context, key, value string) error
	Index(ctx context.Context, key string, i int) (string, bool, error)
	Range(ctx context.Context, key string) ([]string, error)
	Len(ctx context.Context, key string) (int, error)
	// Remove deletes every occurrence of value from the list and reports how many were removed.
	Remove(ctx context.Context, key, value string) (int, error)

	Close() error
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
