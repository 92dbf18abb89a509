package queue

import (
	"context"
	"fmt"
	"slices"

	"github.com/reelpair/reelpair/internal/kv"
)

// PendingKey is the durable FIFO of job ids waiting to be rendered.
const PendingKey = "reelpair:pending"

// Pending is the FIFO of queued job ids.
type Pending struct {
	kv  kv.Store
	key string
}

func NewPending(store kv.Store) *Pending {
	return &Pending{kv: store, key: PendingKey}
}

// Enqueue appends id unless it is already waiting.
func (p *Pending) Enqueue(ctx context.Context, id string) error {
	ids, err := p.kv.Range(ctx, p.key)
	if err != nil {
		return fmt.Errorf("read pending: %w", err)
	}
	if slices.Contains(ids, id) {
		return nil
	}
	if err := p.kv.RPush(ctx, p.key, id); err != nil {
		return fmt.Errorf("enqueue %s: %w", id, err)
	}
	return nil
}

// Peek returns the head without removing it.
func (p *Pending) Peek(ctx context.Context) (string, bool, error) {
	return p.kv.Index(ctx, p.key, 0)
}

// Pop removes id, which is normally the head. Removing by value keeps a
// concurrent enqueue from another process intact.
func (p *Pending) Pop(ctx context.Context, id string) error {
	if _, err := p.kv.Remove(ctx, p.key, id); err != nil {
		return fmt.Errorf("pop %s: %w", id, err)
	}
	return nil
}

func (p *Pending) Len(ctx context.Context) (int, error) {
	return p.kv.Len(ctx, p.key)
}

func (p *Pending) List(ctx context.Context) ([]string, error) {
	return p.kv.Range(ctx, p.key)
}

// Contains reports whether id is waiting.
func (p *Pending) Contains(ctx context.Context, id string) (bool, error) {
	ids, err := p.kv.Range(ctx, p.key)
	if err != nil {
		return false, err
	}
	return slices.Contains(ids, id), nil
}
