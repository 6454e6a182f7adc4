package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/stratdesk/lib/async"
)

// WriteBehind fronts a slow Store so callers never block on persistence.
// Writes are applied in order by a single background worker; reads observe
// queued writes before they reach the backing store.
type WriteBehind struct {
	next    Store
	pool    *async.Pool
	mu      sync.Mutex
	overlay map[string]pendingWrite
	seq     uint64

	applyMu sync.Mutex
	applied map[string]uint64
}

type pendingWrite struct {
	seq     uint64
	value   []byte
	deleted bool
}

// NewWriteBehind wraps next with a queue of the given depth. Failures are passed to onError.
func NewWriteBehind(next Store, queue int, onError func(error)) (*WriteBehind, error) {
	if next == nil {
		return nil, fmt.Errorf("write-behind cache: backing store required")
	}
	pool, err := async.NewPool(1, queue, async.WithErrorHandler(onError))
	if err != nil {
		return nil, fmt.Errorf("write-behind cache: %w", err)
	}
	return &WriteBehind{
		next:    next,
		pool:    pool,
		mu:      sync.Mutex{},
		overlay: make(map[string]pendingWrite),
		seq:     0,
		applyMu: sync.Mutex{},
		applied: make(map[string]uint64),
	}, nil
}

// Get returns a queued value when one exists, otherwise reads through.
func (w *WriteBehind) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey("cache/get", key); err != nil {
		return nil, err
	}
	w.mu.Lock()
	pending, ok := w.overlay[key]
	w.mu.Unlock()
	if ok {
		if pending.deleted {
			return nil, ErrNotFound(key)
		}
		return cloneBytes(pending.value), nil
	}
	return w.next.Get(ctx, key)
}

// Set queues the write. When the queue is full the write is applied synchronously.
func (w *WriteBehind) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey("cache/set", key); err != nil {
		return err
	}
	stored := cloneBytes(value)
	return w.enqueue(ctx, key, pendingWrite{value: stored}, func(taskCtx context.Context) error {
		return w.next.Set(taskCtx, key, stored)
	})
}

// Delete queues the removal.
func (w *WriteBehind) Delete(ctx context.Context, key string) error {
	if err := validateKey("cache/delete", key); err != nil {
		return err
	}
	return w.enqueue(ctx, key, pendingWrite{deleted: true}, func(taskCtx context.Context) error {
		return w.next.Delete(taskCtx, key)
	})
}

func (w *WriteBehind) enqueue(ctx context.Context, key string, write pendingWrite, apply func(context.Context) error) error {
	w.mu.Lock()
	w.seq++
	write.seq = w.seq
	w.overlay[key] = write
	w.mu.Unlock()

	task := func(context.Context) error {
		defer w.settle(key, write.seq)
		w.applyMu.Lock()
		defer w.applyMu.Unlock()
		// A synchronous fallback write may already have landed a newer value.
		if w.applied[key] > write.seq {
			return nil
		}
		// Queued writes must outlive the request that produced them.
		if err := apply(context.Background()); err != nil {
			return fmt.Errorf("write-behind %s: %w", key, err)
		}
		w.applied[key] = write.seq
		return nil
	}
	if err := w.pool.Submit(context.Background(), task); err != nil {
		return task(ctx)
	}
	return nil
}

func (w *WriteBehind) settle(key string, seq uint64) {
	w.mu.Lock()
	if current, ok := w.overlay[key]; ok && current.seq == seq {
		delete(w.overlay, key)
	}
	w.mu.Unlock()
}

// Flush waits for queued writes and stops the worker.
func (w *WriteBehind) Flush(ctx context.Context) error {
	return w.pool.Shutdown(ctx)
}
