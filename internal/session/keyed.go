package session

import (
	"context"
	"sync"
)

// KeyedExecutor serializes work per key. Calls for the same key run
// strictly in arrival order; different keys run concurrently. Each call
// chains on the previous call's completion, and completion is signalled
// unconditionally so a failed or cancelled call does not poison the chain.
type KeyedExecutor struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyedExecutor creates an executor with no pending work.
func NewKeyedExecutor() *KeyedExecutor {
	return &KeyedExecutor{tails: make(map[string]chan struct{})}
}

// Do runs fn after all previously enqueued work for key has completed.
// If ctx expires while waiting, fn never runs and the ctx error is
// returned; the chain advances regardless.
func (e *KeyedExecutor) Do(ctx context.Context, key string, fn func() error) error {
	done := make(chan struct{})

	e.mu.Lock()
	prev := e.tails[key]
	e.tails[key] = done
	e.mu.Unlock()

	defer func() {
		close(done)
		e.mu.Lock()
		if e.tails[key] == done {
			delete(e.tails, key)
		}
		e.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fn()
}
