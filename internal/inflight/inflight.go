// Package inflight deduplicates concurrent operations that share a key.
//
// While an operation for a key is running, every additional caller with
// the same key waits for the original instead of starting a second
// execution, and all callers observe the identical outcome. The window
// is in-flight only: once an operation completes and its key is removed,
// the next caller starts a fresh execution. Nothing is cached.
package inflight

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Guard collapses concurrent same-key executions to one.
// The zero value is not usable; construct with New.
type Guard[T any] struct {
	mu     sync.Mutex
	active map[string]*tracker[T]
}

// tracker is the shared completion record for one in-flight key.
// result and err are written once by the owner before done is closed;
// waiters read them only after observing the close.
type tracker[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// New creates an empty Guard.
func New[T any]() *Guard[T] {
	return &Guard[T]{active: make(map[string]*tracker[T])}
}

// Execute runs op under key. The first caller for a key becomes the
// owner and runs op; concurrent callers with the same key block until
// the owner finishes and then return the owner's result or error
// verbatim. A waiter whose own ctx ends before the owner finishes
// returns its ctx error without affecting the owner or other waiters.
//
// Completion is two separate critical sections: the owner signals the
// tracker first, then re-locks to remove the key. A caller arriving in
// between sees the already-signaled tracker and returns its outcome
// immediately without re-running op.
func (g *Guard[T]) Execute(ctx context.Context, key string, op func(context.Context) (T, error)) (T, error) {
	g.mu.Lock()
	if t, ok := g.active[key]; ok {
		g.mu.Unlock()
		select {
		case <-t.done:
			return t.result, t.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
	t := &tracker[T]{done: make(chan struct{})}
	g.active[key] = t
	g.mu.Unlock()

	defer func() {
		// Waiters must observe an outcome even if op panics.
		if r := recover(); r != nil {
			t.err = fmt.Errorf("inflight: %s: panic: %v", key, r)
			g.finish(key, t)
			panic(r)
		}
		g.finish(key, t)
	}()

	t.result, t.err = op(ctx)
	return t.result, t.err
}

// finish signals completion, then removes the key in its own critical
// section. The order is load-bearing: the signal must be observable
// before the key disappears.
func (g *Guard[T]) finish(key string, t *tracker[T]) {
	close(t.done)
	g.mu.Lock()
	delete(g.active, key)
	g.mu.Unlock()
}

// ActiveKeys returns a sorted snapshot of keys currently in flight.
func (g *Guard[T]) ActiveKeys() []string {
	g.mu.Lock()
	keys := make([]string, 0, len(g.active))
	for k := range g.active {
		keys = append(keys, k)
	}
	g.mu.Unlock()
	sort.Strings(keys)
	return keys
}
