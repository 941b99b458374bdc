// Package singleflight coalesces concurrent calls for the same key into a
// single execution whose outcome is shared by every caller.
//
// Unlike a cache, nothing is retained after a flight completes: the entry is
// removed synchronously on completion, success and failure alike, so a
// failed flight is never replayed to later callers and every new caller
// after completion starts a fresh attempt.
package singleflight

import (
	"context"
	"sync"
)

// flight is one in-progress execution shared by all concurrent callers.
type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
	subs int
}

// Group deduplicates work by key. The zero value is ready to use.
type Group[V any] struct {
	mu sync.Mutex
	m  map[string]*flight[V]
}

// Do invokes fn exactly once among all concurrently overlapping calls for
// key and returns the shared outcome. shared is true when this caller
// joined a flight started by another caller, or when at least one other
// caller joined this one.
//
// A joiner whose ctx expires before the flight completes receives ctx.Err
// while fn keeps running for the remaining callers. fn always receives the
// initiator's context.
func (g *Group[V]) Do(ctx context.Context, key string, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*flight[V])
	}
	if f, ok := g.m[key]; ok {
		f.subs++
		g.mu.Unlock()
		select {
		case <-f.done:
			return f.val, true, f.err
		case <-ctx.Done():
			var zero V
			return zero, true, ctx.Err()
		}
	}

	f := &flight[V]{done: make(chan struct{}), subs: 1}
	g.m[key] = f
	g.mu.Unlock()

	f.val, f.err = fn(ctx)

	g.mu.Lock()
	if g.m[key] == f {
		delete(g.m, key)
	}
	shared = f.subs > 1
	g.mu.Unlock()
	close(f.done)

	return f.val, shared, f.err
}

// InFlight reports whether a flight for key is currently executing.
func (g *Group[V]) InFlight(key string) bool {
	g.mu.Lock()
	_, ok := g.m[key]
	g.mu.Unlock()
	return ok
}

// Pending returns the number of keys with an executing flight.
func (g *Group[V]) Pending() int {
	g.mu.Lock()
	n := len(g.m)
	g.mu.Unlock()
	return n
}

// Subscribers returns how many callers are attached to key's flight,
// including the initiator. 0 when no flight exists.
func (g *Group[V]) Subscribers(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.m[key]; ok {
		return f.subs
	}
	return 0
}

// Forget detaches the current flight for key, if any. Callers already
// attached still receive its outcome; new callers start a fresh flight.
func (g *Group[V]) Forget(key string) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}
