// Package memory implements the full-capability in-process backend: a
// mutex-guarded map with per-entry expiry, a tag index, glob pattern
// invalidation, and a background sweep loop.
package memory

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/unkn0wn-root/rescache/backend"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero => never
	tags      []string
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Config tunes the store. The zero value is usable.
type Config struct {
	// CleanupInterval drives the background sweep of expired entries.
	// 0 disables the sweeper; expired entries are still dropped lazily
	// on access.
	CleanupInterval time.Duration

	// Now overrides the time source (tests). nil => time.Now.
	Now func() time.Time
}

// Backend is the in-memory variant. Implements every optional capability.
type Backend struct {
	mu    sync.RWMutex
	items map[string]entry
	tags  map[string]map[string]struct{} // tag -> keys
	now   func() time.Time

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

var (
	_ backend.Backend            = (*Backend)(nil)
	_ backend.Prober             = (*Backend)(nil)
	_ backend.TTLReader          = (*Backend)(nil)
	_ backend.Expirer            = (*Backend)(nil)
	_ backend.Batcher            = (*Backend)(nil)
	_ backend.Flusher            = (*Backend)(nil)
	_ backend.PatternInvalidator = (*Backend)(nil)
	_ backend.TagInvalidator     = (*Backend)(nil)
	_ backend.Pinger             = (*Backend)(nil)
)

func New(cfg Config) *Backend {
	b := &Backend{
		items: make(map[string]entry),
		tags:  make(map[string]map[string]struct{}),
		now:   cfg.Now,
	}
	if b.now == nil {
		b.now = time.Now
	}
	if cfg.CleanupInterval > 0 {
		b.ticker = time.NewTicker(cfg.CleanupInterval)
		b.stopCh = make(chan struct{})
		b.wg.Add(1)
		go b.sweepLoop()
	}
	return b
}

func (b *Backend) sweepLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ticker.C:
			b.sweep()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Backend) sweep() {
	now := b.now()
	b.mu.Lock()
	for k, e := range b.items {
		if e.expired(now) {
			b.dropLocked(k, e)
		}
	}
	b.mu.Unlock()
}

// dropLocked removes k and its tag index entries. Caller holds b.mu.
func (b *Backend) dropLocked(k string, e entry) {
	delete(b.items, k)
	for _, t := range e.tags {
		if set := b.tags[t]; set != nil {
			delete(set, k)
			if len(set) == 0 {
				delete(b.tags, t)
			}
		}
	}
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	e, ok := b.items[key]
	b.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(b.now()) {
		b.mu.Lock()
		if cur, ok := b.items[key]; ok && cur.expired(b.now()) {
			b.dropLocked(key, cur)
		}
		b.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *Backend) Set(_ context.Context, key string, item backend.Entry) error {
	var exp time.Time
	if item.TTL > 0 {
		exp = b.now().Add(item.TTL)
	}
	b.mu.Lock()
	if old, ok := b.items[key]; ok {
		b.dropLocked(key, old)
	}
	b.items[key] = entry{value: item.Value, expiresAt: exp, tags: item.Tags}
	for _, t := range item.Tags {
		set := b.tags[t]
		if set == nil {
			set = make(map[string]struct{})
			b.tags[t] = set
		}
		set[key] = struct{}{}
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) Del(_ context.Context, key string) error {
	b.mu.Lock()
	if e, ok := b.items[key]; ok {
		b.dropLocked(key, e)
	}
	b.mu.Unlock()
	return nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *Backend) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	now := b.now()
	b.mu.RLock()
	e, ok := b.items[key]
	b.mu.RUnlock()
	if !ok || e.expired(now) {
		return 0, false, nil
	}
	if e.expiresAt.IsZero() {
		return 0, true, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

func (b *Backend) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.items[key]
	if !ok || e.expired(now) {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	b.items[key] = e
	return true, nil
}

func (b *Backend) GetMulti(ctx context.Context, ks []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ks))
	for _, k := range ks {
		if v, ok, _ := b.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (b *Backend) SetMulti(ctx context.Context, entries map[string]backend.Entry) error {
	for k, e := range entries {
		if err := b.Set(ctx, k, e); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) Flush(_ context.Context) error {
	b.mu.Lock()
	b.items = make(map[string]entry)
	b.tags = make(map[string]map[string]struct{})
	b.mu.Unlock()
	return nil
}

func (b *Backend) InvalidateByPattern(_ context.Context, pattern string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for k, e := range b.items {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return removed, err
		}
		if ok {
			b.dropLocked(k, e)
			removed++
		}
	}
	return removed, nil
}

func (b *Backend) InvalidateByTags(_ context.Context, tags []string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for _, t := range tags {
		for k := range b.tags[t] {
			if e, ok := b.items[k]; ok {
				b.dropLocked(k, e)
				removed++
			}
		}
	}
	return removed, nil
}

func (b *Backend) Ping(context.Context) error { return nil }

// Len returns the live entry count (expired-but-unswept entries included).
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Close stops the sweeper. Safe to call multiple times.
func (b *Backend) Close(context.Context) error {
	b.once.Do(func() {
		if b.stopCh != nil {
			close(b.stopCh)
			b.wg.Wait()
			b.ticker.Stop()
		}
	})
	return nil
}
