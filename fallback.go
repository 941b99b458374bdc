package rescache

import (
	"path"
	"sync"
	"time"
)

// fallbackEntry is one last-known-good value. Expiry is always bounded by
// the store's maxTTL regardless of the primary entry's TTL.
type fallbackEntry[V any] struct {
	val       V
	expiresAt time.Time
}

// fallbackStore holds last-known-good values consulted only while the
// primary backend is failing. Written exclusively by the orchestrator;
// callers never touch it directly, so the primary and fallback views
// cannot diverge through caller writes.
type fallbackStore[V any] struct {
	mu         sync.RWMutex
	entries    map[string]fallbackEntry[V]
	maxTTL     time.Duration
	maxEntries int
	now        func() time.Time

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func newFallbackStore[V any](maxTTL time.Duration, maxEntries int, sweep time.Duration, now func() time.Time) *fallbackStore[V] {
	s := &fallbackStore[V]{
		entries:    make(map[string]fallbackEntry[V]),
		maxTTL:     maxTTL,
		maxEntries: maxEntries,
		now:        now,
	}
	if sweep > 0 {
		s.ticker = time.NewTicker(sweep)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s
}

func (s *fallbackStore[V]) sweepLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *fallbackStore[V]) sweep() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// put stores a last-known-good value. ttl is clamped to maxTTL; ttl <= 0
// means "use maxTTL". When the store is full, the entry closest to expiry
// makes room.
func (s *fallbackStore[V]) put(key string, v V, ttl time.Duration) {
	if ttl <= 0 || ttl > s.maxTTL {
		ttl = s.maxTTL
	}
	now := s.now()
	s.mu.Lock()
	if _, exists := s.entries[key]; !exists && s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldestLocked()
	}
	s.entries[key] = fallbackEntry[V]{val: v, expiresAt: now.Add(ttl)}
	s.mu.Unlock()
}

// evictOldestLocked removes the entry with the nearest expiry. Caller
// holds s.mu.
func (s *fallbackStore[V]) evictOldestLocked() {
	var (
		victim string
		oldest time.Time
		found  bool
	)
	for k, e := range s.entries {
		if !found || e.expiresAt.Before(oldest) {
			victim, oldest, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(s.entries, victim)
	}
}

// get returns the last-known-good value if present and unexpired.
func (s *fallbackStore[V]) get(key string) (V, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[key]; ok && s.now().After(cur.expiresAt) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.val, true
}

func (s *fallbackStore[V]) delete(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// deletePattern purges entries whose key matches the glob pattern.
func (s *fallbackStore[V]) deletePattern(pattern string) {
	s.mu.Lock()
	for k := range s.entries {
		if ok, err := path.Match(pattern, k); err == nil && ok {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

func (s *fallbackStore[V]) flush() {
	s.mu.Lock()
	s.entries = make(map[string]fallbackEntry[V])
	s.mu.Unlock()
}

func (s *fallbackStore[V]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *fallbackStore[V]) close() {
	s.once.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.wg.Wait()
			s.ticker.Stop()
		}
	})
}
