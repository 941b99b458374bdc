// Package asyncevents decouples event delivery from cache hot paths.
// Events are queued onto a bounded channel served by worker goroutines;
// when the queue is full the event is dropped rather than blocking the
// cache.
//
//	sink := asyncevents.New(mySink, 1, 1000) // 1 worker, queue 1000
//	defer sink.Close()
package asyncevents

import (
	"sync"
	"time"

	"github.com/unkn0wn-root/rescache"
	"github.com/unkn0wn-root/rescache/breaker"
)

type Sink struct {
	inner rescache.EventSink
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ rescache.EventSink = (*Sink)(nil)

func New(inner rescache.EventSink, workers, qlen int) *Sink {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	s := &Sink{inner: inner, q: make(chan func(), qlen)}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer s.wg.Done()
			for f := range s.q {
				f()
			}
		}()
	}
	return s
}

// Close drains queued events and stops the workers.
func (s *Sink) Close() {
	s.once.Do(func() {
		close(s.q)
		s.wg.Wait()
	})
}

func (s *Sink) try(f func()) {
	select {
	case s.q <- f:
	default: // drop
	}
}

func (s *Sink) Hit(key string, lat time.Duration, stale bool) {
	s.try(func() { s.inner.Hit(key, lat, stale) })
}
func (s *Sink) Miss(key string, lat time.Duration) {
	s.try(func() { s.inner.Miss(key, lat) })
}
func (s *Sink) Set(key string, lat time.Duration) {
	s.try(func() { s.inner.Set(key, lat) })
}
func (s *Sink) Delete(key string, lat time.Duration) {
	s.try(func() { s.inner.Delete(key, lat) })
}
func (s *Sink) Error(key string, lat time.Duration, err error) {
	s.try(func() { s.inner.Error(key, lat, err) })
}
func (s *Sink) StateChange(name string, from, to breaker.State) {
	s.try(func() { s.inner.StateChange(name, from, to) })
}
