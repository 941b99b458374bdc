package asyncevents

import (
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/rescache/breaker"
)

type countingSink struct {
	mu     sync.Mutex
	hits   int
	errors int
	states int
}

func (s *countingSink) Hit(string, time.Duration, bool) {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}
func (s *countingSink) Miss(string, time.Duration)   {}
func (s *countingSink) Set(string, time.Duration)    {}
func (s *countingSink) Delete(string, time.Duration) {}
func (s *countingSink) Error(string, time.Duration, error) {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}
func (s *countingSink) StateChange(string, breaker.State, breaker.State) {
	s.mu.Lock()
	s.states++
	s.mu.Unlock()
}

func TestDeliveryAndCloseDrain(t *testing.T) {
	inner := &countingSink{}
	s := New(inner, 2, 100)

	for i := 0; i < 50; i++ {
		s.Hit("k", time.Millisecond, false)
	}
	s.Error("k", time.Millisecond, nil)
	s.StateChange("cb", breaker.StateClosed, breaker.StateOpen)

	s.Close() // drains the queue before returning

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if inner.hits != 50 || inner.errors != 1 || inner.states != 1 {
		t.Fatalf("delivered hits=%d errors=%d states=%d", inner.hits, inner.errors, inner.states)
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	inner := &countingSink{}
	s := New(inner, 1, 1)

	release := make(chan struct{})
	s.try(func() { <-release }) // occupy the single worker

	// worker busy, queue capacity 1: anything past the first queued event
	// must drop without blocking the caller
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			s.Hit("k", 0, false)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emission blocked on a full queue")
	}

	close(release)
	s.Close()

	inner.mu.Lock()
	defer inner.mu.Unlock()
	if inner.hits > 1 {
		t.Fatalf("delivered %d hits, want at most 1 with a full queue", inner.hits)
	}
}

func TestCloseIdempotent(t *testing.T) {
	s := New(&countingSink{}, 1, 10)
	s.Close()
	s.Close()
}
