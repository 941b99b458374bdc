package singleflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSingleCallerPassesThrough(t *testing.T) {
	var g Group[string]
	v, shared, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
		return "v", nil
	})
	if err != nil || v != "v" || shared {
		t.Fatalf("Do = (%q, shared=%v, %v)", v, shared, err)
	}
	if g.Pending() != 0 {
		t.Fatalf("entry not removed after completion: pending = %d", g.Pending())
	}
}

func TestConcurrentCallersShareOneExecution(t *testing.T) {
	const callers = 1000

	var g Group[string]
	var invocations atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			v, _, err := g.Do(context.Background(), "X", func(context.Context) (string, error) {
				invocations.Add(1)
				<-release
				return "shared-value", nil
			})
			results[n], errs[n] = v, err
		}(i)
	}

	// let every goroutine either start or join the flight
	for g.Subscribers("X") < callers {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if n := invocations.Load(); n != 1 {
		t.Fatalf("backend invoked %d times, want exactly 1", n)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != "shared-value" {
			t.Fatalf("caller %d got (%q, %v)", i, results[i], errs[i])
		}
	}
}

func TestErrorBroadcastToAllJoiners(t *testing.T) {
	var g Group[int]
	boom := errors.New("boom")
	release := make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, errs[n] = g.Do(context.Background(), "k", func(context.Context) (int, error) {
				<-release
				return 0, boom
			})
		}(i)
	}
	for g.Subscribers("k") < 10 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, boom) {
			t.Fatalf("caller %d got %v, want boom", i, err)
		}
	}
}

func TestFailureIsNotReplayed(t *testing.T) {
	var g Group[int]
	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("first attempt fails")
		}
		return 42, nil
	}

	if _, _, err := g.Do(context.Background(), "k", fn); err == nil {
		t.Fatal("first call should fail")
	}
	v, _, err := g.Do(context.Background(), "k", fn)
	if err != nil || v != 42 {
		t.Fatalf("second call = (%d, %v), want fresh attempt", v, err)
	}
	if calls != 2 {
		t.Fatalf("fn called %d times, want 2", calls)
	}
}

func TestJoinerContextCancellation(t *testing.T) {
	var g Group[string]
	release := make(chan struct{})

	started := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "k", func(context.Context) (string, error) {
			close(started)
			<-release
			return "late", nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, shared, err := g.Do(ctx, "k", func(context.Context) (string, error) {
		t.Error("joiner must not invoke fn")
		return "", nil
	})
	if !shared || !errors.Is(err, context.Canceled) {
		t.Fatalf("joiner got (shared=%v, %v), want cancelled join", shared, err)
	}

	close(release) // flight still completes for the initiator
}

func TestForgetDetachesFlight(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})

	started := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "k", func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	g.Forget("k")

	// new caller starts a fresh flight instead of joining
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, _, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
			return 2, nil
		})
		if err != nil || v != 2 {
			t.Errorf("post-Forget call = (%d, %v)", v, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("post-Forget call blocked on the forgotten flight")
	}
	close(release)
}

func TestDifferentKeysDoNotCoalesce(t *testing.T) {
	var g Group[string]
	var invocations atomic.Int64
	release := make(chan struct{})

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, _, _ = g.Do(context.Background(), k, func(context.Context) (string, error) {
				invocations.Add(1)
				<-release
				return k, nil
			})
		}(key)
	}
	for g.Pending() < 3 {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if n := invocations.Load(); n != 3 {
		t.Fatalf("invocations = %d, want 3 (one per key)", n)
	}
}
