// Package breaker implements an adaptive circuit breaker with slow-call
// detection.
//
// The breaker tracks consecutive failures and per-call wall-clock durations
// in a fixed-capacity sliding window. When the observed slow-call rate rises,
// the failure threshold scales with it (adaptive mode), so a degrading but
// not-yet-failing dependency trips the circuit later than a hard-down one.
//
// States:
//
//	Closed   - calls flow through; consecutive failures are counted.
//	Open     - calls fail immediately with *OpenError; after Timeout the
//	           next call is admitted as a trial (checked lazily, no timer).
//	HalfOpen - trial calls; SuccessThreshold consecutive successes close
//	           the circuit, the first failure reopens it.
package breaker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Clock supplies the current time. Inject a fake in tests to drive the
// open -> half-open transition deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Config tunes a Breaker. Threshold is required; everything else has a
// sensible default.
type Config struct {
	// Name identifies the protected resource in errors and callbacks.
	Name string

	// Threshold is the base consecutive-failure count that opens the
	// circuit. Must be > 0.
	Threshold int

	// Timeout is how long the circuit stays open before the next call is
	// admitted as a half-open trial. Must be >= 0. 0 means the very next
	// call is already a trial.
	Timeout time.Duration

	// SuccessThreshold is the number of consecutive successful trial calls
	// required to close a half-open circuit. 0 => 1.
	SuccessThreshold int

	// SlowCallThreshold is the duration above which a call counts as slow.
	// 0 => 1s.
	SlowCallThreshold time.Duration

	// SlowCallRateThreshold is the minimum slow-call rate (fraction of the
	// window) before adaptive scaling engages. Must be in [0, 1].
	SlowCallRateThreshold float64

	// Adaptive enables threshold scaling:
	//   adaptiveThreshold = ceil(Threshold * (1 + slowCallRate*AdaptiveFactor))
	// once slowCallRate >= SlowCallRateThreshold.
	Adaptive bool

	// AdaptiveFactor controls how strongly the slow-call rate inflates the
	// threshold. 0 => 1.
	AdaptiveFactor float64

	// WindowSize is the sliding response-time window capacity
	// (newest overwrites oldest). 0 => 64.
	WindowSize int

	// Clock is the time source. nil => system clock.
	Clock Clock

	// OnStateChange, when set, is invoked after every state transition.
	// Called outside the breaker's lock; implementations may call back
	// into the breaker.
	OnStateChange func(name string, from, to State)
}

// Stats is a read-only snapshot of a breaker's counters.
type Stats struct {
	State             State
	TotalCalls        uint64
	SuccessCount      uint64
	FailureCount      uint64
	SlowCalls         uint64
	SuccessRate       float64
	FailureRate       float64
	SlowCallRate      float64
	AvgResponseTime   time.Duration
	MinResponseTime   time.Duration
	MaxResponseTime   time.Duration
	AdaptiveThreshold int
	NextAttemptAt     time.Time // zero unless open
	OpenedCount       uint64    // transitions into open
	HalfOpenedCount   uint64    // transitions into half-open
	ClosedCount       uint64    // transitions into closed (excluding construction)
}

type windowSample struct {
	rt   time.Duration
	slow bool
}

// Breaker is a per-resource circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg   Config
	clock Clock

	mu        sync.Mutex
	state     State
	destroyed bool

	consecFailures  int // closed state
	consecSuccesses int // half-open state
	nextAttemptAt   time.Time

	window []windowSample
	wpos   int
	wlen   int

	totalCalls   uint64
	successTotal uint64
	failureTotal uint64
	slowTotal    uint64
	sumRT        time.Duration
	minRT        time.Duration
	maxRT        time.Duration

	openedCount     uint64
	halfOpenedCount uint64
	closedCount     uint64
}

// New validates cfg and returns a closed breaker.
func New(cfg Config) (*Breaker, error) {
	if cfg.Threshold <= 0 {
		return nil, fmt.Errorf("breaker: threshold must be > 0, got %d", cfg.Threshold)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("breaker: timeout must be >= 0, got %s", cfg.Timeout)
	}
	if cfg.SlowCallRateThreshold < 0 || cfg.SlowCallRateThreshold > 1 {
		return nil, fmt.Errorf("breaker: slow call rate threshold must be in [0,1], got %g", cfg.SlowCallRateThreshold)
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.SlowCallThreshold <= 0 {
		cfg.SlowCallThreshold = time.Second
	}
	if cfg.AdaptiveFactor <= 0 {
		cfg.AdaptiveFactor = 1
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 64
	}
	clk := cfg.Clock
	if clk == nil {
		clk = systemClock{}
	}
	return &Breaker{
		cfg:    cfg,
		clock:  clk,
		state:  StateClosed,
		window: make([]windowSample, cfg.WindowSize),
	}, nil
}

// Do runs op through the breaker. A timeout of 0 disables the per-call
// deadline. op receives a context that is cancelled once the call's budget
// is exhausted; a timed-out op keeps running in the background and its
// eventual result is discarded.
func (b *Breaker) Do(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	_, err := b.Call(ctx, timeout, func(cctx context.Context) (any, error) {
		return nil, op(cctx)
	})
	return err
}

// Call is like Do for operations that produce a value. See Run for a
// type-safe wrapper.
func (b *Breaker) Call(ctx context.Context, timeout time.Duration, op func(context.Context) (any, error)) (any, error) {
	if err := b.admit(); err != nil {
		return nil, err
	}
	start := b.clock.Now()
	v, err := b.execute(ctx, timeout, op)
	b.record(err, b.clock.Now().Sub(start))
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Run executes fn through b and preserves its result type.
func Run[T any](ctx context.Context, b *Breaker, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	v, err := b.Call(ctx, timeout, func(cctx context.Context) (any, error) {
		return fn(cctx)
	})
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	return v.(T), nil
}

type callResult struct {
	v   any
	err error
}

func (b *Breaker) execute(ctx context.Context, timeout time.Duration, op func(context.Context) (any, error)) (any, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		v, err := op(cctx)
		done <- callResult{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-cctx.Done():
		if err := ctx.Err(); err != nil {
			// caller cancellation, not a budget overrun
			return nil, err
		}
		return nil, &TimeoutError{Limit: timeout}
	}
}

// admit gates a call on the current state, performing the lazy
// open -> half-open transition when the cooldown has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return ErrDestroyed
	}
	var notify func()
	var err error
	switch b.state {
	case StateOpen:
		if b.clock.Now().Before(b.nextAttemptAt) {
			err = &OpenError{Name: b.cfg.Name, Until: b.nextAttemptAt}
		} else {
			notify = b.transition(StateHalfOpen)
		}
	case StateClosed, StateHalfOpen:
		// admitted
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return err
}

// record folds one finished call into the window, counters, and the state
// machine.
func (b *Breaker) record(err error, rt time.Duration) {
	slow := rt > b.cfg.SlowCallThreshold
	if IsTimeout(err) {
		slow = true
	}

	b.mu.Lock()
	if b.destroyed {
		b.mu.Unlock()
		return
	}

	b.window[b.wpos] = windowSample{rt: rt, slow: slow}
	b.wpos = (b.wpos + 1) % len(b.window)
	if b.wlen < len(b.window) {
		b.wlen++
	}

	b.totalCalls++
	b.sumRT += rt
	if b.totalCalls == 1 || rt < b.minRT {
		b.minRT = rt
	}
	if rt > b.maxRT {
		b.maxRT = rt
	}
	if slow {
		b.slowTotal++
	}

	var notify func()
	if err == nil {
		b.successTotal++
		switch b.state {
		case StateClosed:
			b.consecFailures = 0
		case StateHalfOpen:
			b.consecSuccesses++
			if b.consecSuccesses >= b.cfg.SuccessThreshold {
				notify = b.transition(StateClosed)
			}
		}
	} else {
		b.failureTotal++
		switch b.state {
		case StateClosed:
			b.consecFailures++
			if b.consecFailures >= b.adaptiveThresholdLocked() {
				notify = b.transition(StateOpen)
			}
		case StateHalfOpen:
			notify = b.transition(StateOpen)
		}
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// transition moves to the target state and returns the deferred callback.
// Caller holds b.mu.
func (b *Breaker) transition(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedCount++
		b.nextAttemptAt = b.clock.Now().Add(b.cfg.Timeout)
		b.consecSuccesses = 0
	case StateHalfOpen:
		b.halfOpenedCount++
		b.consecSuccesses = 0
	case StateClosed:
		b.closedCount++
		b.consecFailures = 0
		b.consecSuccesses = 0
		b.nextAttemptAt = time.Time{}
	}
	if cb := b.cfg.OnStateChange; cb != nil {
		name := b.cfg.Name
		return func() { cb(name, from, to) }
	}
	return nil
}

// adaptiveThresholdLocked computes the effective failure threshold.
// Caller holds b.mu.
func (b *Breaker) adaptiveThresholdLocked() int {
	base := b.cfg.Threshold
	if !b.cfg.Adaptive {
		return base
	}
	rate := b.slowRateLocked()
	if rate < b.cfg.SlowCallRateThreshold {
		return base
	}
	return int(math.Ceil(float64(base) * (1 + rate*b.cfg.AdaptiveFactor)))
}

func (b *Breaker) slowRateLocked() float64 {
	if b.wlen == 0 {
		return 0
	}
	slow := 0
	for i := 0; i < b.wlen; i++ {
		if b.window[i].slow {
			slow++
		}
	}
	return float64(slow) / float64(b.wlen)
}

// State returns the current state, applying the lazy open -> half-open
// transition if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	var notify func()
	if b.state == StateOpen && !b.destroyed && !b.clock.Now().Before(b.nextAttemptAt) {
		notify = b.transition(StateHalfOpen)
	}
	s := b.state
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
	return s
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		State:             b.state,
		TotalCalls:        b.totalCalls,
		SuccessCount:      b.successTotal,
		FailureCount:      b.failureTotal,
		SlowCalls:         b.slowTotal,
		SlowCallRate:      b.slowRateLocked(),
		MinResponseTime:   b.minRT,
		MaxResponseTime:   b.maxRT,
		AdaptiveThreshold: b.adaptiveThresholdLocked(),
		NextAttemptAt:     b.nextAttemptAt,
		OpenedCount:       b.openedCount,
		HalfOpenedCount:   b.halfOpenedCount,
		ClosedCount:       b.closedCount,
	}
	if b.totalCalls > 0 {
		s.SuccessRate = float64(b.successTotal) / float64(b.totalCalls)
		s.FailureRate = float64(b.failureTotal) / float64(b.totalCalls)
		s.AvgResponseTime = b.sumRT / time.Duration(b.totalCalls)
	}
	return s
}

// ForceOpen trips the circuit regardless of counters.
func (b *Breaker) ForceOpen() { b.force(StateOpen) }

// ForceClose closes the circuit regardless of counters.
func (b *Breaker) ForceClose() { b.force(StateClosed) }

// ForceHalfOpen puts the circuit into the trial state.
func (b *Breaker) ForceHalfOpen() { b.force(StateHalfOpen) }

func (b *Breaker) force(to State) {
	b.mu.Lock()
	var notify func()
	if !b.destroyed {
		notify = b.transition(to)
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Reset zeroes every counter and the window and returns to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	var notify func()
	if !b.destroyed {
		notify = b.transition(StateClosed)
		b.consecFailures = 0
		b.consecSuccesses = 0
		b.nextAttemptAt = time.Time{}
		b.wpos, b.wlen = 0, 0
		b.totalCalls, b.successTotal, b.failureTotal, b.slowTotal = 0, 0, 0, 0
		b.sumRT, b.minRT, b.maxRT = 0, 0, 0
		b.openedCount, b.halfOpenedCount, b.closedCount = 0, 0, 0
	}
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// Destroy permanently disables the breaker. Subsequent calls fail with
// ErrDestroyed. Idempotent.
func (b *Breaker) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.window = nil
	b.wpos, b.wlen = 0, 0
	b.mu.Unlock()
}
