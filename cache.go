package rescache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unkn0wn-root/rescache/backend"
	"github.com/unkn0wn-root/rescache/breaker"
	"github.com/unkn0wn-root/rescache/codec"
	"github.com/unkn0wn-root/rescache/internal/keys"
	"github.com/unkn0wn-root/rescache/singleflight"
)

const healthProbeKey = "__rescache_health__"

// getResult carries a read outcome through the singleflight group. A miss
// is a successful outcome, not an error, so it never counts against the
// breaker.
type getResult[V any] struct {
	val V
	ok  bool
}

type cache[V any] struct {
	ns      string
	backend backend.Backend
	codec   codec.Codec[V]
	log     Logger
	events  EventSink
	clock   breaker.Clock

	cb     *breaker.Breaker
	flight singleflight.Group[getResult[V]]

	opTimeout  time.Duration
	defaultTTL time.Duration

	fallback *fallbackStore[V] // nil when disabled
	degrade  bool
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("rescache: backend is required")
	}
	if opts.Codec == nil {
		return nil, fmt.Errorf("rescache: codec is required")
	}
	if opts.Namespace == "" {
		return nil, fmt.Errorf("rescache: namespace is required")
	}

	c := &cache[V]{
		ns:      opts.Namespace,
		backend: opts.Backend,
		codec:   opts.Codec,
		degrade: !opts.DisableDegradation,
	}

	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.events = coalesce[EventSink](opts.Events, NopEvents{})
	c.clock = opts.Clock
	if c.clock == nil {
		c.clock = breaker.SystemClock()
	}

	c.opTimeout = coalesce[time.Duration](opts.OpTimeout, 5*time.Second)
	if c.opTimeout < 0 {
		c.opTimeout = 0
	}
	c.defaultTTL = coalesce[time.Duration](opts.DefaultTTL, 10*time.Minute)

	bc := opts.Breaker
	bc.Name = coalesce[string](bc.Name, opts.Namespace)
	bc.Threshold = coalesce[int](bc.Threshold, 5)
	bc.Timeout = coalesce[time.Duration](bc.Timeout, 30*time.Second)
	bc.SuccessThreshold = coalesce[int](bc.SuccessThreshold, 2)
	if bc.Clock == nil {
		bc.Clock = c.clock
	}
	userStateChange := bc.OnStateChange
	bc.OnStateChange = func(name string, from, to breaker.State) {
		c.log.Warn("circuit state change", Fields{"name": name, "from": from.String(), "to": to.String()})
		c.events.StateChange(name, from, to)
		if userStateChange != nil {
			userStateChange(name, from, to)
		}
	}
	cb, err := breaker.New(bc)
	if err != nil {
		return nil, err
	}
	c.cb = cb

	if !opts.DisableFallback {
		maxTTL := coalesce[time.Duration](opts.FallbackTTL, 5*time.Minute)
		maxEntries := coalesce[int](opts.FallbackMaxEntries, 10_000)
		sweep := coalesce[time.Duration](opts.FallbackSweepInterval, time.Minute)
		c.fallback = newFallbackStore[V](maxTTL, maxEntries, sweep, c.clock.Now)
	}

	return c, nil
}

func (c *cache[V]) storageKey(key string) string { return keys.Namespaced(c.ns, key) }

func (c *cache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := backend.ValidateKey(key); err != nil {
		return zero, false, err
	}

	start := c.clock.Now()
	sk := c.storageKey(key)
	res, _, err := c.flight.Do(ctx, sk, func(fctx context.Context) (getResult[V], error) {
		return c.fetch(fctx, key, sk)
	})
	lat := c.clock.Now().Sub(start)

	if err == nil {
		if !res.ok {
			c.events.Miss(key, lat)
			return zero, false, nil
		}
		c.events.Hit(key, lat, false)
		c.mirror(key, res.val, 0)
		return res.val, true, nil
	}

	c.events.Error(key, lat, err)
	if !c.degradable(err) {
		return zero, false, err
	}
	if v, ok := c.lastGood(key); ok {
		c.log.Debug("degraded read served from fallback", Fields{"key": key})
		c.events.Hit(key, lat, true)
		return v, true, nil
	}
	c.events.Miss(key, lat)
	return zero, false, nil
}

// fetch is the single-flight body: one breaker-guarded backend read.
func (c *cache[V]) fetch(ctx context.Context, key, sk string) (getResult[V], error) {
	return breaker.Run(ctx, c.cb, c.opTimeout, func(cctx context.Context) (getResult[V], error) {
		raw, ok, err := c.backend.Get(cctx, sk)
		if err != nil {
			return getResult[V]{}, &BackendError{Op: "get", Key: key, Err: err}
		}
		if !ok {
			return getResult[V]{}, nil
		}
		v, derr := c.codec.Decode(raw)
		if derr != nil {
			// undecodable entry; drop it and report a miss
			_ = c.backend.Del(cctx, sk)
			c.log.Warn("self-healed undecodable entry", Fields{"key": key, "err": derr})
			return getResult[V]{}, nil
		}
		return getResult[V]{val: v, ok: true}, nil
	})
}

// degradable reports whether err may be answered from the fallback store.
// Validation errors and caller cancellations always propagate.
func (c *cache[V]) degradable(err error) bool {
	if !c.degrade || c.fallback == nil {
		return false
	}
	return IsBackendError(err) || IsCircuitOpen(err) || IsTimeout(err)
}

// mirror records a known-good value in the fallback store. 0 ttl lets the
// store apply its own bound.
func (c *cache[V]) mirror(key string, v V, ttl time.Duration) {
	if c.fallback != nil {
		c.fallback.put(key, v, ttl)
	}
}

func (c *cache[V]) lastGood(key string) (V, bool) {
	if c.fallback == nil {
		var zero V
		return zero, false
	}
	return c.fallback.get(key)
}

func (c *cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	return c.SetTagged(ctx, key, value, ttl, nil)
}

func (c *cache[V]) SetTagged(ctx context.Context, key string, value V, ttl time.Duration, tags []string) error {
	if err := backend.ValidateKey(key); err != nil {
		return err
	}
	if err := backend.ValidateTTL(ttl); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	payload, err := c.codec.Encode(value)
	if err != nil {
		return err
	}

	start := c.clock.Now()
	sk := c.storageKey(key)
	err = c.cb.Do(ctx, c.opTimeout, func(cctx context.Context) error {
		if berr := c.backend.Set(cctx, sk, backend.Entry{Value: payload, TTL: ttl, Tags: tags}); berr != nil {
			return &BackendError{Op: "set", Key: key, Err: berr}
		}
		return nil
	})
	lat := c.clock.Now().Sub(start)
	if err != nil {
		c.events.Error(key, lat, err)
		return err
	}
	c.mirror(key, value, ttl)
	c.events.Set(key, lat)
	return nil
}

func (c *cache[V]) Del(ctx context.Context, key string) error {
	if err := backend.ValidateKey(key); err != nil {
		return err
	}
	start := c.clock.Now()
	sk := c.storageKey(key)
	err := c.cb.Do(ctx, c.opTimeout, func(cctx context.Context) error {
		if berr := c.backend.Del(cctx, sk); berr != nil {
			return &BackendError{Op: "del", Key: key, Err: berr}
		}
		return nil
	})
	lat := c.clock.Now().Sub(start)
	// the fallback copy goes regardless; a failed delete must not leave a
	// stale value servable during a later outage
	if c.fallback != nil {
		c.fallback.delete(key)
	}
	if err != nil {
		c.events.Error(key, lat, err)
		return err
	}
	c.events.Delete(key, lat)
	return nil
}

func (c *cache[V]) Exists(ctx context.Context, key string) (bool, error) {
	if err := backend.ValidateKey(key); err != nil {
		return false, err
	}
	p, ok := c.backend.(backend.Prober)
	if !ok {
		return false, ErrNotSupported
	}
	return breaker.Run(ctx, c.cb, c.opTimeout, func(cctx context.Context) (bool, error) {
		found, err := p.Exists(cctx, c.storageKey(key))
		if err != nil {
			return false, &BackendError{Op: "exists", Key: key, Err: err}
		}
		return found, nil
	})
}

func (c *cache[V]) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if err := backend.ValidateKey(key); err != nil {
		return 0, false, err
	}
	tr, ok := c.backend.(backend.TTLReader)
	if !ok {
		return 0, false, ErrNotSupported
	}
	type ttlResult struct {
		ttl time.Duration
		ok  bool
	}
	res, err := breaker.Run(ctx, c.cb, c.opTimeout, func(cctx context.Context) (ttlResult, error) {
		ttl, found, terr := tr.TTL(cctx, c.storageKey(key))
		if terr != nil {
			return ttlResult{}, &BackendError{Op: "ttl", Key: key, Err: terr}
		}
		return ttlResult{ttl: ttl, ok: found}, nil
	})
	return res.ttl, res.ok, err
}

func (c *cache[V]) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := backend.ValidateKey(key); err != nil {
		return false, err
	}
	if err := backend.ValidateTTL(ttl); err != nil {
		return false, err
	}
	ex, ok := c.backend.(backend.Expirer)
	if !ok {
		return false, ErrNotSupported
	}
	return breaker.Run(ctx, c.cb, c.opTimeout, func(cctx context.Context) (bool, error) {
		found, eerr := ex.Expire(cctx, c.storageKey(key), ttl)
		if eerr != nil {
			return false, &BackendError{Op: "expire", Key: key, Err: eerr}
		}
		return found, nil
	})
}

// GetMulti splits keys into those with an in-flight single Get (joined so
// per-key deduplication holds) and cold keys fetched in one batched,
// breaker-guarded read when the backend supports it.
func (c *cache[V]) GetMulti(ctx context.Context, ks []string) (map[string]V, error) {
	for _, k := range ks {
		if err := backend.ValidateKey(k); err != nil {
			return nil, err
		}
	}
	out := make(map[string]V, len(ks))
	batcher, hasBatch := c.backend.(backend.Batcher)

	var joined, cold []string
	if hasBatch {
		for _, k := range ks {
			if c.flight.InFlight(c.storageKey(k)) {
				joined = append(joined, k)
			} else {
				cold = append(cold, k)
			}
		}
	} else {
		joined = ks
	}

	if len(cold) > 0 {
		sks := make([]string, len(cold))
		for i, k := range cold {
			sks[i] = c.storageKey(k)
		}
		raws, err := breaker.Run(ctx, c.cb, c.opTimeout, func(cctx context.Context) (map[string][]byte, error) {
			m, berr := batcher.GetMulti(cctx, sks)
			if berr != nil {
				return nil, &BackendError{Op: "mget", Err: berr}
			}
			return m, nil
		})
		if err != nil {
			// batch failed; keys degrade individually, misses are omitted
			if c.degradable(err) {
				for _, k := range cold {
					if v, ok := c.lastGood(k); ok {
						out[k] = v
					}
				}
			}
		} else {
			for _, k := range cold {
				raw, ok := raws[c.storageKey(k)]
				if !ok {
					continue
				}
				v, derr := c.codec.Decode(raw)
				if derr != nil {
					continue
				}
				out[k] = v
				c.mirror(k, v, 0)
			}
		}
	}

	for _, k := range joined {
		if v, ok, err := c.Get(ctx, k); err == nil && ok {
			out[k] = v
		}
	}
	return out, nil
}

func (c *cache[V]) SetMulti(ctx context.Context, items map[string]V, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}
	for k := range items {
		if err := backend.ValidateKey(k); err != nil {
			return err
		}
	}
	if err := backend.ValidateTTL(ttl); err != nil {
		return err
	}
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	if batcher, ok := c.backend.(backend.Batcher); ok {
		entries := make(map[string]backend.Entry, len(items))
		for k, v := range items {
			payload, err := c.codec.Encode(v)
			if err != nil {
				return err
			}
			entries[c.storageKey(k)] = backend.Entry{Value: payload, TTL: ttl}
		}
		err := c.cb.Do(ctx, c.opTimeout, func(cctx context.Context) error {
			if berr := batcher.SetMulti(cctx, entries); berr != nil {
				return &BackendError{Op: "mset", Err: berr}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for k, v := range items {
			c.mirror(k, v, ttl)
		}
		return nil
	}

	// no batch capability: write individually, keep going on failure
	var errs []error
	for k, v := range items {
		if err := c.SetTagged(ctx, k, v, ttl, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

func (c *cache[V]) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	pi, ok := c.backend.(backend.PatternInvalidator)
	if !ok {
		return 0, ErrNotSupported
	}
	// administrative path: no dedup, no breaker accounting
	n, err := pi.InvalidateByPattern(ctx, c.storageKey(pattern))
	if c.fallback != nil {
		c.fallback.deletePattern(pattern)
	}
	if err != nil {
		return n, &BackendError{Op: "invalidate_pattern", Key: pattern, Err: err}
	}
	c.log.Debug("pattern invalidation", Fields{"pattern": pattern, "removed": n})
	return n, nil
}

func (c *cache[V]) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	ti, ok := c.backend.(backend.TagInvalidator)
	if !ok {
		return 0, ErrNotSupported
	}
	n, err := ti.InvalidateByTags(ctx, tags)
	// the fallback store has no tag index; drop it wholesale so an
	// invalidated value can never be served during a later outage
	if c.fallback != nil {
		c.fallback.flush()
	}
	if err != nil {
		return n, &BackendError{Op: "invalidate_tags", Err: err}
	}
	c.log.Debug("tag invalidation", Fields{"tags": tags, "removed": n})
	return n, nil
}

func (c *cache[V]) Flush(ctx context.Context) error {
	f, ok := c.backend.(backend.Flusher)
	if !ok {
		return ErrNotSupported
	}
	if c.fallback != nil {
		c.fallback.flush()
	}
	if err := f.Flush(ctx); err != nil {
		return &BackendError{Op: "flush", Err: err}
	}
	return nil
}

func (c *cache[V]) Health(ctx context.Context) Health {
	h := Health{Circuit: c.cb.Stats()}
	if c.fallback != nil {
		h.FallbackEntries = c.fallback.len()
	}
	var err error
	if p, ok := c.backend.(backend.Pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, _, err = c.backend.Get(ctx, c.storageKey(healthProbeKey))
	}
	h.BackendHealthy = err == nil
	if err != nil {
		h.BackendError = err.Error()
	}
	return h
}

func (c *cache[V]) Stats() breaker.Stats { return c.cb.Stats() }

func (c *cache[V]) Close(ctx context.Context) error {
	if c.fallback != nil {
		c.fallback.close()
	}
	c.cb.Destroy()
	return c.backend.Close(ctx)
}
