package rescache

import (
	"context"
	"time"

	"github.com/unkn0wn-root/rescache/backend"
	"github.com/unkn0wn-root/rescache/breaker"
	"github.com/unkn0wn-root/rescache/codec"
)

// Cache is the resilient, backend-agnostic cache API. V is the caller's
// value type; serialization is handled by a pluggable Codec[V].
//
// Reads coalesce concurrent identical requests into one backend operation,
// every backend call runs through a circuit breaker, and while the backend
// is failing reads degrade to a bounded last-known-good store instead of
// surfacing errors (unless degradation is disabled).
type Cache[V any] interface {
	// Get returns (v, true, nil) on hit and (zero, false, nil) on miss.
	// While degraded it may serve a stale last-known-good value.
	Get(ctx context.Context, key string) (v V, ok bool, err error)

	// Set writes through the breaker. ttl == 0 uses DefaultTTL.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error

	// SetTagged is Set with tags for group invalidation. Backends without
	// tag support store the value and ignore the tags.
	SetTagged(ctx context.Context, key string, value V, ttl time.Duration, tags []string) error

	// Del removes the key from the backend and the fallback store.
	Del(ctx context.Context, key string) error

	// Exists, TTL and Expire require the corresponding backend capability
	// and fail with ErrNotSupported otherwise.
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// GetMulti tolerates partial failure: a failing key is omitted from
	// the result rather than aborting the batch. Per-key deduplication
	// with concurrent Get calls is preserved.
	GetMulti(ctx context.Context, keys []string) (map[string]V, error)

	// SetMulti writes a batch; per-key failures are joined into the
	// returned error while the remaining keys are still written.
	SetMulti(ctx context.Context, items map[string]V, ttl time.Duration) error

	// InvalidateByPattern and InvalidateByTags are administrative,
	// non-deduplicated passthroughs to the backend capability; they fail
	// with ErrNotSupported when the backend lacks it.
	InvalidateByPattern(ctx context.Context, pattern string) (int, error)
	InvalidateByTags(ctx context.Context, tags []string) (int, error)

	// Flush drops everything, fallback store included.
	Flush(ctx context.Context) error

	// Health combines backend reachability, circuit state and stats, and
	// fallback occupancy.
	Health(ctx context.Context) Health

	// Stats snapshots the circuit breaker counters.
	Stats() breaker.Stats

	// Close stops background work, destroys the breaker, and closes the
	// backend. Operations after Close fail.
	Close(ctx context.Context) error
}

// Health is a composite health report.
type Health struct {
	BackendHealthy  bool
	BackendError    string // empty when healthy
	Circuit         breaker.Stats
	FallbackEntries int
}

// Options tune the cache. Namespace, Backend and Codec are required;
// everything else has a default.
type Options[V any] struct {
	// Required
	Namespace string // logical namespace to avoid collisions, e.g. "user"
	Backend   backend.Backend
	Codec     codec.Codec[V]

	Logger Logger    // nil => NopLogger
	Events EventSink // nil => NopEvents

	// Breaker configures the circuit protecting the backend. Zero-value
	// fields are defaulted (threshold 5, cooldown 30s, success threshold
	// 2); Name defaults to Namespace.
	Breaker breaker.Config

	// OpTimeout is the per-operation deadline applied inside the breaker.
	// 0 => 5s. Negative disables the per-call deadline.
	OpTimeout time.Duration

	DefaultTTL time.Duration // 0 => 10m

	// DisableFallback turns the last-known-good store off entirely.
	DisableFallback bool

	// FallbackTTL bounds every fallback entry's lifetime regardless of the
	// primary TTL. 0 => 5m.
	FallbackTTL time.Duration

	FallbackMaxEntries    int           // 0 => 10000
	FallbackSweepInterval time.Duration // 0 => 1m

	// DisableDegradation surfaces the original error instead of consulting
	// the fallback store.
	DisableDegradation bool

	// Clock overrides the time source for the breaker, the fallback store,
	// and latency measurement (tests). nil => system clock.
	Clock breaker.Clock
}

// New builds a Cache from opts.
func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
