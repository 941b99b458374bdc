// Package backend defines the storage abstraction behind rescache.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte previously passed to Set for a key (no prepended metadata,
// no re-encoding, no mutation). Stores that cannot express a capability
// natively either emulate it faithfully or simply do not implement the
// corresponding optional interface; callers probe with type assertions
// rather than assuming support.
package backend

import (
	"context"
	"time"
)

// Entry is one value to store. TTL <= 0 means no expiry. Tags are optional
// labels for group invalidation; backends without tag support ignore them
// and must not implement TagInvalidator.
type Entry struct {
	Value []byte
	TTL   time.Duration
	Tags  []string
}

// Backend is the minimal byte store every variant provides.
// Must be safe for concurrent use.
type Backend interface {
	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// IO/remote errors come back as (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores e.Value under key with e.TTL.
	Set(ctx context.Context, key string, e Entry) error

	// Del removes a key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Close releases resources.
	Close(ctx context.Context) error
}

// Prober reports key existence without fetching the value.
type Prober interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// TTLReader exposes the remaining lifetime of a key.
// ok=false means the key does not exist; ttl=0 with ok=true means no expiry.
type TTLReader interface {
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)
}

// Expirer updates the lifetime of an existing key.
// ok=false means the key does not exist.
type Expirer interface {
	Expire(ctx context.Context, key string, ttl time.Duration) (ok bool, err error)
}

// Batcher provides multi-key reads and writes. GetMulti omits missing keys
// from the result instead of erroring.
type Batcher interface {
	GetMulti(ctx context.Context, keys []string) (map[string][]byte, error)
	SetMulti(ctx context.Context, entries map[string]Entry) error
}

// Flusher drops every entry.
type Flusher interface {
	Flush(ctx context.Context) error
}

// PatternInvalidator deletes all keys matching a glob pattern
// (path.Match / redis MATCH syntax) and returns how many were removed.
type PatternInvalidator interface {
	InvalidateByPattern(ctx context.Context, pattern string) (int, error)
}

// TagInvalidator deletes all keys carrying any of the given tags and
// returns how many were removed.
type TagInvalidator interface {
	InvalidateByTags(ctx context.Context, tags []string) (int, error)
}

// Pinger checks backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
