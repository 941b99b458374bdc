// Package redis adapts a go-redis client to the rescache backend contract.
//
// TTLs, existence checks, and expiry updates map to native commands.
// Multi-key operations are pipelined. Tag invalidation is backed by SADD
// index sets; pattern invalidation walks SCAN so it never blocks the server
// the way KEYS would.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/rescache/backend"
	"github.com/unkn0wn-root/rescache/internal/keys"
)

var ErrNilClient = errors.New("redis backend: nil client")

// Config wires an existing client in. The backend never dials on its own.
type Config struct {
	Client goredis.UniversalClient

	// CloseClient should be true only when this backend exclusively owns
	// the client.
	CloseClient bool

	// TagNamespace prefixes the tag index sets so several caches can share
	// one database.
	TagNamespace string

	// ScanCount is the COUNT hint for SCAN during pattern invalidation.
	// 0 => 256.
	ScanCount int64
}

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	tagNS       string
	scanCount   int64
}

var (
	_ backend.Backend            = (*Redis)(nil)
	_ backend.Prober             = (*Redis)(nil)
	_ backend.TTLReader          = (*Redis)(nil)
	_ backend.Expirer            = (*Redis)(nil)
	_ backend.Batcher            = (*Redis)(nil)
	_ backend.Flusher            = (*Redis)(nil)
	_ backend.PatternInvalidator = (*Redis)(nil)
	_ backend.TagInvalidator     = (*Redis)(nil)
	_ backend.Pinger             = (*Redis)(nil)
)

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	sc := cfg.ScanCount
	if sc <= 0 {
		sc = 256
	}
	return &Redis{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		tagNS:       cfg.TagNamespace,
		scanCount:   sc,
	}, nil
}

func (r *Redis) tagSet(tag string) string { return keys.TagSet(r.tagNS, tag) }

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, e backend.Entry) error {
	ttl := e.TTL
	if ttl <= 0 {
		ttl = 0 // no expiry
	}
	if len(e.Tags) == 0 {
		return r.rdb.Set(ctx, key, e.Value, ttl).Err()
	}
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, key, e.Value, ttl)
	for _, t := range e.Tags {
		pipe.SAdd(ctx, r.tagSet(t), key)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// go-redis maps PTTL's -2 (missing) and -1 (no expiry) to these
	// sentinel durations.
	switch d {
	case -2 * time.Millisecond:
		return 0, false, nil
	case -1 * time.Millisecond:
		return 0, true, nil
	}
	return d, true, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return r.rdb.Persist(ctx, key).Result()
	}
	return r.rdb.PExpire(ctx, key, ttl).Result()
}

func (r *Redis) GetMulti(ctx context.Context, ks []string) (map[string][]byte, error) {
	if len(ks) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := r.rdb.MGet(ctx, ks...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(ks))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[ks[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) SetMulti(ctx context.Context, entries map[string]backend.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for k, e := range entries {
		ttl := e.TTL
		if ttl <= 0 {
			ttl = 0
		}
		pipe.Set(ctx, k, e.Value, ttl)
		for _, t := range e.Tags {
			pipe.SAdd(ctx, r.tagSet(t), k)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Flush(ctx context.Context) error {
	return r.rdb.FlushDB(ctx).Err()
}

func (r *Redis) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	for {
		batch, next, err := r.rdb.Scan(ctx, cursor, pattern, r.scanCount).Result()
		if err != nil {
			return removed, err
		}
		if len(batch) > 0 {
			n, err := r.rdb.Del(ctx, batch...).Result()
			removed += int(n)
			if err != nil {
				return removed, err
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *Redis) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	removed := 0
	for _, t := range tags {
		set := r.tagSet(t)
		members, err := r.rdb.SMembers(ctx, set).Result()
		if err != nil {
			return removed, err
		}
		if len(members) > 0 {
			n, err := r.rdb.Del(ctx, members...).Result()
			removed += int(n)
			if err != nil {
				return removed, err
			}
		}
		if err := r.rdb.Del(ctx, set).Err(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Close releases the client only when this backend owns it. Repeated calls
// become no-ops.
func (r *Redis) Close(context.Context) error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
