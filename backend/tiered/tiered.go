// Package tiered composes a fast local backend in front of an
// authoritative remote one. Reads check local first and refill it from
// remote hits; writes and deletes go to both tiers. Optional capabilities
// are answered by the remote tier, with the local tier flushed where an
// invalidation could otherwise leave it ahead of the remote.
package tiered

import (
	"context"
	"errors"
	"time"

	"github.com/unkn0wn-root/rescache/backend"
)

type Config struct {
	Local  backend.Backend
	Remote backend.Backend

	// LocalTTL caps entry lifetime in the local tier so a remote-side
	// change is visible without local invalidation within this bound.
	// 0 => 1m.
	LocalTTL time.Duration
}

type Backend struct {
	local    backend.Backend
	remote   backend.Backend
	localTTL time.Duration
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

func New(cfg Config) (*Backend, error) {
	if cfg.Local == nil || cfg.Remote == nil {
		return nil, errors.New("tiered backend: both tiers are required")
	}
	ttl := cfg.LocalTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Backend{local: cfg.Local, remote: cfg.Remote, localTTL: ttl}, nil
}

func (b *Backend) clampLocal(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > b.localTTL {
		return b.localTTL
	}
	return ttl
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	// local errors are not fatal; the remote tier is authoritative
	if v, ok, err := b.local.Get(ctx, key); err == nil && ok {
		return v, true, nil
	}
	v, ok, err := b.remote.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = b.local.Set(ctx, key, backend.Entry{Value: v, TTL: b.localTTL})
	return v, true, nil
}

func (b *Backend) Set(ctx context.Context, key string, e backend.Entry) error {
	if err := b.remote.Set(ctx, key, e); err != nil {
		return err
	}
	local := e
	local.TTL = b.clampLocal(e.TTL)
	_ = b.local.Set(ctx, key, local)
	return nil
}

func (b *Backend) Del(ctx context.Context, key string) error {
	lerr := b.local.Del(ctx, key)
	if err := b.remote.Del(ctx, key); err != nil {
		return err
	}
	return lerr
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	if p, ok := b.remote.(backend.Prober); ok {
		return p.Exists(ctx, key)
	}
	_, found, err := b.remote.Get(ctx, key)
	return found, err
}

func (b *Backend) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	if t, ok := b.remote.(backend.TTLReader); ok {
		return t.TTL(ctx, key)
	}
	return 0, false, errors.New("tiered backend: remote tier has no ttl support")
}

func (b *Backend) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	e, ok := b.remote.(backend.Expirer)
	if !ok {
		return false, errors.New("tiered backend: remote tier has no expire support")
	}
	// drop the local copy so the shortened lifetime cannot be outlived there
	_ = b.local.Del(ctx, key)
	return e.Expire(ctx, key, ttl)
}

func (b *Backend) GetMulti(ctx context.Context, ks []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ks))
	var missing []string
	for _, k := range ks {
		if v, ok, err := b.local.Get(ctx, k); err == nil && ok {
			out[k] = v
		} else {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	var fetched map[string][]byte
	if batcher, ok := b.remote.(backend.Batcher); ok {
		var err error
		fetched, err = batcher.GetMulti(ctx, missing)
		if err != nil {
			return nil, err
		}
	} else {
		fetched = make(map[string][]byte, len(missing))
		for _, k := range missing {
			v, ok, err := b.remote.Get(ctx, k)
			if err != nil {
				return nil, err
			}
			if ok {
				fetched[k] = v
			}
		}
	}
	for k, v := range fetched {
		out[k] = v
		_ = b.local.Set(ctx, k, backend.Entry{Value: v, TTL: b.localTTL})
	}
	return out, nil
}

func (b *Backend) SetMulti(ctx context.Context, entries map[string]backend.Entry) error {
	if batcher, ok := b.remote.(backend.Batcher); ok {
		if err := batcher.SetMulti(ctx, entries); err != nil {
			return err
		}
	} else {
		for k, e := range entries {
			if err := b.remote.Set(ctx, k, e); err != nil {
				return err
			}
		}
	}
	for k, e := range entries {
		local := e
		local.TTL = b.clampLocal(e.TTL)
		_ = b.local.Set(ctx, k, local)
	}
	return nil
}

func (b *Backend) Flush(ctx context.Context) error {
	if f, ok := b.local.(backend.Flusher); ok {
		_ = f.Flush(ctx)
	}
	f, ok := b.remote.(backend.Flusher)
	if !ok {
		return errors.New("tiered backend: remote tier has no flush support")
	}
	return f.Flush(ctx)
}

func (b *Backend) InvalidateByPattern(ctx context.Context, pattern string) (int, error) {
	p, ok := b.remote.(backend.PatternInvalidator)
	if !ok {
		return 0, errors.New("tiered backend: remote tier has no pattern invalidation")
	}
	b.dropLocal(ctx)
	return p.InvalidateByPattern(ctx, pattern)
}

func (b *Backend) InvalidateByTags(ctx context.Context, tags []string) (int, error) {
	t, ok := b.remote.(backend.TagInvalidator)
	if !ok {
		return 0, errors.New("tiered backend: remote tier has no tag invalidation")
	}
	b.dropLocal(ctx)
	return t.InvalidateByTags(ctx, tags)
}

// dropLocal flushes the local tier before a remote invalidation; the local
// tier has no view of which keys the invalidation will hit.
func (b *Backend) dropLocal(ctx context.Context) {
	if f, ok := b.local.(backend.Flusher); ok {
		_ = f.Flush(ctx)
	}
}

func (b *Backend) Ping(ctx context.Context) error {
	if p, ok := b.remote.(backend.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (b *Backend) Close(ctx context.Context) error {
	lerr := b.local.Close(ctx)
	rerr := b.remote.Close(ctx)
	if rerr != nil {
		return rerr
	}
	return lerr
}
