// Package bigcache adapts allegro/bigcache, which only supports a global
// life window, to the per-entry TTL contract. Every value is framed with
// the wire envelope carrying its absolute expiry and tags; expiry is
// enforced lazily on read and the dead entry deleted (self-heal). The
// envelope also makes TTL reads and tag invalidation possible over a store
// that has neither.
package bigcache

import (
	"context"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/rescache/backend"
	"github.com/unkn0wn-root/rescache/internal/wire"
)

type Config struct {
	// LifeWindow is bigcache's global retention; entries older than this
	// are dropped regardless of their envelope TTL. Should be >= the
	// longest TTL you intend to set.
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited

	// Now overrides the time source (tests). nil => time.Now.
	Now func() time.Time
}

type Backend struct {
	c   *bc.BigCache
	now func() time.Time
}

var (
	_ backend.Backend        = (*Backend)(nil)
	_ backend.Prober         = (*Backend)(nil)
	_ backend.TTLReader      = (*Backend)(nil)
	_ backend.Flusher        = (*Backend)(nil)
	_ backend.TagInvalidator = (*Backend)(nil)
)

func New(cfg Config) (*Backend, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Backend{c: c, now: now}, nil
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, err := b.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	env, ok := b.open(key, raw)
	if !ok {
		return nil, false, nil
	}
	return env.Payload, true, nil
}

// open decodes and expiry-checks an envelope, deleting corrupt or dead
// entries.
func (b *Backend) open(key string, raw []byte) (wire.Envelope, bool) {
	env, err := wire.Decode(raw)
	if err != nil {
		_ = b.c.Delete(key)
		return wire.Envelope{}, false
	}
	if env.Expired(b.now()) {
		_ = b.c.Delete(key)
		return wire.Envelope{}, false
	}
	return env, true
}

func (b *Backend) Set(_ context.Context, key string, e backend.Entry) error {
	var exp time.Time
	if e.TTL > 0 {
		exp = b.now().Add(e.TTL)
	}
	return b.c.Set(key, wire.Encode(wire.Envelope{
		ExpiresAt: exp,
		Tags:      e.Tags,
		Payload:   e.Value,
	}))
}

func (b *Backend) Del(_ context.Context, key string) error {
	err := b.c.Delete(key)
	if err == bc.ErrEntryNotFound {
		return nil
	}
	return err
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *Backend) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	raw, err := b.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	env, ok := b.open(key, raw)
	if !ok {
		return 0, false, nil
	}
	if env.ExpiresAt.IsZero() {
		return 0, true, nil
	}
	return env.ExpiresAt.Sub(b.now()), true, nil
}

func (b *Backend) Flush(_ context.Context) error {
	return b.c.Reset()
}

// InvalidateByTags iterates the whole store; acceptable for an
// administrative operation.
func (b *Backend) InvalidateByTags(_ context.Context, tags []string) (int, error) {
	want := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		want[t] = struct{}{}
	}
	var doomed []string
	it := b.c.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		env, err := wire.Decode(info.Value())
		if err != nil {
			doomed = append(doomed, info.Key())
			continue
		}
		for _, t := range env.Tags {
			if _, ok := want[t]; ok {
				doomed = append(doomed, info.Key())
				break
			}
		}
	}
	removed := 0
	for _, k := range doomed {
		if err := b.c.Delete(k); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (b *Backend) Close(context.Context) error {
	return b.c.Close()
}
