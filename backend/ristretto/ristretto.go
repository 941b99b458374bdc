// Package ristretto provides a cost-bounded local backend. Ristretto may
// refuse admissions under pressure and exposes no TTL reads, pattern
// walks, or tag indexes, so only the core capability set (plus existence
// probes) is offered; Entry.Tags are ignored.
package ristretto

import (
	"context"
	"errors"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/rescache/backend"
)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

type Backend struct {
	c *rc.Cache
}

var (
	_ backend.Backend = (*Backend)(nil)
	_ backend.Prober  = (*Backend)(nil)
	_ backend.Pinger  = (*Backend)(nil)
)

func New(cfg Config) (*Backend, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto backend: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Backend{c: c}, nil
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := b.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	raw, _ := v.([]byte)
	if raw == nil {
		// unexpected entry shape; self-heal
		b.c.Del(key)
		return nil, false, nil
	}
	return raw, true, nil
}

func (b *Backend) Set(_ context.Context, key string, e backend.Entry) error {
	cost := int64(len(e.Value))
	if cost == 0 {
		cost = 1
	}
	ttl := e.TTL
	if ttl < 0 {
		ttl = 0
	}
	// admission refusal under pressure is not an error
	_ = b.c.SetWithTTL(key, e.Value, cost, ttl)
	return nil
}

func (b *Backend) Del(_ context.Context, key string) error {
	b.c.Del(key)
	return nil
}

func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := b.Get(ctx, key)
	return ok, err
}

func (b *Backend) Ping(context.Context) error { return nil }

func (b *Backend) Close(context.Context) error {
	b.c.Wait()
	b.c.Close()
	return nil
}

// Metrics exposes ristretto's own counters when enabled in Config.
func (b *Backend) Metrics() *rc.Metrics { return b.c.Metrics }
