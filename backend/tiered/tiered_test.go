package tiered

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/unkn0wn-root/rescache/backend"
	"github.com/unkn0wn-root/rescache/backend/memory"
)

func newTiered(t *testing.T) (*Backend, *memory.Backend, *memory.Backend) {
	t.Helper()
	local := memory.New(memory.Config{})
	remote := memory.New(memory.Config{})
	b, err := New(Config{Local: local, Remote: remote, LocalTTL: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b, local, remote
}

func TestNewRequiresBothTiers(t *testing.T) {
	mem := memory.New(memory.Config{})
	if _, err := New(Config{Local: mem}); err == nil {
		t.Error("missing remote accepted")
	}
	if _, err := New(Config{Remote: mem}); err == nil {
		t.Error("missing local accepted")
	}
}

func TestWriteReachesBothTiers(t *testing.T) {
	ctx := context.Background()
	b, local, remote := newTiered(t)

	if err := b.Set(ctx, "k", backend.Entry{Value: []byte("v"), TTL: time.Hour}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := local.Get(ctx, "k"); !ok {
		t.Error("local tier missing the write")
	}
	if _, ok, _ := remote.Get(ctx, "k"); !ok {
		t.Error("remote tier missing the write")
	}

	// local copy lives at most LocalTTL even though the entry asked for 1h
	ttl, ok, _ := local.TTL(ctx, "k")
	if !ok || ttl > time.Minute {
		t.Errorf("local ttl = (%v, %v), want clamped to 1m", ttl, ok)
	}
	if ttl, _, _ := remote.TTL(ctx, "k"); ttl <= time.Minute || ttl > time.Hour {
		t.Errorf("remote ttl = %v, want close to 1h", ttl)
	}
}

func TestReadRefillsLocal(t *testing.T) {
	ctx := context.Background()
	b, local, remote := newTiered(t)

	// value present only remotely
	_ = remote.Set(ctx, "k", backend.Entry{Value: []byte("v")})

	v, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("Get = (%q, %v, %v)", v, ok, err)
	}
	if _, ok, _ := local.Get(ctx, "k"); !ok {
		t.Fatal("remote hit not refilled into local")
	}
}

func TestLocalHitSkipsRemote(t *testing.T) {
	ctx := context.Background()
	b, local, _ := newTiered(t)

	_ = local.Set(ctx, "k", backend.Entry{Value: []byte("local")})

	v, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || !bytes.Equal(v, []byte("local")) {
		t.Fatalf("Get = (%q, %v, %v)", v, ok, err)
	}
}

func TestDelRemovesBothTiers(t *testing.T) {
	ctx := context.Background()
	b, local, remote := newTiered(t)

	_ = b.Set(ctx, "k", backend.Entry{Value: []byte("v")})
	if err := b.Del(ctx, "k"); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if _, ok, _ := local.Get(ctx, "k"); ok {
		t.Error("local copy survives Del")
	}
	if _, ok, _ := remote.Get(ctx, "k"); ok {
		t.Error("remote copy survives Del")
	}
}

func TestExpireDropsLocalCopy(t *testing.T) {
	ctx := context.Background()
	b, local, remote := newTiered(t)

	_ = b.Set(ctx, "k", backend.Entry{Value: []byte("v"), TTL: time.Hour})
	if ok, err := b.Expire(ctx, "k", time.Second); err != nil || !ok {
		t.Fatalf("Expire = (%v, %v)", ok, err)
	}
	// the local copy must not outlive the shortened remote lifetime
	if _, ok, _ := local.Get(ctx, "k"); ok {
		t.Error("local copy survives Expire")
	}
	if ttl, _, _ := remote.TTL(ctx, "k"); ttl <= 0 || ttl > time.Second {
		t.Errorf("remote ttl = %v, want at most 1s", ttl)
	}
}

func TestGetMultiMergesTiers(t *testing.T) {
	ctx := context.Background()
	b, local, remote := newTiered(t)

	_ = local.Set(ctx, "a", backend.Entry{Value: []byte("local-a")})
	_ = remote.Set(ctx, "b", backend.Entry{Value: []byte("remote-b")})

	got, err := b.GetMulti(ctx, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("GetMulti: %v", err)
	}
	if len(got) != 2 || string(got["a"]) != "local-a" || string(got["b"]) != "remote-b" {
		t.Fatalf("GetMulti = %v", got)
	}
	if _, ok, _ := local.Get(ctx, "b"); !ok {
		t.Error("batched remote hit not refilled into local")
	}
}

func TestSetMulti(t *testing.T) {
	ctx := context.Background()
	b, local, remote := newTiered(t)

	err := b.SetMulti(ctx, map[string]backend.Entry{
		"x": {Value: []byte("1"), TTL: time.Hour},
		"y": {Value: []byte("2"), TTL: time.Hour},
	})
	if err != nil {
		t.Fatalf("SetMulti: %v", err)
	}
	for _, k := range []string{"x", "y"} {
		if _, ok, _ := local.Get(ctx, k); !ok {
			t.Errorf("local missing %s", k)
		}
		if _, ok, _ := remote.Get(ctx, k); !ok {
			t.Errorf("remote missing %s", k)
		}
	}
}

func TestInvalidationFlushesLocal(t *testing.T) {
	ctx := context.Background()
	b, local, _ := newTiered(t)

	_ = b.Set(ctx, "user:1", backend.Entry{Value: []byte("a"), Tags: []string{"users"}})
	_ = b.Set(ctx, "other", backend.Entry{Value: []byte("b")})

	n, err := b.InvalidateByPattern(ctx, "user:*")
	if err != nil || n != 1 {
		t.Fatalf("InvalidateByPattern = (%d, %v), want 1", n, err)
	}
	// local has no pattern view, so the whole tier is dropped
	if local.Len() != 0 {
		t.Fatal("local tier retains entries after pattern invalidation")
	}

	// "other" is still served from remote
	if _, ok, _ := b.Get(ctx, "other"); !ok {
		t.Fatal("unmatched key lost")
	}
}

func TestTagInvalidationFlushesLocal(t *testing.T) {
	ctx := context.Background()
	b, local, _ := newTiered(t)

	_ = b.Set(ctx, "u:1", backend.Entry{Value: []byte("a"), Tags: []string{"users"}})
	_ = b.Set(ctx, "o:1", backend.Entry{Value: []byte("b")})

	n, err := b.InvalidateByTags(ctx, []string{"users"})
	if err != nil || n != 1 {
		t.Fatalf("InvalidateByTags = (%d, %v), want 1", n, err)
	}
	if local.Len() != 0 {
		t.Fatal("local tier retains entries after tag invalidation")
	}
	if _, ok, _ := b.Get(ctx, "o:1"); !ok {
		t.Fatal("untagged key lost")
	}
}

func TestFlush(t *testing.T) {
	ctx := context.Background()
	b, local, remote := newTiered(t)

	_ = b.Set(ctx, "k", backend.Entry{Value: []byte("v")})
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if local.Len() != 0 || remote.Len() != 0 {
		t.Fatal("entries survive Flush")
	}
}

func TestLocalErrorsAreNotFatal(t *testing.T) {
	ctx := context.Background()
	remote := memory.New(memory.Config{})
	b, err := New(Config{Local: failBackend{}, Remote: remote})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := b.Set(ctx, "k", backend.Entry{Value: []byte("v")}); err != nil {
		t.Fatalf("Set with broken local: %v", err)
	}
	v, ok, err := b.Get(ctx, "k")
	if err != nil || !ok || !bytes.Equal(v, []byte("v")) {
		t.Fatalf("Get with broken local = (%q, %v, %v)", v, ok, err)
	}
}

// failBackend errors on everything; stands in for a broken local tier.
type failBackend struct{}

var errBroken = errors.New("broken")

func (failBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errBroken
}
func (failBackend) Set(context.Context, string, backend.Entry) error { return errBroken }
func (failBackend) Del(context.Context, string) error                { return errBroken }
func (failBackend) Close(context.Context) error                      { return nil }
