package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type countingBackend struct {
	Backend
	gets int
}

func (c *countingBackend) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	c.gets++
	return c.Backend.Get(ctx, kind, key)
}

func TestCachedBackendReadThroughAndEvict(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	inner := &countingBackend{Backend: NewMemoryBackend()}
	cb := NewCachedBackend(inner, NewRedisCache(client), time.Minute)
	ctx := context.Background()

	put := func(body string) {
		t.Helper()
		if err := cb.Update(ctx, func(txn Txn) error {
			return txn.Put(ctx, KindWallet, "w", []byte(body))
		}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	put("v1")
	for i := 0; i < 3; i++ {
		got, err := cb.Get(ctx, KindWallet, "w")
		if err != nil || string(got) != "v1" {
			t.Fatalf("get: %q %v", got, err)
		}
	}
	if inner.gets != 1 {
		t.Fatalf("expected one backend read, got %d", inner.gets)
	}
	if !mr.Exists("quorumvault:record:wallet:w") {
		t.Fatal("expected record cached in redis")
	}

	put("v2")
	got, err := cb.Get(ctx, KindWallet, "w")
	if err != nil || string(got) != "v2" {
		t.Fatalf("expected fresh value after commit, got %q %v", got, err)
	}
}

func TestCachedBackendDoesNotCacheMissOrFailedUpdate(t *testing.T) {
	cache := NewMemoryCache()
	cb := NewCachedBackend(NewMemoryBackend(), cache, time.Minute)
	ctx := context.Background()
	if _, err := cb.Get(ctx, KindWallet, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := cache.Get(ctx, cb.cacheKey(KindWallet, "nope")); !errors.Is(err, ErrCacheMiss) {
		t.Fatal("missing records must not be cached")
	}
	boom := errors.New("boom")
	err := cb.Update(ctx, func(txn Txn) error {
		_ = txn.Put(ctx, KindWallet, "w", []byte("x"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := cb.Get(ctx, KindWallet, "w"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed update must not be visible, got %v", err)
	}
}
