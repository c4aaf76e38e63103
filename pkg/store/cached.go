package store

import (
	"context"
	"errors"
	"log"
	"time"
)

const defaultCacheTTL = 30 * time.Second

// CachedBackend serves Get from a Cache in front of another Backend.
// Reads inside Update always go to the underlying backend; keys written by
// a committed Update are evicted afterwards.
type CachedBackend struct {
	Backend Backend
	Cache   Cache
	TTL     time.Duration
	Prefix  string
	Logf    func(format string, args ...any)
}

func NewCachedBackend(b Backend, c Cache, ttl time.Duration) *CachedBackend {
	return &CachedBackend{Backend: b, Cache: c, TTL: ttl, Prefix: "quorumvault:record:"}
}

func (c *CachedBackend) cacheKey(kind Kind, key string) string {
	return c.Prefix + string(kind) + ":" + key
}

func (c *CachedBackend) ttl() time.Duration {
	if c.TTL <= 0 {
		return defaultCacheTTL
	}
	return c.TTL
}

func (c *CachedBackend) logf(format string, args ...any) {
	if c.Logf != nil {
		c.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (c *CachedBackend) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	ck := c.cacheKey(kind, key)
	raw, err := c.Cache.Get(ctx, ck)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		c.logf("record cache get %s failed: %v", ck, err)
	}
	raw, err = c.Backend.Get(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	if err := c.Cache.Set(ctx, ck, raw, c.ttl()); err != nil {
		c.logf("record cache set %s failed: %v", ck, err)
	}
	return raw, nil
}

func (c *CachedBackend) Update(ctx context.Context, fn func(Txn) error) error {
	var written []string
	err := c.Backend.Update(ctx, func(txn Txn) error {
		written = written[:0]
		return fn(&trackingTxn{Txn: txn, onPut: func(kind Kind, key string) {
			written = append(written, c.cacheKey(kind, key))
		}})
	})
	if err != nil {
		return err
	}
	if len(written) > 0 {
		if err := c.Cache.Del(ctx, written...); err != nil {
			c.logf("record cache evict failed: %v", err)
		}
	}
	return nil
}

type trackingTxn struct {
	Txn
	onPut func(kind Kind, key string)
}

func (t *trackingTxn) Put(ctx context.Context, kind Kind, key string, body []byte) error {
	if err := t.Txn.Put(ctx, kind, key, body); err != nil {
		return err
	}
	t.onPut(kind, key)
	return nil
}
