package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryLimiter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewInMemory(time.Minute)
	limiter.now = func() time.Time { return now }
	key := Key("write", "Owner111")

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.Allow(ctx, key, 2)
	if !second.Allowed || second.Count != 2 || second.Remaining != 0 {
		t.Fatalf("unexpected second decision: %+v", second)
	}
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 || third.Remaining != 0 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	if other := limiter.Allow(ctx, Key("write", "Owner222"), 2); !other.Allowed {
		t.Fatalf("keys should not share counters: %+v", other)
	}
	now = now.Add(61 * time.Second)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestInMemoryDefaults(t *testing.T) {
	limiter := NewInMemory(0)
	if limiter.window != time.Minute {
		t.Fatalf("expected default window, got %s", limiter.window)
	}
	decision := limiter.Allow(context.Background(), "k", 0)
	if !decision.Allowed || decision.Limit != 1 {
		t.Fatalf("expected limit floor of 1, got %+v", decision)
	}
}

func TestKey(t *testing.T) {
	if got := Key(" ", ""); got != "default:anonymous" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := Key("read", "abc"); got != "read:abc" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := Decision{ResetAt: now.Add(1500 * time.Millisecond)}
	if got := d.RetryAfter(now); got != 2*time.Second {
		t.Fatalf("retry after %s, want 2s", got)
	}
	if got := (Decision{ResetAt: now.Add(-time.Second)}).RetryAfter(now); got != time.Second {
		t.Fatalf("retry after %s, want 1s", got)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client, 25*time.Millisecond)
	ctx := context.Background()
	key := Key("write", "u1")

	first := limiter.Allow(ctx, key, 2)
	if !first.Allowed || first.Count != 1 || first.Remaining != 1 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	if !mr.Exists("quorumvault:rl:" + key) {
		t.Fatal("expected prefixed counter key in redis")
	}
	limiter.Allow(ctx, key, 2)
	third := limiter.Allow(ctx, key, 2)
	if third.Allowed || third.Count != 3 {
		t.Fatalf("unexpected third decision: %+v", third)
	}
	mr.FastForward(30 * time.Millisecond)
	reset := limiter.Allow(ctx, key, 2)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected counter reset after window, got %+v", reset)
	}
}

func TestRedisLimiterUnavailableFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   -1,
	})
	limiter := NewRedis(client, time.Second)
	ctx := context.Background()
	if d := limiter.Allow(ctx, "write:u1", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected in-memory fallback allow on redis outage, got %+v", d)
	}
	if d := limiter.Allow(ctx, "write:u1", 1); d.Allowed {
		t.Fatalf("expected fallback limiter to enforce limits, got %+v", d)
	}

	limiter.Fallback = nil
	if d := limiter.Allow(ctx, "write:u1", 1); !d.Allowed {
		t.Fatalf("without fallback the limiter fails open, got %+v", d)
	}
}

func TestRedisLimiterNilClient(t *testing.T) {
	limiter := NewRedis(nil, 0)
	if limiter.Window != time.Minute {
		t.Fatalf("expected default window, got %s", limiter.Window)
	}
	if d := limiter.Allow(context.Background(), "k", 1); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fallback decision, got %+v", d)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := NewInMemory(time.Minute)
	var limited []string
	h := Middleware(limiter, 1, func(r *http.Request) string { return Key("write", r.Header.Get("X-Caller")) }, func(key string) {
		limited = append(limited, key)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/wallets", nil)
		req.Header.Set("X-Caller", "u1")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}
	if rr := send(); rr.Code != http.StatusNoContent || rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("first request: %d %v", rr.Code, rr.Header())
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("second request: %d %v", rr.Code, rr.Header())
	}
	if len(limited) != 1 || limited[0] != "write:u1" {
		t.Fatalf("onLimited not called: %v", limited)
	}
}
