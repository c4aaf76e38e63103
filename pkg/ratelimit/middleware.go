package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"quorumvault/pkg/httpx"
)

// Middleware rejects requests over limit per key with 429. keyFn derives
// the counter key from the request; onLimited, when set, is told the key of
// each rejection.
func Middleware(l Limiter, limit int, keyFn func(*http.Request) string, onLimited func(key string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			d := l.Allow(r.Context(), key, limit)
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				if onLimited != nil {
					onLimited(key)
				}
				h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter(time.Now().UTC()).Seconds())))
				httpx.WriteCoded(w, "rate_limited", "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
