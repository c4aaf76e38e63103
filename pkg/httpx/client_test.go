package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// relay answers with the listed statuses in order, then 202.
func relay(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if n <= len(statuses) {
			if statuses[n-1] == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "0")
			}
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"code":"relay_busy"}`))
			return
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"signature":"5xY"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRequestJSONRetryPolicy(t *testing.T) {
	cases := []struct {
		name       string
		statuses   []int
		retries    int
		wantStatus int
		wantCalls  int32
	}{
		{"accepted first time", nil, 2, http.StatusAccepted, 1},
		{"bad gateway then accepted", []int{http.StatusBadGateway}, 2, http.StatusAccepted, 2},
		{"rate limited then accepted", []int{http.StatusTooManyRequests}, 1, http.StatusAccepted, 2},
		{"rejection is final", []int{http.StatusUnprocessableEntity}, 3, http.StatusUnprocessableEntity, 1},
		{"retries exhausted", []int{503, 503, 503}, 2, http.StatusServiceUnavailable, 3},
		{"negative retries mean one attempt", []int{503}, -1, http.StatusServiceUnavailable, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, calls := relay(t, tc.statuses...)
			status, _, err := RequestJSON(context.Background(), srv.Client(), http.MethodPost, srv.URL+"/v1/dispatch",
				[]byte(`{"request_id":"r1"}`), nil, RetryPolicy{Retries: tc.retries, Delay: time.Millisecond})
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			if status != tc.wantStatus || calls.Load() != tc.wantCalls {
				t.Fatalf("status=%d calls=%d, want %d and %d", status, calls.Load(), tc.wantStatus, tc.wantCalls)
			}
		})
	}
}

func TestRequestJSONSendsEnvelopeHeaders(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("X-Request-ID"))
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Relay-Token") != "tok" {
			t.Errorf("missing headers: %v", r.Header)
		}
		if len(seen) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	headers := map[string]string{"X-Request-ID": "req-7", "X-Relay-Token": "tok"}
	if _, _, err := RequestJSON(context.Background(), nil, http.MethodPost, srv.URL, []byte(`{}`), headers, RetryPolicy{Retries: 1}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(seen) != 2 || seen[0] != "req-7" || seen[1] != "req-7" {
		t.Fatalf("retries must reuse the request id: %v", seen)
	}
}

func TestRetryAfterIsCapped(t *testing.T) {
	resp := &http.Response{Header: http.Header{"Retry-After": []string{"30"}}}
	p := RetryPolicy{Delay: 10 * time.Millisecond, MaxDelay: time.Second}
	if got := p.backoff(resp); got != time.Second {
		t.Fatalf("backoff = %v, want capped 1s", got)
	}
	resp.Header.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")
	if got := p.backoff(resp); got != 10*time.Millisecond {
		t.Fatalf("http-date Retry-After should fall back to delay, got %v", got)
	}
	if got := p.backoff(nil); got != 10*time.Millisecond {
		t.Fatalf("transport error backoff = %v", got)
	}
}

func TestRequestJSONStopsWhenContextEnds(t *testing.T) {
	srv, calls := relay(t, 503, 503, 503)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	status, _, err := RequestJSON(ctx, srv.Client(), http.MethodPost, srv.URL, nil, nil, RetryPolicy{Retries: 5, Delay: time.Minute})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if status != http.StatusServiceUnavailable || calls.Load() != 1 {
		t.Fatalf("status=%d calls=%d", status, calls.Load())
	}
}

func TestRequestJSONTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()
	if _, _, err := RequestJSON(context.Background(), nil, http.MethodPost, url, nil, nil, RetryPolicy{Retries: 1, Delay: time.Millisecond}); err == nil {
		t.Fatal("expected error from closed relay")
	}
	if _, _, err := RequestJSON(context.Background(), nil, "BAD METHOD", "http://relay", nil, nil, RetryPolicy{}); err == nil {
		t.Fatal("expected request construction error")
	}
}
