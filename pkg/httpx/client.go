package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy bounds the retries of RequestJSON. Transport errors, 5xx and
// 429 answers are retried. A Retry-After in whole seconds replaces Delay for
// that wait, capped at MaxDelay.
type RetryPolicy struct {
	Retries  int
	Delay    time.Duration
	MaxDelay time.Duration
}

func (p RetryPolicy) backoff(resp *http.Response) time.Duration {
	d := p.Delay
	if resp != nil {
		if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil && secs >= 0 {
			d = time.Duration(secs) * time.Second
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// RequestJSON sends body and returns the final status and response body.
// The last retryable answer is returned as is once retries run out; waits
// stop early when ctx is done.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, policy RetryPolicy) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if _, err := http.NewRequestWithContext(ctx, method, url, nil); err != nil {
		return 0, nil, err
	}
	retries := max(policy.Retries, 0)
	for attempt := 0; ; attempt++ {
		status, respBody, resp, err := attemptJSON(ctx, client, method, url, body, headers)
		last := attempt >= retries
		switch {
		case err != nil && last:
			return 0, nil, err
		case err == nil && (!retryable(status) || last):
			return status, respBody, nil
		}
		if werr := wait(ctx, policy.backoff(resp)); werr != nil {
			return status, respBody, werr
		}
	}
}

func attemptJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string) (int, []byte, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, resp, err
	}
	return resp.StatusCode, respBody, resp, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
