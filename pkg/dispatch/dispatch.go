// Package dispatch delivers actions released by the engine to an external
// relay that submits them on the wallet's behalf.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"quorumvault/pkg/httpx"
	"quorumvault/pkg/telemetry"
	"quorumvault/pkg/vault"
)

var ErrRelayRejected = errors.New("relay rejected action")

type HTTPDispatcher struct {
	URL        string
	Client     *http.Client
	AuthHeader string
	AuthToken  string
	Retries    int
	RetryDelay time.Duration
	// MaxRetryDelay caps a relay's Retry-After.
	MaxRetryDelay time.Duration
}

// Envelope is the body posted to the relay for every dispatched action.
type Envelope struct {
	RequestID string         `json:"request_id"`
	Dispatch  vault.Dispatch `json:"dispatch"`
}

func NewHTTPDispatcher(url string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDispatcher{
		URL:           strings.TrimRight(strings.TrimSpace(url), "/"),
		Client:        telemetry.InstrumentClient(&http.Client{Timeout: timeout}),
		Retries:       2,
		RetryDelay:    200 * time.Millisecond,
		MaxRetryDelay: 2 * time.Second,
	}
}

func (d *HTTPDispatcher) headers(requestID string) map[string]string {
	h := map[string]string{"X-Request-ID": requestID}
	if d.AuthHeader != "" && d.AuthToken != "" {
		h[d.AuthHeader] = d.AuthToken
	}
	return h
}

// Dispatch posts one action to the relay. Any non-2xx answer fails the
// dispatch so the engine rolls the operation back. Retried attempts reuse
// the same X-Request-ID so the relay can drop duplicates.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, dis vault.Dispatch) error {
	if d.URL == "" {
		return errors.New("relay url is required")
	}
	env := Envelope{RequestID: uuid.NewString(), Dispatch: dis}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	status, respBody, err := httpx.RequestJSON(ctx, d.Client, http.MethodPost, d.URL+"/v1/dispatch", body, d.headers(env.RequestID), httpx.RetryPolicy{
		Retries:  d.Retries,
		Delay:    d.RetryDelay,
		MaxDelay: d.MaxRetryDelay,
	})
	if err != nil {
		return fmt.Errorf("relay unavailable: %w", err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%w: status %d: %s", ErrRelayRejected, status, strings.TrimSpace(truncate(string(respBody), 256)))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// LogDispatcher accepts every action and logs it. It is meant for local
// development where no relay is running.
type LogDispatcher struct {
	Logf func(format string, args ...any)
}

func (l LogDispatcher) Dispatch(_ context.Context, d vault.Dispatch) error {
	logf := l.Logf
	if logf == nil {
		logf = log.Printf
	}
	logf("dispatch signer=%s target=%s accounts=%d data=%dB internal=%v", d.Signer, d.Action.Target, len(d.Action.Accounts), len(d.Action.Data), d.Internal)
	return nil
}
