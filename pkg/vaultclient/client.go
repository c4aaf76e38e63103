// Package vaultclient is a thin HTTP client for the vaultd API.
package vaultclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quorumvault/pkg/auth"
	"quorumvault/pkg/httpx"
	"quorumvault/pkg/models"
	"quorumvault/pkg/vault"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
	// Caller is sent as the caller header when AuthToken is empty. It only
	// works against a server running with authentication off.
	Caller models.Identity
}

// APIError is a non-2xx response from vaultd.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vaultd %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("vaultd %d: %s", e.Status, e.Message)
}

// CodeOf returns the engine error code carried by err, or "" when err is
// not an APIError.
func CodeOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type CreateWalletRequest struct {
	Base         models.Identity   `json:"base"`
	Owners       []models.Identity `json:"owners"`
	Threshold    uint64            `json:"threshold"`
	MinimumDelay int64             `json:"minimum_delay_sec"`
	Guardians    []models.Identity `json:"guardians"`
	MaxOwners    uint8             `json:"max_owners"`
	MaxGuardians uint8             `json:"max_guardians"`
}

// SelfCall asks the server to encode a configuration change. Set exactly
// the field Kind needs.
type SelfCall struct {
	Kind      string            `json:"kind"`
	Owners    []models.Identity `json:"owners,omitempty"`
	Threshold *uint64           `json:"threshold,omitempty"`
	Frozen    *bool             `json:"frozen,omitempty"`
}

func (c *Client) Policy(ctx context.Context) (models.GlobalPolicy, error) {
	var out models.GlobalPolicy
	err := c.do(ctx, http.MethodGet, "/v1/policy", nil, &out)
	return out, err
}

func (c *Client) InitPolicy(ctx context.Context, p models.GlobalPolicy) error {
	return c.do(ctx, http.MethodPost, "/v1/policy", p, nil)
}

func (c *Client) Wallet(ctx context.Context, wallet models.Identity) (models.Wallet, error) {
	var out models.Wallet
	err := c.do(ctx, http.MethodGet, walletPath(wallet, ""), nil, &out)
	return out, err
}

func (c *Client) Transaction(ctx context.Context, wallet models.Identity, index uint64) (models.Transaction, error) {
	var out models.Transaction
	err := c.do(ctx, http.MethodGet, walletPath(wallet, "/transactions/"+u64(index)), nil, &out)
	return out, err
}

func (c *Client) GuardianAction(ctx context.Context, wallet models.Identity, index uint64) (models.GuardianAction, error) {
	var out models.GuardianAction
	err := c.do(ctx, http.MethodGet, walletPath(wallet, "/guardian-actions/"+u64(index)), nil, &out)
	return out, err
}

func (c *Client) CreateWallet(ctx context.Context, req CreateWalletRequest) (models.Wallet, error) {
	var out models.Wallet
	err := c.do(ctx, http.MethodPost, "/v1/wallets", req, &out)
	return out, err
}

func (c *Client) DeriveWallet(ctx context.Context, base models.Identity) (models.Identity, error) {
	var out map[string]models.Identity
	if err := c.do(ctx, http.MethodGet, "/v1/derive/wallet?base="+url.QueryEscape(base.String()), nil, &out); err != nil {
		return models.Identity{}, err
	}
	return out["wallet"], nil
}

func (c *Client) SetSession(ctx context.Context, wallet models.Identity, expiry *int64) error {
	return c.do(ctx, http.MethodPost, walletPath(wallet, "/session"), map[string]*int64{"expiry": expiry}, nil)
}

func (c *Client) Lock(ctx context.Context, wallet models.Identity) error {
	return c.do(ctx, http.MethodPost, walletPath(wallet, "/lock"), nil, nil)
}

func (c *Client) SetFrozen(ctx context.Context, wallet models.Identity, frozen bool) error {
	return c.do(ctx, http.MethodPost, walletPath(wallet, "/frozen"), map[string]bool{"frozen": frozen}, nil)
}

func (c *Client) BuildSelfCall(ctx context.Context, wallet models.Identity, call SelfCall) (models.Action, error) {
	var out models.Action
	err := c.do(ctx, http.MethodPost, walletPath(wallet, "/self-calls"), call, &out)
	return out, err
}

// Propose submits a transaction; eta nil means no timelock.
func (c *Client) Propose(ctx context.Context, wallet models.Identity, actions []models.Action, eta *int64) (models.Transaction, error) {
	body := struct {
		Actions []models.Action `json:"actions"`
		ETA     *int64          `json:"eta,omitempty"`
	}{Actions: actions, ETA: eta}
	var out models.Transaction
	err := c.do(ctx, http.MethodPost, walletPath(wallet, "/transactions"), body, &out)
	return out, err
}

func (c *Client) Approve(ctx context.Context, wallet models.Identity, index uint64) (models.Transaction, error) {
	var out models.Transaction
	err := c.do(ctx, http.MethodPost, walletPath(wallet, "/transactions/"+u64(index)+"/approve"), nil, &out)
	return out, err
}

func (c *Client) Unapprove(ctx context.Context, wallet models.Identity, index uint64) (models.Transaction, error) {
	var out models.Transaction
	err := c.do(ctx, http.MethodPost, walletPath(wallet, "/transactions/"+u64(index)+"/unapprove"), nil, &out)
	return out, err
}

// Execute runs a transaction as the wallet, or as its Derived sub-identity
// when derivedIndex is set.
func (c *Client) Execute(ctx context.Context, wallet models.Identity, index uint64, derivedIndex *uint64) (vault.Receipt, error) {
	var body any
	if derivedIndex != nil {
		body = map[string]uint64{"derived_index": *derivedIndex}
	}
	var out vault.Receipt
	err := c.do(ctx, http.MethodPost, walletPath(wallet, "/transactions/"+u64(index)+"/execute"), body, &out)
	return out, err
}

func (c *Client) ProposeGuardianAction(ctx context.Context, wallet models.Identity, typ models.GuardianActionType, addresses []models.Identity) (models.GuardianAction, error) {
	body := struct {
		Type      models.GuardianActionType `json:"type"`
		Addresses []models.Identity         `json:"addresses"`
	}{Type: typ, Addresses: addresses}
	var out models.GuardianAction
	err := c.do(ctx, http.MethodPost, walletPath(wallet, "/guardian-actions"), body, &out)
	return out, err
}

func (c *Client) SignGuardianAction(ctx context.Context, wallet models.Identity, index uint64) (models.GuardianAction, error) {
	var out models.GuardianAction
	err := c.do(ctx, http.MethodPost, walletPath(wallet, "/guardian-actions/"+u64(index)+"/sign"), nil, &out)
	return out, err
}

func (c *Client) OwnerInvoke(ctx context.Context, wallet models.Identity, index uint64, action models.Action) (vault.Receipt, error) {
	body := struct {
		Index  uint64        `json:"index"`
		Action models.Action `json:"action"`
	}{Index: index, Action: action}
	var out vault.Receipt
	err := c.do(ctx, http.MethodPost, walletPath(wallet, "/invoke"), body, &out)
	return out, err
}

func (c *Client) RegisterSubIdentity(ctx context.Context, rec models.SubIdentityRecord) (models.SubIdentityRecord, error) {
	var out models.SubIdentityRecord
	err := c.do(ctx, http.MethodPost, "/v1/sub-identities", rec, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	c.applyAuth(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var eb httpx.ErrorBody
		if json.Unmarshal(respBody, &eb) == nil && eb.Error != "" {
			apiErr.Code, apiErr.Message = eb.Code, eb.Error
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if token := strings.TrimSpace(c.AuthToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		return
	}
	if !c.Caller.IsZero() {
		req.Header.Set(auth.CallerHeader, c.Caller.String())
	}
}

func walletPath(wallet models.Identity, rest string) string {
	return "/v1/wallets/" + wallet.String() + rest
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }
