package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/golang-jwt/jwt/v5"
)

func newIdentity() solana.PublicKey {
	return solana.NewWallet().PublicKey()
}

func TestIssueAndVerifyHS256(t *testing.T) {
	id := newIdentity()
	now := time.Now().UTC()
	tok, err := IssueHS256("test-secret", id, []string{"operator"}, "issuer-hs", "quorumvault", now, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := VerifyHS256Token(tok, "test-secret", now, "issuer-hs", "quorumvault")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != id.String() || len(claims.Roles) != 1 {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	p, err := PrincipalFromClaims(claims)
	if err != nil || !p.Identity.Equals(id) {
		t.Fatalf("principal mismatch: %+v err=%v", p, err)
	}
}

func TestVerifyHS256Rejections(t *testing.T) {
	id := newIdentity()
	now := time.Now().UTC()
	good, err := IssueHS256("secret", id, nil, "issuer-1", "aud-1", now, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	cases := []struct {
		name     string
		token    string
		secret   string
		now      time.Time
		issuer   string
		audience string
	}{
		{"wrong_secret", good, "other", now, "", ""},
		{"issuer_mismatch", good, "secret", now, "issuer-2", ""},
		{"audience_mismatch", good, "secret", now, "", "aud-2"},
		{"expired", good, "secret", now.Add(2 * time.Minute), "", ""},
		{"not_yet_valid", good, "secret", now.Add(-time.Minute), "", ""},
		{"malformed", "bad.token", "secret", now, "", ""},
		{"empty_secret", good, "", now, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifyHS256Token(tc.token, tc.secret, tc.now, tc.issuer, tc.audience); err == nil {
				t.Fatal("expected verification failure")
			}
		})
	}
}

func TestVerifyHS256RequiresExpiry(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: newIdentity().String()}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := VerifyHS256Token(tok, "secret", time.Now(), "", ""); err == nil {
		t.Fatal("expected missing exp to be rejected")
	}
}

func TestVerifyHS256RejectsNoneAlgorithm(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   newIdentity().String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := VerifyHS256Token(tok, "secret", time.Now(), "", ""); err == nil {
		t.Fatal("expected alg none to be rejected")
	}
}

func TestIssueHS256Validation(t *testing.T) {
	if _, err := IssueHS256("", newIdentity(), nil, "", "", time.Now(), time.Minute); err == nil {
		t.Fatal("expected empty secret error")
	}
	if _, err := IssueHS256("s", newIdentity(), nil, "", "", time.Now(), 0); err == nil {
		t.Fatal("expected ttl error")
	}
}

func TestMiddlewareRejectsMissingAndInvalidToken(t *testing.T) {
	mw := Middleware("hs256", "secret")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer bad.token"} {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), `"unauthorized"`) {
			t.Fatalf("expected coded body, got %s", rr.Body.String())
		}
	}
}

func TestMiddlewareRejectsNonIdentitySubject(t *testing.T) {
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	h := Middleware("oidc_hs256", "secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestMiddlewareInjectsPrincipal(t *testing.T) {
	id := newIdentity()
	tok, err := IssueHS256("secret", id, []string{"Operator"}, "", "", time.Now().UTC(), time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	h := Middleware("hs256", "secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Fatalf("principal missing")
		}
		if !p.Identity.Equals(id) || !HasAnyRole(p, "operator") {
			t.Fatalf("unexpected principal %+v", p)
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMiddlewareModeBranches(t *testing.T) {
	t.Run("off_mode_injects_anonymous", func(t *testing.T) {
		h := Middleware("", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || p.Subject != "anonymous" || !p.Identity.IsZero() {
				t.Fatalf("expected anonymous principal, got %+v ok=%v", p, ok)
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
	})

	t.Run("off_mode_caller_header", func(t *testing.T) {
		id := newIdentity()
		h := Middleware("off", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, _ := PrincipalFromContext(r.Context())
			if !p.Identity.Equals(id) {
				t.Fatalf("caller header not honoured: %+v", p)
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CallerHeader, id.String())
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}

		req = httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(CallerHeader, "not-base58-!!")
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for bad caller header, got %d", rr.Code)
		}
	})

	t.Run("unsupported_mode_denied", func(t *testing.T) {
		h := Middleware("unknown_mode", "")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer abc.def.ghi")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected unsupported mode to deny, got %d", rr.Code)
		}
	})
}

func TestNormalizeMode(t *testing.T) {
	cases := map[string]string{"": ModeOff, " OFF ": ModeOff, "oidc_hs256": ModeHS256, "RS256": ModeRS256}
	for in, want := range cases {
		if got := NormalizeMode(in); got != want {
			t.Fatalf("NormalizeMode(%q)=%q want %q", in, got, want)
		}
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Roles: []string{"Operator", "SecurityAdmin"}}
	if !HasAnyRole(p, "securityadmin") {
		t.Fatal("expected role match")
	}
	if HasAnyRole(p, "auditor") {
		t.Fatal("unexpected role match")
	}
	if !HasAnyRole(p) {
		t.Fatal("no required roles must match")
	}
}

func jwksServerForKey(t *testing.T, key *rsa.PrivateKey, kid string) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{"kid": kid, "kty": "RSA", "alg": "RS256", "use": "sig", "n": n, "e": e},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signRS256(t *testing.T, claims Claims, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	out, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return out
}

func TestMiddlewareRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	jwks := jwksServerForKey(t, key, "kid-2")
	id := newIdentity()
	now := time.Now().UTC()
	token := signRS256(t, Claims{
		Roles: []string{"operator"},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			Issuer:    "issuer-rs",
			Audience:  jwt.ClaimStrings{"quorumvault", "other"},
			ExpiresAt: jwt.NewNumericDate(now.Add(2 * time.Minute)),
		},
	}, key, "kid-2")

	mw := Middleware("rs256", "", WithJWKS(jwks.URL), WithIssuer("issuer-rs"), WithAudience("quorumvault"), WithTimeout(2*time.Second))
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || !p.Identity.Equals(id) {
			t.Fatalf("principal missing: %+v", p)
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, strings.TrimSpace(rr.Body.String()))
	}
}

func TestVerifyRS256Rejections(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	jwks := jwksServerForKey(t, key, "kid-1")
	cache := newJWKSCache(jwks.URL, time.Second)
	now := time.Now().UTC()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   newIdentity().String(),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
	}}

	if _, err := VerifyRS256Token(context.Background(), signRS256(t, claims, key, ""), now, cache, "", ""); err == nil {
		t.Fatal("expected missing kid to fail")
	}
	if _, err := VerifyRS256Token(context.Background(), signRS256(t, claims, key, "kid-9"), now, cache, "", ""); err == nil {
		t.Fatal("expected unknown kid to fail")
	}
	hs, err := IssueHS256("secret", newIdentity(), nil, "", "", now, time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := VerifyRS256Token(context.Background(), hs, now, cache, "", ""); err == nil {
		t.Fatal("expected HS256 token to be rejected in rs256 mode")
	}
	if _, err := VerifyRS256Token(context.Background(), signRS256(t, claims, key, "kid-1"), now, cache, "", ""); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
}

func TestJWKSCacheBranches(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{}})
	}))
	defer empty.Close()
	if _, err := newJWKSCache(empty.URL, time.Second).key(context.Background(), "missing", time.Now()); err == nil {
		t.Fatal("expected error for empty jwks")
	}
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()
	if _, err := newJWKSCache(failing.URL, time.Second).key(context.Background(), "kid", time.Now()); err == nil {
		t.Fatal("expected error for failing jwks endpoint")
	}
	if _, err := newJWKSCache("", time.Second).key(context.Background(), "kid", time.Now()); err == nil {
		t.Fatal("expected error for missing url")
	}
	var nilCache *jwksCache
	if _, err := nilCache.key(context.Background(), "kid", time.Now()); err == nil {
		t.Fatal("expected error for nil cache")
	}
}

func TestRSAFromJWKRejectsBadExponent(t *testing.T) {
	if _, err := rsaFromJWK("AQAB", ""); err == nil {
		t.Fatal("expected empty exponent error")
	}
	if _, err := rsaFromJWK("AQAB", base64.RawURLEncoding.EncodeToString([]byte{1})); err == nil {
		t.Fatal("expected exponent <= 1 error")
	}
	if _, err := rsaFromJWK("%%", "AQAB"); err == nil {
		t.Fatal("expected modulus decode error")
	}
}

func TestIsValidURL(t *testing.T) {
	for _, raw := range []string{"", "   ", "://broken", "http:///missing-host"} {
		if IsValidURL(raw) {
			t.Fatalf("%q must be invalid", raw)
		}
	}
	for _, raw := range []string{"https://example.com/path", "http://localhost:8080/healthz"} {
		if !IsValidURL(raw) {
			t.Fatalf("%q must be valid", raw)
		}
	}
}
