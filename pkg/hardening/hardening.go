// Package hardening refuses vaultd configurations that are unsafe outside
// development: unauthenticated callers, unencrypted record or cache
// traffic, and open browser origins.
package hardening

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type Options struct {
	Environment        string
	StrictProdSecurity string
	Backend            string
	AuthMode           string
	HS256Secret        string
	JWKSURL            string
	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisInsecureTLS   string
	RelayURL           string
	// Origins maps an env name (CORS_ALLOWED_ORIGINS, WS_ALLOWED_ORIGINS)
	// to its comma-separated value. Only CORS must be non-empty; an empty
	// websocket list means same-origin.
	Origins map[string]string
}

func ProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}

// ValidateProduction reports every violation at once.
func ValidateProduction(o Options) error {
	if !ProductionLike(o.Environment) || !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	var errs []error
	fail := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if b := strings.ToLower(strings.TrimSpace(o.Backend)); b != "postgres" {
		fail("STORE_BACKEND=postgres is required, got %q", o.Backend)
	}
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(o.AuthMode)), "oidc_") {
	case "hs256":
		if strings.TrimSpace(o.HS256Secret) == "" {
			fail("AUTH_HS256_SECRET is required")
		}
	case "rs256":
		if !isHTTPS(o.JWKSURL) {
			fail("OIDC_JWKS_URL must be an https URL for rs256")
		}
	default:
		fail("AUTH_MODE must be hs256 or rs256, got %q", o.AuthMode)
	}
	if !isTrue(o.DatabaseRequireTLS, false) {
		fail("DATABASE_REQUIRE_TLS=true is required")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			fail("REDIS_REQUIRE_TLS=true is required when REDIS_ADDR is set")
		}
		if isTrue(o.RedisInsecureTLS, false) {
			fail("REDIS_TLS_INSECURE is forbidden")
		}
	}
	if !isHTTPS(o.RelayURL) {
		fail("RELAY_URL must be an https relay, got %q", o.RelayURL)
	}
	names := make([]string, 0, len(o.Origins))
	for name := range o.Origins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		errs = append(errs, checkOrigins(name, o.Origins[name])...)
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("production hardening: %w", errors.Join(errs...))
}

func checkOrigins(name, raw string) []error {
	var errs []error
	count := 0
	for _, origin := range strings.Split(raw, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		count++
		lower := strings.ToLower(origin)
		scheme, host, hasScheme := strings.Cut(lower, "://")
		if !hasScheme {
			host = lower
		}
		switch {
		case host == "*":
			errs = append(errs, fmt.Errorf("%s forbids the wildcard origin", name))
		case strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1"):
			errs = append(errs, fmt.Errorf("%s forbids loopback origin %q", name, origin))
		case hasScheme && scheme != "https":
			errs = append(errs, fmt.Errorf("%s requires https origins, got %q", name, origin))
		}
	}
	if count == 0 && name == "CORS_ALLOWED_ORIGINS" {
		errs = append(errs, fmt.Errorf("%s must list the allowed console origins", name))
	}
	return errs
}

func isHTTPS(raw string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(raw)), "https://")
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}
