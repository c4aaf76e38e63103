package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"quorumvault/pkg/audit"
	"quorumvault/pkg/auth"
	"quorumvault/pkg/config"
	"quorumvault/pkg/derive"
	"quorumvault/pkg/dispatch"
	"quorumvault/pkg/events"
	"quorumvault/pkg/hardening"
	"quorumvault/pkg/httpx"
	"quorumvault/pkg/metrics"
	"quorumvault/pkg/ratelimit"
	"quorumvault/pkg/store"
	"quorumvault/pkg/stream"
	"quorumvault/pkg/telemetry"
	"quorumvault/pkg/vault"
)

// defaultProgramID is the engine identity used when neither PROGRAM_ID nor
// the bootstrap file sets one.
const defaultProgramID = "7iFugUof2fQaHojbxskcELz5nCfNfKJx5vd8cY7qPAYU"

type Server struct {
	Engine              *vault.Engine
	Audit               auditStore
	Metrics             *metrics.Registry
	Events              *stream.Hub
	RateLimiter         ratelimit.Limiter
	RateLimitPerMinute  int
	AuthMode            string
	MaxRequestBodyBytes int64
	WSAllowedOrigins    []string
	Ready               func(ctx context.Context) error
}

type auditStore interface {
	Append(ctx context.Context, rec audit.Record) error
	Get(ctx context.Context, decisionID string) (audit.Record, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]audit.Record, error)
}

type vaultdDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

type vaultdInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type vaultdOpenDBFunc func(ctx context.Context) (vaultdDB, error)
type vaultdOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type vaultdListenFunc func(server *http.Server) error
type vaultdStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryV = telemetry.Init
	openDBFnV      = func(ctx context.Context) (vaultdDB, error) { return store.NewPostgresPool(ctx) }
	openRedisFnV   = store.NewRedis
	listenFnV      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnV  = func(s *Server) { go s.metricsLoop(context.Background()) }
)

func main() {
	if err := runVaultd(initTelemetryV, openDBFnV, openRedisFnV, listenFnV, startLoopsFnV); err != nil {
		logFatalf("vaultd: %v", err)
	}
}

func runVaultd(
	initTelemetry vaultdInitTelemetryFunc,
	openDB vaultdOpenDBFunc,
	openRedis vaultdOpenRedisFunc,
	listen vaultdListenFunc,
	startLoops vaultdStartLoopsFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "vaultd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	authMode := auth.NormalizeMode(env("AUTH_MODE", "hs256"))
	authSecret := env("AUTH_HS256_SECRET", "")
	backendName := strings.ToLower(strings.TrimSpace(env("STORE_BACKEND", "memory")))
	relayURL := env("RELAY_URL", "")
	if authMode == auth.ModeOff {
		if env("ALLOW_INSECURE_AUTH_OFF", "false") != "true" {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if hardening.ProductionLike(runtimeEnv) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		Backend:            backendName,
		AuthMode:           authMode,
		HS256Secret:        authSecret,
		JWKSURL:            env("OIDC_JWKS_URL", ""),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisInsecureTLS:   env("REDIS_TLS_INSECURE", ""),
		RelayURL:           relayURL,
		Origins: map[string]string{
			"CORS_ALLOWED_ORIGINS": env("CORS_ALLOWED_ORIGINS", ""),
			"WS_ALLOWED_ORIGINS":   env("WS_ALLOWED_ORIGINS", ""),
		},
	}); err != nil {
		return fmt.Errorf("vaultd: %w", err)
	}
	if authMode == auth.ModeHS256 && authSecret == "" {
		return errors.New("AUTH_HS256_SECRET is required for AUTH_MODE=hs256")
	}

	var bootstrap *config.Bootstrap
	if path := env("BOOTSTRAP_FILE", ""); path != "" {
		bootstrap, err = config.LoadPolicyFile(path)
		if err != nil {
			return err
		}
	}
	programID, err := solana.PublicKeyFromBase58(env("PROGRAM_ID", defaultProgramID))
	if err != nil {
		return fmt.Errorf("PROGRAM_ID: %w", err)
	}
	programID = bootstrap.Program(programID)

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	s := &Server{
		Metrics:             metrics.NewRegistry(),
		Events:              stream.NewHub(),
		RateLimitPerMinute:  envInt("RATE_LIMIT_PER_MINUTE", 240),
		AuthMode:            authMode,
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		WSAllowedOrigins:    wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")),
	}
	if s.MaxRequestBodyBytes <= 0 {
		s.MaxRequestBodyBytes = 1 << 20
	}

	var backend store.Backend
	switch backendName {
	case "postgres":
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		backend = store.NewPostgresBackend(pool)
		if env("RECORD_CACHE_ENABLED", "true") == "true" {
			cached := store.NewCachedBackend(backend, store.NewCache(ctx, redisClient), envDurationSec("RECORD_CACHE_TTL_SEC", 30))
			backend = cached
		}
		s.Audit = &audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   strings.EqualFold(strings.TrimSpace(env("AUDIT_REDACT", "false")), "true"),
		}
		s.Ready = pool.Ping
	case "memory":
		log.Printf("vaultd: using in-memory record store; state is lost on restart")
		backend = store.NewMemoryBackend()
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", backendName)
	}

	sinks := events.Multi{s.Events}
	if brokers := splitCSV(env("KAFKA_BROKERS", "")); len(brokers) > 0 {
		kafkaSink, err := events.NewKafkaSink(events.KafkaConfig{Brokers: brokers, Topic: env("KAFKA_TOPIC", "quorumvault.events")})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, countingSink{name: "kafka", sink: kafkaSink, metrics: s.Metrics})
	}

	var dispatcher vault.Dispatcher = dispatch.LogDispatcher{}
	if relayURL != "" {
		d := dispatch.NewHTTPDispatcher(relayURL, time.Millisecond*time.Duration(envInt("RELAY_TIMEOUT_MS", 5000)))
		d.AuthHeader = env("RELAY_AUTH_HEADER", "")
		d.AuthToken = env("RELAY_AUTH_TOKEN", "")
		d.Retries = envInt("RELAY_RETRIES", 2)
		dispatcher = d
	} else {
		log.Printf("vaultd: RELAY_URL unset, dispatched actions are only logged")
	}

	var deriver derive.Deriver = derive.NewProgramDeriver(programID)
	if strings.EqualFold(env("DERIVER", "program"), "hash") {
		deriver = derive.NewHashDeriver(env("DERIVER_DOMAIN", "quorumvault"))
	}

	s.Engine = vault.New(backend, vault.Options{
		ProgramID:  programID,
		Dispatcher: dispatcher,
		Deriver:    deriver,
		Sink:       sinks,
		Observer:   s.Metrics,
	})
	if bootstrap != nil {
		if err := s.Engine.InitGlobalPolicy(ctx, bootstrap.GlobalPolicy()); err != nil && !errors.Is(err, vault.ErrAlreadyInitialized) {
			return fmt.Errorf("bootstrap policy: %w", err)
		}
	}

	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		window := envDurationSec("RATE_LIMIT_WINDOW_SEC", 60)
		if window <= 0 {
			window = time.Minute
		}
		if redisClient != nil {
			s.RateLimiter = ratelimit.NewRedis(redisClient, window)
		} else {
			s.RateLimiter = ratelimit.NewInMemory(window)
		}
	}

	r := s.routes(env("CORS_ALLOWED_ORIGINS", ""), auth.Middleware(
		authMode,
		authSecret,
		auth.WithJWKS(env("OIDC_JWKS_URL", "")),
		auth.WithIssuer(env("OIDC_ISSUER", "")),
		auth.WithAudience(env("OIDC_AUDIENCE", "")),
		auth.WithTimeout(time.Millisecond*time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))),
	))

	if startLoops != nil {
		startLoops(s)
	}

	addr := env("ADDR", ":8080")
	log.Printf("vaultd listening on %s program=%s backend=%s", addr, programID, backendName)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func (s *Server) routes(corsOrigins string, authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("vaultd"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "vaultd"})
	})
	r.Get("/readyz", s.readyz)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/metrics", s.withRoles(s.Metrics.Handler(), "operator", "auditor"))
		r.Get("/metrics/prometheus", s.withRoles(s.Metrics.PrometheusHandler(), "operator", "auditor"))

		r.Get("/v1/policy", s.getPolicy)
		r.Get("/v1/wallets/{wallet}", s.getWallet)
		r.Get("/v1/wallets/{wallet}/transactions/{index}", s.getTransaction)
		r.Get("/v1/wallets/{wallet}/guardian-actions/{index}", s.getGuardianAction)
		r.Get("/v1/sub-identities/{sub}", s.getSubIdentity)
		r.Get("/v1/derive/wallet", s.deriveWallet)
		r.Get("/v1/derive/sub-identity", s.deriveSubIdentity)
		r.Get("/v1/audit", s.withRoles(s.listAudit, "auditor", "securityadmin"))
		r.Get("/v1/audit/{decision_id}", s.withRoles(s.getAudit, "auditor", "securityadmin"))
		r.Get("/v1/stream", s.streamEvents)

		r.Group(func(r chi.Router) {
			if s.RateLimiter != nil {
				r.Use(ratelimit.Middleware(s.RateLimiter, s.RateLimitPerMinute, rateLimitKey, func(string) {
					s.Metrics.IncRateLimited("write")
				}))
			}
			r.Post("/v1/policy", s.initPolicy)
			r.Patch("/v1/policy", s.updatePolicy)
			r.Post("/v1/policy/administrator", s.transferAdministrator)
			r.Post("/v1/wallets", s.createWallet)
			r.Post("/v1/wallets/{wallet}/session", s.setSession)
			r.Post("/v1/wallets/{wallet}/frozen", s.setFrozen)
			r.Post("/v1/wallets/{wallet}/lock", s.lockWallet)
			r.Post("/v1/wallets/{wallet}/self-calls", s.buildSelfCall)
			r.Post("/v1/wallets/{wallet}/transactions", s.proposeTransaction)
			r.Post("/v1/wallets/{wallet}/transactions/{index}/approve", s.approveTransaction)
			r.Post("/v1/wallets/{wallet}/transactions/{index}/unapprove", s.unapproveTransaction)
			r.Post("/v1/wallets/{wallet}/transactions/{index}/execute", s.executeTransaction)
			r.Post("/v1/wallets/{wallet}/guardian-actions", s.proposeGuardianAction)
			r.Post("/v1/wallets/{wallet}/guardian-actions/{index}/sign", s.signGuardianAction)
			r.Post("/v1/wallets/{wallet}/invoke", s.ownerInvoke)
			r.Post("/v1/wallets/{wallet}/invoke/raw", s.ownerInvokeRaw)
			r.Post("/v1/sub-identities", s.registerSubIdentity)
		})
	})
	return r
}

func rateLimitKey(r *http.Request) string {
	p, _ := auth.PrincipalFromContext(r.Context())
	return ratelimit.Key("write", p.Subject)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.Ready(ctx); err != nil {
			httpx.Error(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	httpx.WriteJSON(w, 200, map[string]string{"status": "ready"})
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Events == nil {
		return
	}
	s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	s.Metrics.SetGauge("stream_dropped_total", float64(s.Events.Dropped()))
}

// countingSink records per-sink publish outcomes.
type countingSink struct {
	name    string
	sink    events.Sink
	metrics *metrics.Registry
}

func (c countingSink) Publish(ctx context.Context, evts ...events.Event) error {
	err := c.sink.Publish(ctx, evts...)
	outcome := c.name + ".ok"
	if err != nil {
		outcome = c.name + ".error"
	}
	c.metrics.AddEvents(outcome, len(evts))
	return err
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets /v1/stream upgrade through the metrics middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.code = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + routePattern(r)
		s.Metrics.Observe(path, rec.code, elapsed)
	})
}

// routePattern keeps identities out of metric names.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AuthMode == auth.ModeOff {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			httpx.WriteCoded(w, "unauthorized", "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func wsOriginPatterns(raw string) []string {
	return splitCSV(raw)
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
