package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

// recordsLockID keys the transaction-scoped advisory lock that serializes
// record writers across vaultd replicas.
const recordsLockID = int64(0x7175_6f72_756d)

// NewPostgresPool connects using DATABASE_URL, or the DATABASE_* parts when
// it is unset, retrying until the database answers a ping.
func NewPostgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		dsn = defaultPostgresURL()
	}
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = int32(envIntDefault("DATABASE_MAX_CONNS", 10))
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = pool.Ping(ctxPing)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		postgresSleep(postgresRetryDelay)
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

func defaultPostgresURL() string {
	user := envDefault("DATABASE_USER", "quorumvault")
	host := envDefault("DATABASE_HOST", "localhost")
	port := envDefault("DATABASE_PORT", "5432")
	if _, err := strconv.Atoi(port); err != nil {
		port = "5432"
	}
	uri := &url.URL{
		Scheme: "postgres",
		Host:   host + ":" + port,
		Path:   "/" + envDefault("DATABASE_NAME", "quorumvault"),
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		uri.User = url.UserPassword(user, password)
	} else {
		uri.User = url.User(user)
	}
	q := uri.Query()
	q.Set("sslmode", envDefault("DATABASE_SSLMODE", "disable"))
	uri.RawQuery = q.Encode()
	return uri.String()
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DATABASE_URL sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envIntDefault(key string, fallback int) int {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key))); err == nil && v > 0 {
		return v
	}
	return fallback
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgDB interface {
	pgQuerier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresBackend stores records in the records table created by
// cmd/migrator. Every Update runs in one SQL transaction holding a
// transaction-scoped advisory lock.
type PostgresBackend struct {
	DB pgDB
}

func NewPostgresBackend(db pgDB) *PostgresBackend {
	return &PostgresBackend{DB: db}
}

const (
	selectRecordSQL          = `SELECT body FROM records WHERE kind=$1 AND key=$2`
	selectRecordForUpdateSQL = `SELECT body FROM records WHERE kind=$1 AND key=$2 FOR UPDATE`
	upsertRecordSQL          = `
		INSERT INTO records (kind, key, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (kind, key) DO UPDATE SET body = EXCLUDED.body, updated_at = now()
	`
)

func (p *PostgresBackend) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	return scanBody(p.DB.QueryRow(ctx, selectRecordSQL, string(kind), key))
}

func (p *PostgresBackend) Update(ctx context.Context, fn func(Txn) error) error {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, recordsLockID); err != nil {
		return fmt.Errorf("lock records: %w", err)
	}
	if err := fn(&postgresTxn{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type postgresTxn struct {
	q pgQuerier
}

func (t *postgresTxn) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	return scanBody(t.q.QueryRow(ctx, selectRecordForUpdateSQL, string(kind), key))
}

func (t *postgresTxn) Put(ctx context.Context, kind Kind, key string, body []byte) error {
	_, err := t.q.Exec(ctx, upsertRecordSQL, string(kind), key, body)
	return err
}

func scanBody(row pgx.Row) ([]byte, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}
