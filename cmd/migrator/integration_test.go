//go:build integration

package main

import (
	"context"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Run with: go test -tags=integration -timeout 120s -run TestShippedMigrationsOnPostgres ./cmd/migrator/...
func TestShippedMigrationsOnPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("quorumvault"),
		postgres.WithUsername("vault"),
		postgres.WithPassword("vault"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	dir := filepath.Join("..", "..", "migrations")
	for i := 0; i < 2; i++ {
		if err := runMigrations(ctx, pool, dir, nil, nil, t.Logf); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	if err := verifySchema(ctx, pool, requiredTables); err != nil {
		t.Fatalf("schema: %v", err)
	}

	var applied int
	if err := pool.QueryRow(ctx, `SELECT count(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", applied)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO audit_records (decision_id, operation, outcome) VALUES ('d1', 'LockWallet', 'ok')`); err != nil {
		t.Fatalf("audit insert: %v", err)
	}
}
