package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execFn     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
	closed     bool
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRow{value: true}
}

func (f *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeTx{}, nil
}

func (f *fakeDB) Close() { f.closed = true }

type fakeRow struct {
	value bool
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected bool")
	}
	*b = r.value
	return nil
}

type fakeTx struct {
	pgx.Tx
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	execSQL       []string
	commitErr     error
	rollbackCalls int
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	t.execSQL = append(t.execSQL, sql)
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (t *fakeTx) Commit(ctx context.Context) error { return t.commitErr }

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}

// pendingAll reports every migration as not yet applied.
func pendingAll(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{value: false}
}

func oneFile(pattern string) ([]string, error) { return []string{"migrations/001.sql"}, nil }

func readOK(name string) ([]byte, error) { return []byte("SELECT 1;"), nil }

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/001_records.sql")
	if err != nil {
		t.Fatalf("expected valid migration path, got error: %v", err)
	}
	if clean != filepath.Clean("migrations/001_records.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}
	for _, bad := range []string{"../outside.sql", "other/001_records.sql"} {
		if _, err := validateMigrationPath("migrations", bad); err == nil {
			t.Fatalf("expected rejection for %s", bad)
		}
	}
}

func TestRunMigrationsAppliesPendingInOrder(t *testing.T) {
	tx := &fakeTx{}
	db := &fakeDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			return fakeRow{value: args[0].(string) == "001_records.sql"}
		},
	}
	var read []string
	readFile := func(name string) ([]byte, error) {
		read = append(read, filepath.Base(name))
		return []byte("-- " + filepath.Base(name)), nil
	}
	glob := func(pattern string) ([]string, error) {
		return []string{"migrations/003_more.sql", "migrations/001_records.sql", "migrations/002_audit_records.sql"}, nil
	}
	var logs []string
	logf := func(format string, args ...any) { logs = append(logs, format) }

	if err := runMigrations(context.Background(), db, "migrations", readFile, glob, logf); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}
	if strings.Join(read, ",") != "002_audit_records.sql,003_more.sql" {
		t.Fatalf("unexpected read order %v", read)
	}
	if len(tx.execSQL) != 4 || tx.execSQL[0] != "-- 002_audit_records.sql" {
		t.Fatalf("unexpected tx statements %v", tx.execSQL)
	}
	if tx.rollbackCalls != 0 {
		t.Fatalf("unexpected rollback calls: %d", tx.rollbackCalls)
	}
	if len(logs) != 3 {
		t.Fatalf("expected two applied logs and a summary, got %#v", logs)
	}
}

func TestRunMigrationsErrorBranches(t *testing.T) {
	cases := []struct {
		name     string
		db       func(tx *fakeTx) *fakeDB
		tx       *fakeTx
		glob     func(string) ([]string, error)
		readFile func(string) ([]byte, error)
		want     string
		rollback int
	}{
		{
			name: "create table failure",
			db: func(*fakeTx) *fakeDB {
				return &fakeDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
					return pgconn.CommandTag{}, errors.New("create fail")
				}}
			},
			want: "create schema_migrations",
		},
		{
			name: "glob failure",
			db:   func(*fakeTx) *fakeDB { return &fakeDB{} },
			glob: func(string) ([]string, error) { return nil, errors.New("glob fail") },
			want: "glob migrations",
		},
		{
			name: "invalid migration path",
			db:   func(*fakeTx) *fakeDB { return &fakeDB{} },
			glob: func(string) ([]string, error) { return []string{"../evil.sql"}, nil },
			want: "invalid migration path",
		},
		{
			name: "lookup failure",
			db: func(*fakeTx) *fakeDB {
				return &fakeDB{queryRowFn: func(context.Context, string, ...any) pgx.Row { return fakeRow{err: errors.New("lookup fail")} }}
			},
			want: "migration lookup",
		},
		{
			name:     "read failure",
			db:       func(*fakeTx) *fakeDB { return &fakeDB{queryRowFn: pendingAll} },
			readFile: func(string) ([]byte, error) { return nil, errors.New("read fail") },
			want:     "read migration",
		},
		{
			name: "begin failure",
			db: func(*fakeTx) *fakeDB {
				return &fakeDB{queryRowFn: pendingAll, beginFn: func(context.Context) (pgx.Tx, error) { return nil, errors.New("begin fail") }}
			},
			want: "begin migration tx",
		},
		{
			name: "apply failure rolls back",
			tx: &fakeTx{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("apply fail")
			}},
			want:     "apply migration",
			rollback: 1,
		},
		{
			name: "mark failure rolls back",
			tx: &fakeTx{execFn: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
				if strings.Contains(sql, "schema_migrations") {
					return pgconn.CommandTag{}, errors.New("mark fail")
				}
				return pgconn.NewCommandTag("EXEC 1"), nil
			}},
			want:     "mark migration",
			rollback: 1,
		},
		{
			name: "commit failure",
			tx:   &fakeTx{commitErr: errors.New("commit fail")},
			want: "commit migration",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := tc.tx
			if tx == nil {
				tx = &fakeTx{}
			}
			var db *fakeDB
			if tc.db != nil {
				db = tc.db(tx)
			} else {
				db = &fakeDB{queryRowFn: pendingAll, beginFn: func(context.Context) (pgx.Tx, error) { return tx, nil }}
			}
			glob := tc.glob
			if glob == nil {
				glob = oneFile
			}
			readFile := tc.readFile
			if readFile == nil {
				readFile = readOK
			}
			err := runMigrations(context.Background(), db, "migrations", readFile, glob, func(string, ...any) {})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
			if tx.rollbackCalls != tc.rollback {
				t.Fatalf("expected %d rollbacks, got %d", tc.rollback, tx.rollbackCalls)
			}
		})
	}

	if err := runMigrations(context.Background(), nil, "migrations", nil, nil, nil); err == nil || !strings.Contains(err.Error(), "db required") {
		t.Fatalf("expected db required error, got %v", err)
	}
}

func TestVerifySchema(t *testing.T) {
	db := &fakeDB{queryRowFn: func(_ context.Context, _ string, args ...any) pgx.Row {
		return fakeRow{value: args[0].(string) != "audit_records"}
	}}
	err := verifySchema(context.Background(), db, requiredTables)
	if err == nil || !strings.Contains(err.Error(), "missing tables: audit_records") {
		t.Fatalf("expected missing audit_records, got %v", err)
	}
	if err := verifySchema(context.Background(), &fakeDB{}, requiredTables); err != nil {
		t.Fatalf("expected schema ok, got %v", err)
	}
	broken := &fakeDB{queryRowFn: func(context.Context, string, ...any) pgx.Row { return fakeRow{err: errors.New("down")} }}
	if err := verifySchema(context.Background(), broken, requiredTables); err == nil || !strings.Contains(err.Error(), "check table records") {
		t.Fatalf("expected check error, got %v", err)
	}
}

// The shipped migrations must create every table the service reads.
func TestShippedMigrationsCreateRequiredTables(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("no migrations found: %v", err)
	}
	var all strings.Builder
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		all.Write(raw)
	}
	for _, table := range requiredTables {
		if !strings.Contains(all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (") {
			t.Fatalf("no migration creates %s", table)
		}
	}
	for _, col := range []string{"decision_id", "actor_id_hash", "request_raw", "result_raw", "body"} {
		if !strings.Contains(all.String(), col) {
			t.Fatalf("column %s missing from migrations", col)
		}
	}
}

func TestMainRunsMigrationsAndSchemaCheck(t *testing.T) {
	origLogFatalf, origOpenDB := logFatalf, openDBFn
	defer func() { logFatalf, openDBFn = origLogFatalf, origOpenDB }()
	t.Setenv("MIGRATIONS_DIR", filepath.Join("..", "..", "migrations"))

	var fatal string
	logFatalf = func(format string, args ...any) { fatal = format }

	db := &fakeDB{}
	openDBFn = func(context.Context) (migratorDBCloser, error) { return db, nil }
	main()
	if fatal != "" || !db.closed {
		t.Fatalf("expected clean run, fatal=%q closed=%v", fatal, db.closed)
	}

	openDBFn = func(context.Context) (migratorDBCloser, error) { return nil, errors.New("db connection failed") }
	main()
	if fatal != "db: %v" {
		t.Fatalf("expected db fatal, got %q", fatal)
	}

	fatal = ""
	openDBFn = func(context.Context) (migratorDBCloser, error) {
		return &fakeDB{execFn: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
			return pgconn.CommandTag{}, errors.New("exec failed")
		}}, nil
	}
	main()
	if fatal != "migration: %v" {
		t.Fatalf("expected migration fatal, got %q", fatal)
	}

	fatal = ""
	openDBFn = func(context.Context) (migratorDBCloser, error) {
		return &fakeDB{queryRowFn: func(_ context.Context, sql string, _ ...any) pgx.Row {
			return fakeRow{value: !strings.Contains(sql, "to_regclass")}
		}}, nil
	}
	main()
	if fatal != "schema: %v" {
		t.Fatalf("expected schema fatal, got %q", fatal)
	}
}
