// Package dbtest opens migrated databases for repository tests.
package dbtest

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicops/omnihub/internal/platform/db"
	"github.com/clinicops/omnihub/migrations"
)

// NewSQLite returns an in-memory SQLite database with every migration
// applied. It is closed when the test ends.
func NewSQLite(t testing.TB) *sql.DB {
	t.Helper()
	sqlDB, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	if _, err := db.NewSQLiteMigrator(sqlDB, migrations.SQLite()).Up(context.Background()); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return sqlDB
}

// Exec runs a seed statement and fails the test on error.
func Exec(t testing.TB, sqlDB *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := sqlDB.Exec(query, args...); err != nil {
		t.Fatalf("seed %q: %v", query, err)
	}
}

// PostgresURLEnv names the server the Postgres repository tests run against.
const PostgresURLEnv = "OMNIHUB_TEST_DATABASE_URL"

// NewPostgres returns a multi-connection pool bound to a fresh schema with
// every migration applied. The test is skipped when PostgresURLEnv is unset.
// The schema is dropped when the test ends.
func NewPostgres(t testing.TB) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv(PostgresURLEnv)
	if url == "" {
		t.Skipf("%s not set", PostgresURLEnv)
	}
	ctx := context.Background()

	admin, err := db.NewPool(ctx, db.PoolConfig{URL: url, MaxConns: 2})
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	schema := "omnihub_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := admin.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		admin.Close()
		t.Fatalf("create schema %s: %v", schema, err)
	}
	t.Cleanup(func() {
		if _, err := admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
			t.Logf("drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url, MaxConns: 8, SearchPath: schema})
	if err != nil {
		t.Fatalf("connect postgres schema %s: %v", schema, err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, migrations.Postgres()).Up(ctx); err != nil {
		t.Fatalf("migrate postgres: %v", err)
	}
	return pool
}

// ExecPG runs a seed statement against pool and fails the test on error.
func ExecPG(t testing.TB, pool *pgxpool.Pool, query string, args ...any) {
	t.Helper()
	if _, err := pool.Exec(context.Background(), query, args...); err != nil {
		t.Fatalf("seed %q: %v", query, err)
	}
}
