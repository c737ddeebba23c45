// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/mitigator/migrations"
)

// PGTest opens POSTGRES_URL, applies the embedded goose migrations, and
// returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// If POSTGRES_URL is not set, the test is skipped.
// The cleanup function truncates all application tables (not system tables).
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}
	return openMigrated(t, dbURL)
}

// PGContainer is PGTest against a throwaway postgres container instead of
// POSTGRES_URL. It is skipped unless MITIGATOR_DOCKER_TESTS=1.
func PGContainer(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	if os.Getenv("MITIGATOR_DOCKER_TESTS") != "1" {
		t.Skip("MITIGATOR_DOCKER_TESTS not set, skipping container test")
	}

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("mitigator_test"),
		postgres.WithUsername("mitigator"),
		postgres.WithPassword("mitigator"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}

	dbURL, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgtest: connection string: %v", err)
	}

	db, closeDB := openMigrated(t, dbURL)
	return db, func() {
		closeDB()
		_ = testcontainers.TerminateContainer(ctr)
	}
}

func openMigrated(t *testing.T, dbURL string) (*sql.DB, func()) {
	t.Helper()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	ctx := context.Background()
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	return db, func() {
		truncateAll(ctx, db)
		_ = db.Close()
	}
}

// truncateAll empties every application table. The goose version table is
// kept so the next test does not re-run migrations.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
}
