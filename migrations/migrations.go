// Package migrations embeds the goose SQL migrations for the decision log,
// API keys and webhook subscriptions.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

// Commands lists the goose commands Run accepts.
var Commands = []string{"up", "up-by-one", "up-to", "down", "down-to", "redo", "reset", "status", "version"}

// Run executes a goose command against db using the embedded files.
func Run(ctx context.Context, db *sql.DB, command string, args ...string) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	return Run(ctx, db, "up")
}
