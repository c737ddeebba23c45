// Command migrate manages the mitigator PostgreSQL schema with goose. The
// SQL files are compiled into the binary.
//
// Usage:
//
//	migrate up                # apply pending migrations
//	migrate down              # roll back the newest migration
//	migrate status            # list applied and pending migrations
//	migrate up-to 2           # migrate to a specific version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/mbd888/mitigator/internal/logging"
	"github.com/mbd888/mitigator/migrations"
)

func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	if len(os.Args) < 2 || !slices.Contains(migrations.Commands, os.Args[1]) {
		fmt.Fprintln(os.Stderr, "usage: migrate <command> [version]")
		fmt.Fprintln(os.Stderr, "commands:", strings.Join(migrations.Commands, ", "))
		os.Exit(2)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	command, args := os.Args[1], os.Args[2:]
	if err := migrations.Run(ctx, db, command, args...); err != nil {
		logger.Error("migration failed", "command", command, "error", err)
		os.Exit(1)
	}
}
