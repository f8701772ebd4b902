// Command migrate applies the fraudguard schema (accounts, API keys, user
// history, threat reports, score audit, usage periods, webhooks) with goose.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// DATABASE_URL is required; MIGRATIONS_DIR defaults to ./migrations.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/fraudguard/internal/logging"
)

const defaultMigrationsDir = "migrations"

// gooseLogger routes goose output through slog.
type gooseLogger struct{ l *slog.Logger }

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.l.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.l.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		slog.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	_ = godotenv.Load()
	logger := logging.New(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "text"))
	slog.SetDefault(logger)
	goose.SetLogger(gooseLogger{l: logger.With("component", "goose")})

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	dir := envOr("MIGRATIONS_DIR", defaultMigrationsDir)
	logger.Info("running migrations", "command", command, "dir", dir)
	return goose.RunContext(ctx, command, db, dir, args...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
