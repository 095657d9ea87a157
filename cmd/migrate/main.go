package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	"ArenaLedger/internal/config"
	"ArenaLedger/internal/observability"
	"ArenaLedger/internal/persistence"
	"ArenaLedger/migrations"
)

func main() {
	configPath := flag.String("config", os.Getenv("ARENA_CONFIG"), "path to a YAML config file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: migrate [-config file] <up|down|status>")
		fmt.Fprintln(os.Stderr, "  up   - apply all pending migrations")
		fmt.Fprintln(os.Stderr, "  down - roll back the last migration")
		fmt.Fprintln(os.Stderr, "  status - list migrations and when they were applied")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "Environment:")
		fmt.Fprintln(os.Stderr, "  ARENA_POSTGRES_URL             - Postgres connection string (required)")
		fmt.Fprintln(os.Stderr, "  ARENA_POSTGRES_MIGRATIONS_DIR  - read migrations from disk instead of the embedded set")
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.Postgres.URL == "" {
		logger.Fatal().Msg("postgres.url is required")
	}

	ctx := context.Background()
	db, err := persistence.OpenPostgres(ctx, cfg.Postgres.URL, 2, 1)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	var files fs.FS = migrations.FS
	if cfg.Postgres.MigrationsDir != "" {
		files = os.DirFS(cfg.Postgres.MigrationsDir)
	}
	migrator := persistence.NewMigrator(db, files, logger)

	switch flag.Arg(0) {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		statuses, err := migrator.Status(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		pending := 0
		for _, st := range statuses {
			applied := "pending"
			if st.AppliedAt != nil {
				applied = st.AppliedAt.Format(time.RFC3339)
			} else {
				pending++
			}
			fmt.Printf("%-8s %-40s %s\n", st.Version, st.Filename, applied)
		}
		logger.Info().Int("total", len(statuses)).Int("pending", pending).Msg("migration status")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", flag.Arg(0))
		os.Exit(1)
	}
}
