package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"BattleLedger/internal/observability"
	"BattleLedger/internal/persistence"
	"BattleLedger/internal/projection"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|rebuild>")
		fmt.Println("  up      - apply all pending migrations")
		fmt.Println("  down    - roll back the last migration")
		fmt.Println("  rebuild - truncate the projections and replay the audit log")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  BATTLE_POSTGRES_URL    - Postgres connection string")
		fmt.Println("  BATTLE_MIGRATIONS_DIR  - path to migrations directory (default: migrations)")
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")

	pgURL := os.Getenv("BATTLE_POSTGRES_URL")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/battles?sslmode=disable"
	}
	migrationsDir := os.Getenv("BATTLE_MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, migrationsDir, log)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "rebuild":
		n, err := projection.Rebuild(ctx, db, log)
		if err != nil {
			log.Fatal().Err(err).Msg("rebuild projections")
		}
		log.Info().Int("events", n).Msg("projections rebuilt")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'rebuild')\n", os.Args[1])
		os.Exit(1)
	}
}
