package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// runMigrations applies the embedded schema for the given driver.
// The migrate instance is intentionally not closed: closing it closes db.
func runMigrations(db *sql.DB, driver string) error {
	var (
		dir      string
		instance database.Driver
		err      error
	)
	switch driver {
	case "postgres":
		dir = "migrations/postgres"
		instance, err = migratepostgres.WithInstance(db, &migratepostgres.Config{})
	case "sqlite3":
		dir = "migrations/sqlite"
		instance, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
	default:
		return fmt.Errorf("unsupported migration driver %q", driver)
	}
	if err != nil {
		return fmt.Errorf("failed to prepare %s migration driver: %w", driver, err)
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, driver, instance)
	if err != nil {
		return fmt.Errorf("failed to initialise migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Debug("Migrations already up to date", "driver", driver)
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Migrations applied", "driver", driver)
	return nil
}
