package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/marmos91/deuce/pkg/store/metadata/postgres/migrations"
)

// RunMigrations applies every pending schema migration, using a postgres
// advisory lock (golang-migrate's default) so concurrent deuce instances
// starting up together do not race each other.
func RunMigrations(ctx context.Context, cfg Config) error {
	cfg.ApplyDefaults()

	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return fmt.Errorf("run migrations: open: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("run migrations: ping: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{DatabaseName: cfg.Database})
	if err != nil {
		return fmt.Errorf("run migrations: driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("run migrations: source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("run migrations: instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: up: %w", err)
	}
	return nil
}

// MigrationVersion reports the currently applied schema version, or
// (0, false, nil) if no migration has run yet.
func MigrationVersion(cfg Config) (uint, bool, error) {
	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return 0, false, fmt.Errorf("migration version: open: %w", err)
	}
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{DatabaseName: cfg.Database})
	if err != nil {
		return 0, false, fmt.Errorf("migration version: driver: %w", err)
	}
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return 0, false, fmt.Errorf("migration version: source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return 0, false, fmt.Errorf("migration version: instance: %w", err)
	}

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return version, dirty, nil
}
