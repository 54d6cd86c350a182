package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/lengolf/inbox/internal/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

func newMigrator(cfg config.PostgresConfig) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	// The pgx/v5 driver registers the pgx5 scheme.
	dsn := "pgx5://" + strings.TrimPrefix(cfg.DSN(), "postgres://")
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return nil, fmt.Errorf("init migrate: %w", err)
	}
	return m, nil
}

// Migrate applies all pending up migrations.
func Migrate(log *slog.Logger, cfg config.PostgresConfig) error {
	m, err := newMigrator(cfg)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, _ := m.Version()
	log.Info("schema migrated", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return nil
}

// Rollback reverts the given number of migrations.
func Rollback(log *slog.Logger, cfg config.PostgresConfig, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	m, err := newMigrator(cfg)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	log.Info("schema rolled back", slog.Int("steps", steps))
	return nil
}
