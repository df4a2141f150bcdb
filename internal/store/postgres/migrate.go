package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

func configureGoose() error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}
	return nil
}

// Migrate applies pending migrations.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := configureGoose(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	logger.Info("applying migrations")
	if err := goose.UpContext(runCtx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("migrations applied")
	return nil
}

// MigrationStatus logs applied and pending migrations.
func MigrationStatus(ctx context.Context, db *sql.DB) error {
	if err := configureGoose(); err != nil {
		return err
	}
	if err := goose.StatusContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	return nil
}

// MigrateDown rolls back the latest migration, or down to targetVersion when positive.
func MigrateDown(ctx context.Context, db *sql.DB, targetVersion int64, logger *slog.Logger) error {
	if err := configureGoose(); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	if targetVersion > 0 {
		logger.Info("rolling back migrations", "target", targetVersion)
		if err := goose.DownToContext(runCtx, db, "migrations", targetVersion); err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
		return nil
	}

	logger.Info("rolling back latest migration")
	if err := goose.DownContext(runCtx, db, "migrations"); err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	return nil
}
