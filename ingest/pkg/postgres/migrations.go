package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver for goose
	"github.com/pressly/goose/v3"

	"github.com/malbeclabs/walflow/ingest"
)

const migrationsDir = "db/postgres/migrations"

type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Up applies all pending migrations against connStr.
func Up(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("postgres: running migrations (up)")

	db, err := openMigrationDB(log, connStr)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("postgres: migrations completed")
	return nil
}

// Version returns the currently applied migration version.
func Version(ctx context.Context, log *slog.Logger, connStr string) (int64, error) {
	db, err := openMigrationDB(log, connStr)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, nil
}

func openMigrationDB(log *slog.Logger, connStr string) (*sql.DB, error) {
	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(ingest.PostgresMigrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}

	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database for migrations: %w", err)
	}
	return db, nil
}
