package sink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/malbeclabs/walflow/ingest/pkg/schema"
	"github.com/malbeclabs/walflow/utils/pkg/retry"
)

const DefaultSQLitePath = "metrics.db"

// SQLite writes rows to a SQLite database file. Column types are declared
// exactly as inferred from the change records and left to SQLite's type
// affinity rules.
type SQLite struct {
	log     *slog.Logger
	db      *sql.DB
	retry   retry.Config
	catalog catalog
}

// NewSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func NewSQLite(ctx context.Context, log *slog.Logger, path string) (*SQLite, error) {
	if path == "" {
		path = DefaultSQLitePath
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection keeps ":memory:" databases stable across calls.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	log.Info("sink: sqlite opened", "path", path)
	return &SQLite{
		log:   log,
		db:    db,
		retry: retryConfig(log, "sqlite"),
	}, nil
}

func (s *SQLite) CreateTable(ctx context.Context, table string, columns []schema.Column) error {
	if len(columns) == 0 {
		return errors.New("sink: table needs at least one column")
	}
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", quoteIdent(col.Name), col.Type)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))

	err := retry.Do(ctx, s.retry, func() error {
		_, err := s.db.ExecContext(ctx, stmt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	s.catalog.set(table, columns)
	s.log.Debug("sink: table ready", "backend", "sqlite", "table", table, "columns", len(columns))
	return nil
}

func (s *SQLite) InsertRow(ctx context.Context, table string, row map[string]any) error {
	return s.InsertRows(ctx, table, []map[string]any{row})
}

// InsertRows writes rows in one transaction.
func (s *SQLite) InsertRows(ctx context.Context, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	cols, err := s.catalog.insertColumns(table, rows)
	if err != nil {
		return err
	}
	stmt := insertStatement(quoteIdent(table), cols, quoteIdent, func(int) string { return "?" })

	bound := make([][]any, len(rows))
	for i, row := range rows {
		bound[i], err = bindRow(cols, row, func(v any, _ schema.Column) (any, error) {
			return Normalize(v)
		})
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}

	err = retry.Do(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck

		prepared, err := tx.PrepareContext(ctx, stmt)
		if err != nil {
			return err
		}
		defer prepared.Close()

		for _, values := range bound {
			if _, err := prepared.ExecContext(ctx, values...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// DB exposes the underlying handle for read-back.
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func insertStatement(table string, cols []schema.Column, quote func(string) string, placeholder func(int) string) string {
	names := make([]string, len(cols))
	params := make([]string, len(cols))
	for i, col := range cols {
		names[i] = quote(col.Name)
		params[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(params, ", "))
}

func retryConfig(log *slog.Logger, backend string) retry.Config {
	cfg := retry.DefaultConfig()
	cfg.OnRetry = func(attempt int, err error) {
		log.Warn("sink: retrying write", "backend", backend, "attempt", attempt, "error", err)
	}
	return cfg
}

var (
	_ Sink          = (*SQLite)(nil)
	_ BatchInserter = (*SQLite)(nil)
)
