package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/walflow/ingest/pkg/schema"
	"github.com/malbeclabs/walflow/utils/pkg/retry"
)

// Postgres writes rows through a pgx pool. Source types are collapsed to
// bigint, double precision, boolean or text and values are coerced to match.
type Postgres struct {
	log     *slog.Logger
	pool    *pgxpool.Pool
	retry   retry.Config
	catalog catalog
}

func NewPostgres(log *slog.Logger, pool *pgxpool.Pool) *Postgres {
	return &Postgres{
		log:   log,
		pool:  pool,
		retry: retryConfig(log, "postgres"),
	}
}

// PostgresType returns the column type used for a source type string.
func PostgresType(typ string) string {
	switch FamilyOf(typ) {
	case FamilyInteger:
		return "bigint"
	case FamilyFloat:
		return "double precision"
	case FamilyBoolean:
		return "boolean"
	default:
		return "text"
	}
}

func (p *Postgres) CreateTable(ctx context.Context, table string, columns []schema.Column) error {
	if len(columns) == 0 {
		return errors.New("sink: table needs at least one column")
	}
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", pgx.Identifier{col.Name}.Sanitize(), PostgresType(col.Type))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", pgx.Identifier{table}.Sanitize(), strings.Join(defs, ", "))

	err := retry.Do(ctx, p.retry, func() error {
		_, err := p.pool.Exec(ctx, stmt)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	p.catalog.set(table, columns)
	p.log.Debug("sink: table ready", "backend", "postgres", "table", table, "columns", len(columns))
	return nil
}

func (p *Postgres) InsertRow(ctx context.Context, table string, row map[string]any) error {
	cols, err := p.catalog.insertColumns(table, []map[string]any{row})
	if err != nil {
		return err
	}
	values, err := bindRow(cols, row, coerceColumn)
	if err != nil {
		return err
	}
	stmt := insertStatement(pgx.Identifier{table}.Sanitize(), cols, func(name string) string {
		return pgx.Identifier{name}.Sanitize()
	}, func(i int) string { return fmt.Sprintf("$%d", i) })

	err = retry.Do(ctx, p.retry, func() error {
		_, err := p.pool.Exec(ctx, stmt, values...)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// InsertRows writes rows with COPY.
func (p *Postgres) InsertRows(ctx context.Context, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	cols, err := p.catalog.insertColumns(table, rows)
	if err != nil {
		return err
	}
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	bound := make([][]any, len(rows))
	for i, row := range rows {
		bound[i], err = bindRow(cols, row, coerceColumn)
		if err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}

	err = retry.Do(ctx, p.retry, func() error {
		n, err := p.pool.CopyFrom(ctx, pgx.Identifier{table}, names, pgx.CopyFromRows(bound))
		if err != nil {
			return err
		}
		if int(n) != len(bound) {
			return fmt.Errorf("copied %d of %d rows", n, len(bound))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to copy into %s: %w", table, err)
	}
	return nil
}

func (p *Postgres) RecordRun(ctx context.Context, run Run) error {
	const stmt = `INSERT INTO wal_ingest_runs (
		run_id, source, output_table, started_at, finished_at,
		records_read, records_applied, rows_written, matched_keys, unmatched_keys,
		aborted, abort_reason
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	err := retry.Do(ctx, p.retry, func() error {
		_, err := p.pool.Exec(ctx, stmt,
			run.ID, run.Source, run.Table, run.StartedAt, run.FinishedAt,
			int64(run.RecordsRead), int64(run.RecordsApplied), int64(run.RowsWritten),
			int64(run.MatchedKeys), int64(run.UnmatchedKeys),
			run.Aborted, run.AbortReason,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (p *Postgres) Close() error {
	return nil
}

func coerceColumn(v any, col schema.Column) (any, error) {
	return Coerce(v, FamilyOf(col.Type))
}

var (
	_ Sink          = (*Postgres)(nil)
	_ BatchInserter = (*Postgres)(nil)
	_ RunRecorder   = (*Postgres)(nil)
)
