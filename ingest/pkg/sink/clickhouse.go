package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/walflow/ingest/pkg/clickhouse"
	"github.com/malbeclabs/walflow/ingest/pkg/schema"
	"github.com/malbeclabs/walflow/utils/pkg/retry"
)

// ClickHouse writes rows into a MergeTree table. Every column is Nullable
// since joined rows may carry NULLs in any position.
type ClickHouse struct {
	log     *slog.Logger
	conn    clickhouse.Connection
	retry   retry.Config
	catalog catalog
}

func NewClickHouse(log *slog.Logger, conn clickhouse.Connection) *ClickHouse {
	return &ClickHouse{
		log:   log,
		conn:  conn,
		retry: retryConfig(log, "clickhouse"),
	}
}

// ClickHouseType returns the column type used for a source type string.
func ClickHouseType(typ string) string {
	switch FamilyOf(typ) {
	case FamilyInteger:
		return "Nullable(Int64)"
	case FamilyFloat:
		return "Nullable(Float64)"
	case FamilyBoolean:
		return "Nullable(Bool)"
	default:
		return "Nullable(String)"
	}
}

func (c *ClickHouse) CreateTable(ctx context.Context, table string, columns []schema.Column) error {
	if len(columns) == 0 {
		return errors.New("sink: table needs at least one column")
	}
	defs := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = fmt.Sprintf("%s %s", backquote(col.Name), ClickHouseType(col.Type))
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE = MergeTree ORDER BY tuple()",
		backquote(table), strings.Join(defs, ", "))

	err := retry.Do(ctx, c.retry, func() error {
		return c.conn.Exec(ctx, stmt)
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	c.catalog.set(table, columns)
	c.log.Debug("sink: table ready", "backend", "clickhouse", "table", table, "columns", len(columns))
	return nil
}

func (c *ClickHouse) InsertRow(ctx context.Context, table string, row map[string]any) error {
	return c.InsertRows(ctx, table, []map[string]any{row})
}

// InsertRows sends rows as one native-protocol batch. The table must have
// been created through this sink so column types are known.
func (c *ClickHouse) InsertRows(ctx context.Context, table string, rows []map[string]any) error {
	if len(rows) == 0 {
		return nil
	}
	if _, ok := c.catalog.get(table); !ok {
		return fmt.Errorf("sink: table %s was not created through this sink", table)
	}
	cols, err := c.catalog.insertColumns(table, rows)
	if err != nil {
		return err
	}

	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = backquote(col.Name)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s)", backquote(table), strings.Join(names, ", "))

	c.log.Debug("sink: writing batch", "backend", "clickhouse", "table", table, "count", len(rows))
	return c.writeBatch(ctx, query, len(rows), func(i int) ([]any, error) {
		return bindRow(cols, rows[i], coerceColumn)
	})
}

func (c *ClickHouse) RecordRun(ctx context.Context, run Run) error {
	const query = `INSERT INTO wal_ingest_runs (
		run_id, source, output_table, started_at, finished_at,
		records_read, records_applied, rows_written, matched_keys, unmatched_keys,
		aborted, abort_reason
	)`
	return c.writeBatch(ctx, query, 1, func(int) ([]any, error) {
		return []any{
			run.ID, run.Source, run.Table, run.StartedAt.UTC(), run.FinishedAt.UTC(),
			uint64(run.RecordsRead), uint64(run.RecordsApplied), uint64(run.RowsWritten),
			uint64(run.MatchedKeys), uint64(run.UnmatchedKeys),
			run.Aborted, run.AbortReason,
		}, nil
	})
}

// writeBatch prepares, fills and sends a batch, retrying the whole batch on
// transient failures.
func (c *ClickHouse) writeBatch(ctx context.Context, query string, count int, rowFn func(int) ([]any, error)) error {
	ctx = clickhouse.ContextWithSyncInsert(ctx)
	return retry.Do(ctx, c.retry, func() error {
		batch, err := c.conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}
		defer batch.Close()

		for i := range count {
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during batch insert: %w", ctx.Err())
			default:
			}
			row, err := rowFn(i)
			if err != nil {
				return fmt.Errorf("failed to get row data %d: %w", i, err)
			}
			if err := batch.Append(row...); err != nil {
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}
		return nil
	})
}

// Close is a no-op; the connection is owned by the client.
func (c *ClickHouse) Close() error {
	return nil
}

func backquote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "\\`") + "`"
}

var (
	_ Sink          = (*ClickHouse)(nil)
	_ BatchInserter = (*ClickHouse)(nil)
	_ RunRecorder   = (*ClickHouse)(nil)
)
