package sink

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/malbeclabs/walflow/ingest/pkg/schema"
)

// Sink persists flattened rows into a named output table.
type Sink interface {
	// CreateTable creates the table if it does not exist. Column order is
	// preserved.
	CreateTable(ctx context.Context, table string, columns []schema.Column) error
	InsertRow(ctx context.Context, table string, row map[string]any) error
	Close() error
}

// BatchInserter is implemented by sinks that can write many rows at once.
type BatchInserter interface {
	InsertRows(ctx context.Context, table string, rows []map[string]any) error
}

// RunRecorder is implemented by sinks that keep an audit log of runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, run Run) error
}

// Run is the audit record of one ingestion pass.
type Run struct {
	ID             uuid.UUID
	Source         string
	Table          string
	StartedAt      time.Time
	FinishedAt     time.Time
	RecordsRead    int
	RecordsApplied int
	RowsWritten    int
	MatchedKeys    int
	UnmatchedKeys  int
	Aborted        bool
	AbortReason    string
}

// catalog remembers the columns of tables created through a sink so inserts
// can bind values in table order.
type catalog struct {
	mu     sync.RWMutex
	tables map[string][]schema.Column
}

func (c *catalog) set(table string, columns []schema.Column) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tables == nil {
		c.tables = make(map[string][]schema.Column)
	}
	c.tables[table] = slices.Clone(columns)
}

func (c *catalog) get(table string) ([]schema.Column, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cols, ok := c.tables[table]
	return cols, ok
}

// insertColumns returns the columns to bind for rows written to table. Known
// tables use their declared order; otherwise the union of row keys is used,
// sorted, with the default type.
func (c *catalog) insertColumns(table string, rows []map[string]any) ([]schema.Column, error) {
	if cols, ok := c.get(table); ok {
		known := make(map[string]struct{}, len(cols))
		for _, col := range cols {
			known[col.Name] = struct{}{}
		}
		for _, row := range rows {
			for k := range row {
				if _, ok := known[k]; !ok {
					return nil, fmt.Errorf("column %q is not in table %q", k, table)
				}
			}
		}
		return cols, nil
	}

	seen := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for k := range seen {
		names = append(names, k)
	}
	sort.Strings(names)
	cols := make([]schema.Column, len(names))
	for i, name := range names {
		cols[i] = schema.Column{Name: name, Type: schema.DefaultType}
	}
	return cols, nil
}

// bindRow converts a row into positional values for columns. Missing keys
// bind NULL.
func bindRow(columns []schema.Column, row map[string]any, conv func(v any, col schema.Column) (any, error)) ([]any, error) {
	values := make([]any, len(columns))
	for i, col := range columns {
		v, err := conv(row[col.Name], col)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		values[i] = v
	}
	return values, nil
}
