package sink

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"

	"github.com/malbeclabs/walflow/ingest/pkg/schema"
)

var ErrClosed = errors.New("sink: closed")

// MemoryTable is a table held by a Memory sink.
type MemoryTable struct {
	Columns []schema.Column
	Rows    []map[string]any
}

// Memory keeps tables in process. Rows are stored with values normalized the
// same way the SQL sinks bind them.
type Memory struct {
	catalog catalog

	mu     sync.Mutex
	tables map[string]*MemoryTable
	runs   []Run
	closed bool
}

func NewMemory() *Memory {
	return &Memory{tables: make(map[string]*MemoryTable)}
}

func (m *Memory) CreateTable(ctx context.Context, table string, columns []schema.Column) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.tables[table]; ok {
		return nil
	}
	m.catalog.set(table, columns)
	m.tables[table] = &MemoryTable{Columns: slices.Clone(columns)}
	return nil
}

func (m *Memory) InsertRow(ctx context.Context, table string, row map[string]any) error {
	return m.InsertRows(ctx, table, []map[string]any{row})
}

func (m *Memory) InsertRows(ctx context.Context, table string, rows []map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	cols, err := m.catalog.insertColumns(table, rows)
	if err != nil {
		return err
	}
	t, ok := m.tables[table]
	if !ok {
		t = &MemoryTable{Columns: cols}
		m.tables[table] = t
	}

	for _, row := range rows {
		values, err := bindRow(cols, row, func(v any, _ schema.Column) (any, error) {
			return Normalize(v)
		})
		if err != nil {
			return err
		}
		stored := make(map[string]any, len(cols))
		for i, col := range cols {
			stored[col.Name] = values[i]
		}
		t.Rows = append(t.Rows, stored)
	}
	return nil
}

func (m *Memory) RecordRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.runs = append(m.runs, run)
	return nil
}

// Table returns a copy of the named table.
func (m *Memory) Table(name string) (*MemoryTable, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		return nil, false
	}
	out := &MemoryTable{Columns: slices.Clone(t.Columns), Rows: make([]map[string]any, len(t.Rows))}
	for i, row := range t.Rows {
		out.Rows[i] = maps.Clone(row)
	}
	return out, true
}

func (m *Memory) Runs() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.runs)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var (
	_ Sink          = (*Memory)(nil)
	_ BatchInserter = (*Memory)(nil)
	_ RunRecorder   = (*Memory)(nil)
)
