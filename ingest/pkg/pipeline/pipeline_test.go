package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/walflow/ingest/pkg/schema"
	"github.com/malbeclabs/walflow/ingest/pkg/sink"
	"github.com/malbeclabs/walflow/ingest/pkg/source"
	"github.com/malbeclabs/walflow/ingest/pkg/wal"
	walflowtesting "github.com/malbeclabs/walflow/utils/pkg/testing"
)

type column struct {
	name  string
	typ   string
	value any
}

func record(table string, cols ...column) map[string]any {
	names := make([]string, len(cols))
	types := make([]string, len(cols))
	values := make([]any, len(cols))
	for i, c := range cols {
		names[i], types[i], values[i] = c.name, c.typ, c.value
	}
	return map[string]any{"change": []any{map[string]any{
		"kind":         "insert",
		"schema":       "public",
		"table":        table,
		"columnnames":  names,
		"columntypes":  types,
		"columnvalues": values,
	}}}
}

func event(eventID, txID, flowID any) map[string]any {
	return record("event_v2_data",
		column{"event_id", "character varying", eventID},
		column{"transaction_id", "character varying", txID},
		column{"flow_id", "character varying", flowID},
	)
}

func correlatedRecords() []any {
	return []any{
		record("transaction", column{"transaction_id", "character varying", "T1"}, column{"amount", "numeric", 10}),
		record("transaction_request",
			column{"flow_id", "character varying", "F1"},
			column{"token_id", "character varying", "K1"},
			column{"vault_options", "jsonb", `{"payment_method": "CARD"}`},
		),
		record("payment_instrument_token_data", column{"token_id", "character varying", "K1"}),
	}
}

func batchFile(t *testing.T, records ...any) source.Source {
	t.Helper()
	b, err := json.Marshal(records)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "wal.json")
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return &source.File{Path: path}
}

func newTestPipeline(t *testing.T, src source.Source, s sink.Sink, mutate ...func(*Config)) *Pipeline {
	t.Helper()
	cfg := Config{
		Logger:   walflowtesting.NewLogger(),
		Clock:    clockwork.NewFakeClock(),
		Source:   src,
		Sink:     s,
		SinkName: "memory",
	}
	for _, m := range mutate {
		m(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return p
}

func TestWalflow_Pipeline_Config(t *testing.T) {
	t.Parallel()

	src := &source.File{Path: "wal.json"}
	mem := sink.NewMemory()

	require.ErrorContains(t, (&Config{Source: src, Sink: mem}).Validate(), "logger is required")
	require.ErrorContains(t, (&Config{Logger: walflowtesting.NewLogger(), Sink: mem}).Validate(), "source is required")
	require.ErrorContains(t, (&Config{Logger: walflowtesting.NewLogger(), Source: src}).Validate(), "sink is required")

	cfg := Config{Logger: walflowtesting.NewLogger(), Source: src, Sink: mem}
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultTable, cfg.Table)
	require.NotNil(t, cfg.Clock)
}

func TestWalflow_Pipeline_Run(t *testing.T) {
	t.Parallel()

	t.Run("joins the four tables into one row without token_id", func(t *testing.T) {
		t.Parallel()
		mem := sink.NewMemory()
		start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
		p := newTestPipeline(t, &source.File{Path: "testdata/wal.json"}, mem, func(cfg *Config) {
			cfg.Clock = clockwork.NewFakeClockAt(start)
		})

		summary, err := p.Run(t.Context())
		require.NoError(t, err)
		require.NoError(t, summary.InputErr)
		require.NoError(t, summary.Aborted)
		require.Equal(t, start, summary.StartedAt)
		require.Equal(t, "testdata/wal.json", summary.Source)
		require.Equal(t, 4, summary.RecordsRead)
		require.Equal(t, 4, summary.RecordsApplied)
		require.Equal(t, 1, summary.MatchedKeys)
		require.Equal(t, 1, summary.RowsWritten)

		tbl, ok := mem.Table(DefaultTable)
		require.True(t, ok)
		names := make([]string, len(tbl.Columns))
		for i, c := range tbl.Columns {
			names[i] = c.Name
		}
		require.Equal(t, schema.OutputColumns(), names)
		require.NotContains(t, names, schema.ColTokenID)

		require.Len(t, tbl.Rows, 1)
		require.Equal(t, map[string]any{
			"event_id":                      "E1",
			"flow_id":                       "F1",
			"created_at":                    "2024-03-01 10:15:00+00",
			"transaction_lifecycle_event":   "DECLINED",
			"decline_reason":                "insufficient_funds",
			"decline_type":                  "soft",
			"transaction_id":                "T1",
			"transaction_type":              "SALE",
			"amount":                        100.5,
			"currency_code":                 "EUR",
			"processor_merchant_account_id": "PMA1",
			"payment_method":                "CARD",
			"three_d_secure_authentication": nil,
			"payment_instrument_type":       "PAYMENT_CARD",
			"customer_id":                   "C1",
		}, tbl.Rows[0])
	})

	t.Run("infers output column types", func(t *testing.T) {
		t.Parallel()
		mem := sink.NewMemory()
		_, err := newTestPipeline(t, &source.File{Path: "testdata/wal.json"}, mem).Run(t.Context())
		require.NoError(t, err)

		tbl, _ := mem.Table(DefaultTable)
		types := make(map[string]string, len(tbl.Columns))
		for _, c := range tbl.Columns {
			types[c.Name] = c.Type
		}
		require.Equal(t, "timestamp with time zone", types["created_at"])
		require.Equal(t, "numeric", types["amount"])
		require.Equal(t, "character(3)", types["currency_code"])
		require.Equal(t, schema.DefaultType, types["decline_reason"])
		require.Equal(t, schema.DefaultType, types["three_d_secure_authentication"])
	})

	t.Run("reruns produce the same rows in the same order", func(t *testing.T) {
		t.Parallel()
		records := append(correlatedRecords(), event("E1", "T1", "F1"), event("E2", "T1", "F1"))
		src := batchFile(t, records...)

		var runs [][]map[string]any
		for range 2 {
			mem := sink.NewMemory()
			_, err := newTestPipeline(t, src, mem).Run(t.Context())
			require.NoError(t, err)
			tbl, _ := mem.Table(DefaultTable)
			runs = append(runs, tbl.Rows)
		}
		require.Len(t, runs[0], 2)
		require.Equal(t, runs[0], runs[1])
		require.Equal(t, "E1", runs[0][0]["event_id"])
		require.Equal(t, "E2", runs[0][1]["event_id"])
	})

	t.Run("rejected record stops the pass but keeps earlier records", func(t *testing.T) {
		t.Parallel()
		records := append(correlatedRecords(),
			event("E1", "T1", "F1"),
			map[string]any{"a": "b"},
			event("E2", "T1", "F1"),
		)
		mem := sink.NewMemory()
		summary, err := newTestPipeline(t, batchFile(t, records...), mem).Run(t.Context())
		require.NoError(t, err)
		require.ErrorIs(t, summary.Aborted, wal.ErrIncomplete)
		require.ErrorContains(t, summary.Aborted, "record 4")
		require.Equal(t, 6, summary.RecordsRead)
		require.Equal(t, 4, summary.RecordsApplied)

		tbl, _ := mem.Table(DefaultTable)
		require.Len(t, tbl.Rows, 1)
		require.Equal(t, "E1", tbl.Rows[0]["event_id"])
	})

	t.Run("malformed payload stops the pass", func(t *testing.T) {
		t.Parallel()
		bad := record("event_v2_data",
			column{"transaction_id", "character varying", "T1"},
			column{"flow_id", "character varying", "F1"},
			column{"error_details", "jsonb", "{not json"},
		)
		summary, err := newTestPipeline(t, batchFile(t, bad), sink.NewMemory()).Run(t.Context())
		require.NoError(t, err)
		require.ErrorIs(t, summary.Aborted, wal.ErrJSONDecode)
		var decodeErr *wal.JSONDecodeError
		require.ErrorAs(t, summary.Aborted, &decodeErr)
		require.Equal(t, "error_details", decodeErr.Column)
	})

	t.Run("unknown table aborts unless skipped", func(t *testing.T) {
		t.Parallel()
		records := append(correlatedRecords(),
			record("audit_log", column{"id", "bigint", 1}),
			event("E1", "T1", "F1"),
		)
		src := batchFile(t, records...)

		summary, err := newTestPipeline(t, src, sink.NewMemory()).Run(t.Context())
		require.NoError(t, err)
		require.ErrorIs(t, summary.Aborted, schema.ErrUnknownTable)
		require.Zero(t, summary.RowsWritten)

		summary, err = newTestPipeline(t, src, sink.NewMemory(), func(cfg *Config) {
			cfg.SkipUnknownTables = true
		}).Run(t.Context())
		require.NoError(t, err)
		require.NoError(t, summary.Aborted)
		require.Equal(t, 1, summary.RecordsSkipped)
		require.Equal(t, 1, summary.RowsWritten)
	})

	t.Run("missing identifiers never produce rows", func(t *testing.T) {
		t.Parallel()
		records := append(correlatedRecords(), event("E1", "T1", nil), event("E2", "T1", ""))
		mem := sink.NewMemory()
		summary, err := newTestPipeline(t, batchFile(t, records...), mem).Run(t.Context())
		require.NoError(t, err)
		require.Equal(t, 2, summary.Dropped[schema.EventV2Data])
		require.Zero(t, summary.RowsWritten)

		tbl, ok := mem.Table(DefaultTable)
		require.True(t, ok)
		require.Empty(t, tbl.Rows)
	})

	t.Run("unavailable input still creates the table", func(t *testing.T) {
		t.Parallel()
		mem := sink.NewMemory()
		src := &source.File{Path: filepath.Join(t.TempDir(), "missing.json")}
		summary, err := newTestPipeline(t, src, mem).Run(t.Context())
		require.NoError(t, err)
		require.ErrorIs(t, summary.InputErr, wal.ErrInputUnavailable)
		require.Zero(t, summary.RecordsRead)

		tbl, ok := mem.Table(DefaultTable)
		require.True(t, ok)
		require.Len(t, tbl.Columns, len(schema.OutputColumns()))
		for _, c := range tbl.Columns {
			require.Equal(t, schema.DefaultType, c.Type)
		}
		require.Empty(t, tbl.Rows)
	})

	t.Run("non-array batch is a format error", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "wal.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"change": []}`), 0o644))
		summary, err := newTestPipeline(t, &source.File{Path: path}, sink.NewMemory()).Run(t.Context())
		require.NoError(t, err)
		require.ErrorIs(t, summary.InputErr, wal.ErrFormat)
	})

	t.Run("records the run when enabled", func(t *testing.T) {
		t.Parallel()
		mem := sink.NewMemory()
		summary, err := newTestPipeline(t, &source.File{Path: "testdata/wal.json"}, mem, func(cfg *Config) {
			cfg.RecordRuns = true
			cfg.Table = "flattened"
		}).Run(t.Context())
		require.NoError(t, err)

		runs := mem.Runs()
		require.Len(t, runs, 1)
		require.Equal(t, summary.RunID, runs[0].ID)
		require.Equal(t, "flattened", runs[0].Table)
		require.Equal(t, 1, runs[0].RowsWritten)
		require.False(t, runs[0].Aborted)

		_, ok := mem.Table("flattened")
		require.True(t, ok)
	})

	t.Run("does not record the run by default", func(t *testing.T) {
		t.Parallel()
		mem := sink.NewMemory()
		_, err := newTestPipeline(t, &source.File{Path: "testdata/wal.json"}, mem).Run(t.Context())
		require.NoError(t, err)
		require.Empty(t, mem.Runs())
	})

	t.Run("sink failures fail the run", func(t *testing.T) {
		t.Parallel()
		failing := &failingSink{Memory: sink.NewMemory(), err: errors.New("disk full")}
		summary, err := newTestPipeline(t, &source.File{Path: "testdata/wal.json"}, failing).Run(t.Context())
		require.ErrorContains(t, err, "disk full")
		require.NotNil(t, summary)
		require.Zero(t, summary.RowsWritten)
	})

	t.Run("row-at-a-time sinks receive every row", func(t *testing.T) {
		t.Parallel()
		records := append(correlatedRecords(), event("E1", "T1", "F1"), event("E2", "T1", "F1"))
		rs := &rowSink{}
		summary, err := newTestPipeline(t, batchFile(t, records...), rs).Run(t.Context())
		require.NoError(t, err)
		require.Equal(t, 2, summary.RowsWritten)
		require.Len(t, rs.rows, 2)
	})
}

// failingSink accepts table creation and fails every insert.
type failingSink struct {
	*sink.Memory
	err error
}

func (f *failingSink) InsertRow(ctx context.Context, table string, row map[string]any) error {
	return f.err
}

func (f *failingSink) InsertRows(ctx context.Context, table string, rows []map[string]any) error {
	return f.err
}

// rowSink implements only the base Sink interface.
type rowSink struct {
	rows []map[string]any
}

func (r *rowSink) CreateTable(ctx context.Context, table string, columns []schema.Column) error {
	return nil
}

func (r *rowSink) InsertRow(ctx context.Context, table string, row map[string]any) error {
	r.rows = append(r.rows, row)
	return nil
}

func (r *rowSink) Close() error { return nil }
