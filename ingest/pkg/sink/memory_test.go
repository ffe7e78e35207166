package sink

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/walflow/ingest/pkg/schema"
)

func TestWalflow_Sink_Memory(t *testing.T) {
	t.Parallel()

	cols := []schema.Column{
		{Name: "transaction_id", Type: "bigint"},
		{Name: "status", Type: "character varying"},
	}

	t.Run("stores normalized rows in column order", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		require.NoError(t, m.CreateTable(t.Context(), "metrics", cols))
		require.NoError(t, m.InsertRow(t.Context(), "metrics", map[string]any{
			"transaction_id": json.Number("10"),
			"status":         "ok",
		}))
		require.NoError(t, m.InsertRows(t.Context(), "metrics", []map[string]any{
			{"transaction_id": json.Number("11")},
		}))

		tbl, ok := m.Table("metrics")
		require.True(t, ok)
		require.Equal(t, cols, tbl.Columns)
		require.Equal(t, []map[string]any{
			{"transaction_id": int64(10), "status": "ok"},
			{"transaction_id": int64(11), "status": nil},
		}, tbl.Rows)
	})

	t.Run("create is idempotent", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		require.NoError(t, m.CreateTable(t.Context(), "metrics", cols))
		require.NoError(t, m.InsertRow(t.Context(), "metrics", map[string]any{"status": "a"}))
		require.NoError(t, m.CreateTable(t.Context(), "metrics", cols))
		tbl, _ := m.Table("metrics")
		require.Len(t, tbl.Rows, 1)
	})

	t.Run("rejects columns outside the table", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		require.NoError(t, m.CreateTable(t.Context(), "metrics", cols))
		err := m.InsertRow(t.Context(), "metrics", map[string]any{"token_id": "x"})
		require.ErrorContains(t, err, `column "token_id"`)
	})

	t.Run("records runs and refuses writes after close", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		run := Run{ID: uuid.New(), Table: "metrics", RowsWritten: 2}
		require.NoError(t, m.RecordRun(t.Context(), run))
		require.Equal(t, []Run{run}, m.Runs())

		require.NoError(t, m.Close())
		require.ErrorIs(t, m.InsertRow(t.Context(), "metrics", map[string]any{}), ErrClosed)
	})
}
