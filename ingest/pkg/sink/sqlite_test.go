package sink

import (
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/walflow/ingest/pkg/schema"
	walflowtesting "github.com/malbeclabs/walflow/utils/pkg/testing"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(t.Context(), walflowtesting.NewLogger(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWalflow_Sink_SQLite(t *testing.T) {
	t.Parallel()

	cols := []schema.Column{
		{Name: "transaction_id", Type: "bigint"},
		{Name: "amount", Type: "numeric"},
		{Name: "status", Type: "character varying"},
	}

	t.Run("creates table with declared types and inserts rows", func(t *testing.T) {
		t.Parallel()
		s := newTestSQLite(t)
		ctx := t.Context()

		require.NoError(t, s.CreateTable(ctx, "metrics", cols))
		require.NoError(t, s.InsertRows(ctx, "metrics", []map[string]any{
			{"transaction_id": json.Number("1"), "amount": json.Number("9.5"), "status": "ok"},
			{"transaction_id": json.Number("2"), "amount": nil, "status": nil},
		}))

		var decl string
		require.NoError(t, s.DB().QueryRowContext(ctx,
			`SELECT type FROM pragma_table_info('metrics') WHERE name = 'transaction_id'`).Scan(&decl))
		require.Equal(t, "bigint", decl)

		rows, err := s.DB().QueryContext(ctx, `SELECT transaction_id, amount, status FROM metrics ORDER BY transaction_id`)
		require.NoError(t, err)
		defer rows.Close()

		type got struct {
			id     int64
			amount sql.NullFloat64
			status sql.NullString
		}
		var out []got
		for rows.Next() {
			var g got
			require.NoError(t, rows.Scan(&g.id, &g.amount, &g.status))
			out = append(out, g)
		}
		require.NoError(t, rows.Err())
		require.Equal(t, []got{
			{id: 1, amount: sql.NullFloat64{Float64: 9.5, Valid: true}, status: sql.NullString{String: "ok", Valid: true}},
			{id: 2},
		}, out)
	})

	t.Run("stores exact integers in character columns", func(t *testing.T) {
		t.Parallel()
		s := newTestSQLite(t)
		ctx := t.Context()

		require.NoError(t, s.CreateTable(ctx, "metrics", []schema.Column{
			{Name: "token_id", Type: "uuid"},
			{Name: "customer_id", Type: schema.DefaultType},
		}))
		require.NoError(t, s.InsertRows(ctx, "metrics", []map[string]any{
			{"token_id": "K1", "customer_id": json.Number("42")},
			{"token_id": "K2", "customer_id": json.Number("12345678901234567891")},
		}))

		var small, large string
		require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT customer_id FROM metrics WHERE token_id = 'K1'`).Scan(&small))
		require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT customer_id FROM metrics WHERE token_id = 'K2'`).Scan(&large))
		require.Equal(t, "42", small)
		require.Equal(t, "12345678901234567891", large)
	})

	t.Run("rerun appends to existing table", func(t *testing.T) {
		t.Parallel()
		s := newTestSQLite(t)
		ctx := t.Context()

		for range 2 {
			require.NoError(t, s.CreateTable(ctx, "metrics", cols))
			require.NoError(t, s.InsertRow(ctx, "metrics", map[string]any{"transaction_id": json.Number("1")}))
		}

		var n int
		require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics`).Scan(&n))
		require.Equal(t, 2, n)
	})

	t.Run("quotes identifiers", func(t *testing.T) {
		t.Parallel()
		s := newTestSQLite(t)
		ctx := t.Context()

		require.NoError(t, s.CreateTable(ctx, `odd "table"`, []schema.Column{{Name: "select", Type: "text"}}))
		require.NoError(t, s.InsertRow(ctx, `odd "table"`, map[string]any{"select": "x"}))

		var v string
		require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT "select" FROM "odd ""table"""`).Scan(&v))
		require.Equal(t, "x", v)
	})

	t.Run("inserts into unknown tables by row keys", func(t *testing.T) {
		t.Parallel()
		s := newTestSQLite(t)
		ctx := t.Context()

		_, err := s.DB().ExecContext(ctx, `CREATE TABLE external (a text, b text)`)
		require.NoError(t, err)
		require.NoError(t, s.InsertRow(ctx, "external", map[string]any{"b": "2", "a": "1"}))

		var a, b string
		require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT a, b FROM external`).Scan(&a, &b))
		require.Equal(t, "1", a)
		require.Equal(t, "2", b)
	})

	t.Run("persists to a file path", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "metrics.db")
		s, err := NewSQLite(t.Context(), walflowtesting.NewLogger(), path)
		require.NoError(t, err)
		require.NoError(t, s.CreateTable(t.Context(), "metrics", cols))
		require.NoError(t, s.Close())

		reopened, err := NewSQLite(t.Context(), walflowtesting.NewLogger(), path)
		require.NoError(t, err)
		defer reopened.Close()
		var n int
		require.NoError(t, reopened.DB().QueryRowContext(t.Context(),
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'metrics'`).Scan(&n))
		require.Equal(t, 1, n)
	})

	t.Run("rejects empty column list", func(t *testing.T) {
		t.Parallel()
		s := newTestSQLite(t)
		require.Error(t, s.CreateTable(t.Context(), "metrics", nil))
	})
}
