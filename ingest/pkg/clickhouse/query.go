package clickhouse

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

// QueryResult holds rows read back as column-name maps.
type QueryResult struct {
	Columns []string
	Rows    []map[string]any
}

// Query runs a query and scans every row into a map. Nullable columns that
// are NULL come back as nil.
func Query(ctx context.Context, conn Connection, query string, args ...any) (*QueryResult, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	columns := rows.Columns()
	targets := scanTargets(rows.ColumnTypes())

	var out []map[string]any
	for rows.Next() {
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = deref(targets[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return &QueryResult{Columns: columns, Rows: out}, nil
}

func scanTargets(columnTypes []driver.ColumnType) []any {
	targets := make([]any, len(columnTypes))
	for i, colType := range columnTypes {
		dbType := colType.DatabaseTypeName()
		nullable := strings.HasPrefix(dbType, "Nullable(")
		base := strings.TrimSuffix(strings.TrimPrefix(dbType, "Nullable("), ")")

		var zero any
		switch {
		case base == "String" || strings.HasPrefix(base, "FixedString"):
			zero = ""
		case base == "Int64":
			zero = int64(0)
		case base == "UInt64":
			zero = uint64(0)
		case base == "UInt8":
			zero = uint8(0)
		case base == "Float64":
			zero = float64(0)
		case base == "Bool":
			zero = false
		case base == "UUID":
			zero = uuid.UUID{}
		case strings.HasPrefix(base, "DateTime"):
			zero = time.Time{}
		default:
			if st := colType.ScanType(); st != nil {
				targets[i] = reflect.New(st).Interface()
				continue
			}
			zero = ""
		}

		t := reflect.TypeOf(zero)
		if nullable {
			t = reflect.PointerTo(t)
		}
		targets[i] = reflect.New(t).Interface()
	}
	return targets
}

// deref unwraps the scan pointer, collapsing a nil inner pointer to nil.
func deref(target any) any {
	v := reflect.ValueOf(target).Elem()
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		return v.Elem().Interface()
	}
	return v.Interface()
}
