package extract

import (
	"fmt"
	"maps"

	"github.com/malbeclabs/walflow/ingest/pkg/schema"
	"github.com/malbeclabs/walflow/ingest/pkg/wal"
)

// Subset holds the recognized output columns of one change record.
type Subset map[string]any

// Clone returns a shallow copy of the subset.
func (s Subset) Clone() Subset {
	return maps.Clone(s)
}

// Extract builds the column subset of a validated change for its table and
// records newly observed column types in reg.
//
// Columns declared directly on the change take precedence. Otherwise a column
// listed in schema.NestedKeys is searched for inside its jsonb payload column.
// Any other column is null. A payload that fails to parse aborts extraction
// with a *wal.JSONDecodeError.
func Extract(change *wal.Change, table schema.Table, reg *schema.Registry) (Subset, error) {
	subset := make(Subset, len(table.Columns))
	for _, col := range table.Columns {
		if i, ok := change.Column(col); ok {
			subset[col] = change.ColumnValues[i]
			reg.Observe(table.Name, col, change.ColumnTypes[i])
			continue
		}

		var value any
		if parent, ok := schema.NestedKeys[col]; ok {
			v, err := nestedValue(change, parent, col)
			if err != nil {
				return nil, err
			}
			value = v
		}
		subset[col] = value
		reg.Observe(table.Name, col, schema.DefaultType)
	}
	return subset, nil
}

func nestedValue(change *wal.Change, parent, col string) (any, error) {
	i, ok := change.Column(parent)
	if !ok || change.ColumnTypes[i] != schema.NestedPayloadType {
		return nil, nil
	}

	var payload []byte
	switch v := change.ColumnValues[i].(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		payload = []byte(v)
	default:
		return nil, &wal.JSONDecodeError{Column: parent, Err: fmt.Errorf("payload is %T, expected a JSON string", v)}
	}

	value, _, err := wal.LocateJSON(parent, payload, col)
	if err != nil {
		return nil, err
	}
	return value, nil
}
