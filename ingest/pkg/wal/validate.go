package wal

import "fmt"

// Validate checks the structure of one raw decoded record and returns its
// single change entry.
//
// Errors wrap ErrShape when the record is not a mapping, ErrIncomplete when
// the change wrapper, table or kind is missing or malformed, and
// ErrLengthMismatch when the column arrays are missing, empty or misaligned.
// Column types must be strings (ErrShape).
func Validate(raw any) (*Change, error) {
	record, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrShape, raw)
	}

	changes, ok := record["change"].([]any)
	if !ok || len(changes) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one change entry", ErrIncomplete)
	}
	entry, ok := changes[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: change entry is %T", ErrIncomplete, changes[0])
	}

	table, _ := entry["table"].(string)
	if table == "" {
		return nil, fmt.Errorf("%w: missing table", ErrIncomplete)
	}
	kind, _ := entry["kind"].(string)
	if kind != KindInsert {
		return nil, fmt.Errorf("%w: unsupported kind %q", ErrIncomplete, kind)
	}

	names, ok := entry["columnnames"].([]any)
	if !ok || len(names) == 0 {
		return nil, fmt.Errorf("%w: missing columnnames", ErrLengthMismatch)
	}
	types, ok := entry["columntypes"].([]any)
	if !ok || len(types) == 0 {
		return nil, fmt.Errorf("%w: missing columntypes", ErrLengthMismatch)
	}
	values, ok := entry["columnvalues"].([]any)
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("%w: missing columnvalues", ErrLengthMismatch)
	}
	if len(names) != len(values) || len(values) != len(types) {
		return nil, fmt.Errorf("%w: %d names, %d types, %d values", ErrLengthMismatch, len(names), len(types), len(values))
	}

	// Non-string names stay empty and match no column.
	columnNames := make([]string, len(names))
	for i, v := range names {
		columnNames[i], _ = v.(string)
	}
	columnTypes, err := stringSlice(types)
	if err != nil {
		return nil, fmt.Errorf("%w: columntypes: %w", ErrShape, err)
	}

	schemaName, _ := entry["schema"].(string)
	return &Change{
		Kind:         kind,
		Schema:       schemaName,
		Table:        table,
		ColumnNames:  columnNames,
		ColumnTypes:  columnTypes,
		ColumnValues: values,
	}, nil
}

func stringSlice(in []any) ([]string, error) {
	out := make([]string, len(in))
	for i, v := range in {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("element %d is %T, expected string", i, v)
		}
		out[i] = s
	}
	return out, nil
}
