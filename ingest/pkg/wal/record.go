package wal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// KindInsert is the only change kind accepted by the validator.
const KindInsert = "insert"

// Record is one wal2json message carrying its change list.
type Record struct {
	Change []Change `json:"change"`
}

// Change is a single row change with parallel column arrays. Names that were
// not strings in the record are empty and match no column.
type Change struct {
	Kind         string   `json:"kind"`
	Schema       string   `json:"schema"`
	Table        string   `json:"table"`
	ColumnNames  []string `json:"columnnames"`
	ColumnTypes  []string `json:"columntypes"`
	ColumnValues []any    `json:"columnvalues"`
}

// Column returns the position of the first column with the given name.
func (c *Change) Column(name string) (int, bool) {
	for i, n := range c.ColumnNames {
		if n == name {
			return i, true
		}
	}
	return -1, false
}

// DecodeBatch reads a JSON array of raw records. Records are kept as generic
// decoded values so the validator can report shape problems per record.
// Numbers are decoded as json.Number to keep large identifiers intact.
func DecodeBatch(r io.Reader) ([]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInputUnavailable, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var batch any
	if err := dec.Decode(&batch); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after batch", ErrFormat)
	}

	records, ok := batch.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: expected an array of records, got %T", ErrFormat, batch)
	}
	return records, nil
}
