package wal

import (
	"errors"
	"fmt"
)

var (
	// ErrInputUnavailable is returned when the batch source is missing or unreadable.
	ErrInputUnavailable = errors.New("wal: input unavailable")
	// ErrFormat is returned when the batch is not a JSON array of records.
	ErrFormat = errors.New("wal: batch is not valid structured data")

	ErrShape          = errors.New("wal: record has an unexpected shape")
	ErrIncomplete     = errors.New("wal: change entry is incomplete")
	ErrLengthMismatch = errors.New("wal: column arrays are missing or misaligned")

	// ErrJSONDecode matches any *JSONDecodeError via errors.Is.
	ErrJSONDecode = errors.New("wal: nested payload is not valid JSON")
)

// JSONDecodeError reports a nested payload column that could not be parsed.
type JSONDecodeError struct {
	Column string
	Err    error
}

func (e *JSONDecodeError) Error() string {
	return fmt.Sprintf("wal: failed to decode nested payload column %q: %v", e.Column, e.Err)
}

func (e *JSONDecodeError) Unwrap() error {
	return e.Err
}

func (e *JSONDecodeError) Is(target error) bool {
	return target == ErrJSONDecode
}
