package wal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/iancoleman/orderedmap"
)

// Locate searches a decoded nested payload for the first entry named key.
//
// Mapping entries are visited in document order. The first entry whose value
// is itself a mapping or a sequence commits the search: its result is returned
// and later siblings are never checked. Sequences are not mappings, so a
// search committed to a sequence finds nothing. The boolean result reports
// whether the key was matched.
func Locate(v any, key string) (any, bool) {
	switch m := v.(type) {
	case orderedmap.OrderedMap:
		return locateOrdered(&m, key)
	case *orderedmap.OrderedMap:
		if m == nil {
			return nil, false
		}
		return locateOrdered(m, key)
	case map[string]any:
		// Plain maps carry no document order; sorted keys keep the result stable.
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if isContainer(m[k]) {
				return Locate(m[k], key)
			}
			if k == key {
				return m[k], true
			}
		}
	}
	return nil, false
}

func locateOrdered(m *orderedmap.OrderedMap, key string) (any, bool) {
	for _, k := range m.Keys() {
		value, _ := m.Get(k)
		if isContainer(value) {
			return Locate(value, key)
		}
		if k == key {
			return value, true
		}
	}
	return nil, false
}

func isContainer(v any) bool {
	switch v.(type) {
	case orderedmap.OrderedMap, *orderedmap.OrderedMap, map[string]any, []any:
		return true
	}
	return false
}

// DecodePayload parses a nested JSON payload. Objects become ordered maps that
// keep document key order and numbers stay exact as json.Number.
func DecodePayload(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		if err == nil {
			err = errors.New("unexpected data after top-level value")
		}
		return nil, err
	}
	return v, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		m := orderedmap.New()
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := keyTok.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected object key %v", keyTok)
			}
			value, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			m.Set(key, value)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return m, nil
	case '[':
		list := []any{}
		for dec.More() {
			value, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			list = append(list, value)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter %q", delim)
	}
}

// LocateJSON decodes the payload stored in column and runs Locate on it.
// Decode failures are returned as *JSONDecodeError.
func LocateJSON(column string, payload []byte, key string) (any, bool, error) {
	v, err := DecodePayload(payload)
	if err != nil {
		return nil, false, &JSONDecodeError{Column: column, Err: err}
	}
	value, ok := Locate(v, key)
	return value, ok, nil
}
