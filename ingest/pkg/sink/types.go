package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/iancoleman/orderedmap"
)

var ErrCoerce = errors.New("sink: value does not fit column type")

// Family groups source column type names into the storage classes typed
// backends can represent.
type Family int

const (
	FamilyText Family = iota
	FamilyInteger
	FamilyFloat
	FamilyBoolean
)

func (f Family) String() string {
	switch f {
	case FamilyInteger:
		return "integer"
	case FamilyFloat:
		return "float"
	case FamilyBoolean:
		return "boolean"
	default:
		return "text"
	}
}

// FamilyOf classifies a source type string such as "bigint", "numeric(10,2)"
// or "character varying". Unrecognized names are text.
func FamilyOf(typ string) Family {
	t := strings.ToLower(strings.TrimSpace(typ))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	switch t {
	case "bigint", "int8", "integer", "int", "int4", "smallint", "int2",
		"bigserial", "serial", "serial8", "serial4", "smallserial":
		return FamilyInteger
	case "numeric", "decimal", "real", "float4", "float8", "double precision", "double", "float":
		return FamilyFloat
	case "boolean", "bool":
		return FamilyBoolean
	default:
		return FamilyText
	}
}

// Normalize converts decoded JSON values into driver-friendly scalars:
// json.Number becomes int64 or float64 (or decimal text when an integer
// overflows int64) and containers become JSON text.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil, string, bool, int64, float64:
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		// Integers beyond int64 keep their digits as text.
		if !strings.ContainsAny(val.String(), ".eE") {
			return val.String(), nil
		}
		f, err := val.Float64()
		if err != nil {
			return val.String(), nil
		}
		return f, nil
	case int:
		return int64(val), nil
	case orderedmap.OrderedMap, *orderedmap.OrderedMap, map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("failed to encode nested value: %w", err)
		}
		return string(b), nil
	default:
		return fmt.Sprint(val), nil
	}
}

// Coerce normalizes v and converts it to the Go type that represents fam.
// NULL stays nil.
func Coerce(v any, fam Family) (any, error) {
	n, err := Normalize(v)
	if err != nil || n == nil {
		return n, err
	}

	switch fam {
	case FamilyInteger:
		switch val := n.(type) {
		case int64:
			return val, nil
		case float64:
			if val == math.Trunc(val) && val >= math.MinInt64 && val < math.MaxInt64 {
				return int64(val), nil
			}
		case bool:
			if val {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
				return i, nil
			}
		}
	case FamilyFloat:
		switch val := n.(type) {
		case int64:
			return float64(val), nil
		case float64:
			return val, nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return f, nil
			}
		}
	case FamilyBoolean:
		switch val := n.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				return b, nil
			}
		}
	default:
		switch val := n.(type) {
		case string:
			return val, nil
		case int64:
			return strconv.FormatInt(val, 10), nil
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(val), nil
		}
	}
	return nil, fmt.Errorf("%w: %v (%T) as %s", ErrCoerce, n, n, fam)
}
