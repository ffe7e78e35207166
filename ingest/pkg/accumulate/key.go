package accumulate

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// NaturalKey is the tuple of correlation values identifying a store entry.
type NaturalKey struct {
	Values []any
}

type SurrogateKey string

func NewNaturalKey(values ...any) *NaturalKey {
	return &NaturalKey{
		Values: values,
	}
}

// ToSurrogate converts a natural key to a deterministic surrogate key.
// Each value is encoded as typeTag + ":" + length + ":" + payload before
// hashing, so "1" and json.Number("1") never collide and unhashable decoded
// values can still act as keys.
func (p *NaturalKey) ToSurrogate() SurrogateKey {
	var buf bytes.Buffer
	for _, val := range p.Values {
		if val == nil {
			buf.WriteString("nil:0:")
			continue
		}

		typeTag := reflect.TypeOf(val).String()

		var payload []byte
		switch v := val.(type) {
		case string:
			payload = []byte(v)
		case json.Number:
			payload = []byte(v.String())
		case int, int8, int16, int32, int64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], uint64(reflect.ValueOf(v).Int()))
			payload = b[:]
		case uint, uint8, uint16, uint32, uint64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], reflect.ValueOf(v).Uint())
			payload = b[:]
		case float64:
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(v))
			payload = b[:]
		case bool:
			if v {
				payload = []byte{1}
			} else {
				payload = []byte{0}
			}
		default:
			// Nested payload values (maps, slices) have no canonical form here.
			if b, err := json.Marshal(v); err == nil {
				payload = b
			} else {
				payload = []byte(fmt.Sprintf("%v", v))
			}
		}

		buf.WriteString(typeTag)
		buf.WriteString(":")
		buf.WriteString(fmt.Sprintf("%d", len(payload)))
		buf.WriteString(":")
		buf.Write(payload)
	}

	hash := sha256.Sum256(buf.Bytes())
	return SurrogateKey(hex.EncodeToString(hash[:]))
}

// isNull reports whether a correlation value is missing. Empty strings count
// as missing: a record with a blank identifier cannot join anything.
func isNull(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
