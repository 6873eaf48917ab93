package memory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind tags the scalar type held by a Value.
type Kind uint8

const (
	KindString Kind = iota
	KindNumber
	KindBool
)

// Value is a scalar metadata value.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
}

func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Number(f float64) Value { return Value{Kind: KindNumber, Num: f} }
func Bool(b bool) Value      { return Value{Kind: KindBool, Bool: b} }

// String renders the value as text.
func (v Value) String() string {
	switch v.Kind {
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return v.Str
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	default:
		return json.Marshal(v.Str)
	}
}

// UnmarshalJSON accepts any JSON value. Non-scalars are kept as their raw
// JSON text in a string value.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty metadata value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case 'n':
		*v = String("")
	case '{', '[':
		*v = String(string(data))
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*v = Number(f)
	}
	return nil
}

// Metadata is an open key/value bag attached to an observation.
type Metadata map[string]Value

// Get returns the string form of key, or "" when absent.
func (m Metadata) Get(key string) string {
	if v, ok := m[key]; ok {
		return v.String()
	}
	return ""
}

// MetadataFromMap converts loosely typed values (as decoded from JSON) into
// Metadata. Unsupported types are formatted with %v.
func MetadataFromMap(in map[string]any) Metadata {
	if len(in) == 0 {
		return nil
	}
	out := make(Metadata, len(in))
	for k, raw := range in {
		switch x := raw.(type) {
		case string:
			out[k] = String(x)
		case bool:
			out[k] = Bool(x)
		case float64:
			out[k] = Number(x)
		case float32:
			out[k] = Number(float64(x))
		case int:
			out[k] = Number(float64(x))
		case int64:
			out[k] = Number(float64(x))
		case nil:
			out[k] = String("")
		default:
			if b, err := json.Marshal(x); err == nil {
				out[k] = String(string(b))
			} else {
				out[k] = String(fmt.Sprintf("%v", x))
			}
		}
	}
	return out
}
