package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindUnset Kind = iota
	KindBool
	KindInt
	KindRaw
)

// Value is a typed capability value. The zero Value is unset.
type Value struct {
	kind Kind
	b    bool
	i    int
	raw  json.RawMessage
}

func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

func IntValue(i int) Value { return Value{kind: KindInt, i: i} }

func RawValue(raw json.RawMessage) Value {
	if len(raw) == 0 {
		return Value{}
	}
	return Value{kind: KindRaw, raw: append(json.RawMessage(nil), raw...)}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsSet() bool { return v.kind != KindUnset }

func (v Value) Bool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) Int() (int, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) Raw() json.RawMessage { return v.raw }

func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindRaw:
		return bytes.Equal(v.raw, o.raw)
	}
	return true
}

// Wire is the value as the OpenAPI expects it in a control request.
// Booleans travel as 1/0.
func (v Value) Wire() any {
	switch v.kind {
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindInt:
		return v.i
	case KindRaw:
		return v.raw
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.Itoa(v.i)
	case KindRaw:
		return string(v.raw)
	}
	return "<unset>"
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindRaw:
		return v.raw, nil
	}
	return []byte("null"), nil
}

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*v = Value{}
	case bytes.Equal(b, []byte("true")):
		*v = BoolValue(true)
	case bytes.Equal(b, []byte("false")):
		*v = BoolValue(false)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err == nil {
			if i, err := n.Int64(); err == nil {
				*v = IntValue(int(i))
				return nil
			}
		}
		*v = RawValue(b)
	}
	return nil
}

// DecodeValue coerces a vendor value into the type implied by the instance.
// On/off instances accept 0/1, "0"/"1", true/false and "on"/"off". An empty
// string or null decodes to an unset value.
func DecodeValue(inst Instance, raw json.RawMessage) (Value, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Value{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return Value{}, fmt.Errorf("decode %s value: %w", inst, err)
	}
	return CoerceValue(inst, v)
}

// CoerceValue is DecodeValue for an already decoded JSON value.
func CoerceValue(inst Instance, v any) (Value, error) {
	if v == nil {
		return Value{}, nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return Value{}, nil
	}
	switch inst.Kind() {
	case KindBool:
		b, ok := coerceBool(v)
		if !ok {
			return Value{}, fmt.Errorf("%s: %v is not a boolean", inst, v)
		}
		return BoolValue(b), nil
	case KindInt:
		f, ok := numericValue(v)
		if !ok {
			return Value{}, fmt.Errorf("%s: %v is not numeric", inst, v)
		}
		return IntValue(int(math.Round(f))), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	return RawValue(b), nil
}

func coerceBool(v any) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "on", "true", "1", "yes":
			return true, true
		case "off", "false", "0", "no":
			return false, true
		}
		return false, false
	}
	if f, ok := numericValue(v); ok {
		return f != 0, true
	}
	return false, false
}

func numericValue(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}
