// Package transform turns raw spreadsheet cells into typed destination
// rows according to a per-table policy.
package transform

import "encoding/json"

// Kind tags a Value's underlying type.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindStringArray
	KindObject
)

// Value is the typed cell of a transformed row: a tagged union over the
// shapes the destination accepts. Explicit nulls are distinct from absent
// fields — an absent field preserves the destination's prior value, a
// null overwrites it.
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
	Arr  []string
	Obj  map[string]interface{}
}

// Row maps destination field names to typed values.
type Row map[string]Value

func String(s string) Value                 { return Value{Kind: KindString, Str: s} }
func Number(f float64) Value                { return Value{Kind: KindNumber, Num: f} }
func Bool(b bool) Value                     { return Value{Kind: KindBool, Bool: b} }
func Array(a []string) Value                { return Value{Kind: KindStringArray, Arr: a} }
func Object(m map[string]interface{}) Value { return Value{Kind: KindObject, Obj: m} }
func Null() Value                           { return Value{Kind: KindNull} }

// Interface returns the value in the representation database drivers and
// encoding/json understand.
func (v Value) Interface() interface{} {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num
	case KindBool:
		return v.Bool
	case KindStringArray:
		return v.Arr
	case KindObject:
		return v.Obj
	default:
		return nil
	}
}

// MarshalJSON encodes the underlying value, not the union wrapper.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Empty reports whether the value carries no usable content for a
// required-field check: null, or a blank string, or an empty array.
func (v Value) Empty() bool {
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.Str == ""
	case KindStringArray:
		return len(v.Arr) == 0
	default:
		return false
	}
}
