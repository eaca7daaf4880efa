// Package value implements the dynamically typed value stored at each path:
// a tagged sum of null, bool, number, string, array and object, per the data
// model design notes (scalars/arrays/objects, arrays treated as scalars by
// the resolver).
package value

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Kind discriminates the tagged sum.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is an immutable-by-convention node in the value tree. Callers must
// not mutate Array/Object after construction; Clone produces an
// independent copy when a defensive copy is needed.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	arr    []Value
	obj    map[string]Value
}

// Null is the tombstone-carrying value: a committed VersionedValue whose
// Value is Null represents a logical delete.
var Null = Value{kind: KindNull}

func Bool(b bool) Value     { return Value{kind: KindBool, b: b} }
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }
func String(s string) Value { return Value{kind: KindString, s: s} }

func Array(items []Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, arr: cp}
}

func Object(fields map[string]Value) Value {
	cp := make(map[string]Value, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return Value{kind: KindObject, obj: cp}
}

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }
func (v Value) Bool() bool    { return v.b }
func (v Value) Number() float64 { return v.n }
func (v Value) String() string  { return v.s }

// Items returns the element slice. Callers must not mutate it.
func (v Value) Items() []Value { return v.arr }

// Fields returns the object's field map. Callers must not mutate it.
func (v Value) Fields() map[string]Value { return v.obj }

// IsObject reports whether this value is a plain, non-array, non-null
// object — the precondition merge-fields requires of both sides.
func (v Value) IsObject() bool { return v.kind == KindObject }

// Clone returns a deep, independent copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		items := make([]Value, len(v.arr))
		for i, item := range v.arr {
			items[i] = item.Clone()
		}
		return Value{kind: KindArray, arr: items}
	case KindObject:
		fields := make(map[string]Value, len(v.obj))
		for k, item := range v.obj {
			fields[k] = item.Clone()
		}
		return Value{kind: KindObject, obj: fields}
	default:
		return v
	}
}

// Equal reports structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, item := range v.obj {
			other, ok := o.obj[k]
			if !ok || !item.Equal(other) {
				return false
			}
		}
		return true
	default:
		return true // both Null
	}
}

// FromInterface converts a generic Go value (as produced by
// json.Unmarshal into interface{}, or hand-built by a caller) into a
// Value. Cycles are detected and rejected: a put's value must be
// JSON-serializable without cycles.
func FromInterface(v interface{}) (Value, error) {
	return fromInterface(v, make(map[uintptr]bool))
}

func fromInterface(v interface{}, seen map[uintptr]bool) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case string:
		return String(t), nil
	case []interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return Value{}, fmt.Errorf("value: cyclic structure detected")
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		items := make([]Value, 0, len(t))
		for _, item := range t {
			cv, err := fromInterface(item, seen)
			if err != nil {
				return Value{}, err
			}
			items = append(items, cv)
		}
		return Array(items), nil
	case map[string]interface{}:
		ptr := reflect.ValueOf(t).Pointer()
		if ptr != 0 {
			if seen[ptr] {
				return Value{}, fmt.Errorf("value: cyclic structure detected")
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		fields := make(map[string]Value, len(t))
		for k, item := range t {
			cv, err := fromInterface(item, seen)
			if err != nil {
				return Value{}, err
			}
			fields[k] = cv
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("value: unsupported type %T", v)
	}
}

// ToInterface converts a Value back into a plain Go value tree, suitable
// for json.Marshal or returning to a caller from Get.
func (v Value) ToInterface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.ToInterface()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, item := range v.obj {
			out[k] = item.ToInterface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToInterface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	cv, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = cv
	return nil
}
