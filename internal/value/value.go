// Package value implements the tagged value model shared by the compiler,
// the bytecode VM, and the FFI boundary: a small closed set of runtime
// types with structural equality and JSON-compatible encoding.
package value

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind tags the variant a Value currently holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSeq
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindSeq:
		return "seq"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the runtime's value space. The zero Value
// is Null. Seq and Map hold references; callers that need isolation must
// call Clone.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	seq  []Value
	m    map[string]Value
}

func Null() Value               { return Value{kind: KindNull} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func Seq(items []Value) Value   { return Value{kind: KindSeq, seq: items} }
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)       { return v.b, v.kind == KindBool }
func (v Value) AsInt() (int64, bool)       { return v.i, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool)   { return v.f, v.kind == KindFloat }
func (v Value) AsString() (string, bool)   { return v.s, v.kind == KindString }
func (v Value) AsSeq() ([]Value, bool)     { return v.seq, v.kind == KindSeq }
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Truthy follows the runtime's coercion rules for Conditional blocks:
// null and false are falsy, zero numbers and empty strings/seqs/maps are
// falsy, everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	case KindSeq:
		return len(v.seq) > 0
	case KindMap:
		return len(v.m) > 0
	default:
		return false
	}
}

// Equal implements the structural equality used by the Eq/Neq opcodes.
// Int and Float compare equal across kinds when numerically equal, since
// the compiler does not statically distinguish numeric literals.
func Equal(a, b Value) bool {
	if a.kind == KindInt && b.kind == KindFloat {
		return float64(a.i) == b.f
	}
	if a.kind == KindFloat && b.kind == KindInt {
		return a.f == float64(b.i)
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.s == b.s
	case KindSeq:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so seq/map values can be mutated independently.
func (v Value) Clone() Value {
	switch v.kind {
	case KindSeq:
		out := make([]Value, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.Clone()
		}
		return Seq(out)
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, e := range v.m {
			out[k] = e.Clone()
		}
		return Map(out)
	default:
		return v
	}
}

// Compare imposes a total order over two numeric or two string Values for
// the ordering opcodes (Lt/Le/Gt/Ge). Returns an error for incomparable
// kinds, matching the ValueTypeMismatch error taxonomy entry.
func Compare(a, b Value) (int, error) {
	an, aIsNum := asFloat(a)
	bn, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		switch {
		case an < bn:
			return -1, nil
		case an > bn:
			return 1, nil
		default:
			return 0, nil
		}
	}
	if a.kind == KindString && b.kind == KindString {
		switch {
		case a.s < b.s:
			return -1, nil
		case a.s > b.s:
			return 1, nil
		default:
			return 0, nil
		}
	}
	return 0, fmt.Errorf("value_type_mismatch: cannot order %s against %s", a.kind, b.kind)
}

func asFloat(v Value) (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// MarshalJSON renders the tagged value in its natural JSON shape.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.b)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("value: cannot encode non-finite float")
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindSeq:
		return json.Marshal(v.seq)
	case KindMap:
		return json.Marshal(v.m)
	default:
		return nil, fmt.Errorf("value: unknown kind %d", v.kind)
	}
}

// UnmarshalJSON decodes arbitrary JSON into the tagged value model.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}

// FromAny converts a decoded interface{} tree (as produced by
// encoding/json or gopkg.in/yaml.v3) into the tagged value model.
func FromAny(raw any) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return Float(t)
		}
		return Float(t)
	case string:
		return String(t)
	case []any:
		out := make([]Value, len(t))
		for i, e := range t {
			out[i] = FromAny(e)
		}
		return Seq(out)
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = FromAny(e)
		}
		return Map(out)
	case map[any]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = FromAny(e)
		}
		return Map(out)
	default:
		return Null()
	}
}

// SortedMapKeys returns a map's keys in deterministic order, used when
// a map must be traversed reproducibly (hashing, ForEach over a map).
func SortedMapKeys(m map[string]Value) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (v Value) String() string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(b)
}
