package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"unicode/utf16"
)

// IRValue is a sealed interface over the plain data a memory model may hold.
// Only IRNull, IRString, IRInt, IRBool, IRArray and IRObject implement it.
//
// A nil IRValue means "undefined": the path does not resolve. IRNull is an
// explicit JSON null.
type IRValue interface {
	irValue()
}

// IRNull represents a JSON null value.
type IRNull struct{}

func (IRNull) irValue() {}

// MarshalJSON implements json.Marshaler for IRNull.
func (IRNull) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// IRString represents a string value.
type IRString string

func (IRString) irValue() {}

// IRInt represents an integer value. Always int64, never float64.
type IRInt int64

func (IRInt) irValue() {}

// IRBool represents a boolean value.
type IRBool bool

func (IRBool) irValue() {}

// IRArray represents an ordered list of values.
type IRArray []IRValue

func (IRArray) irValue() {}

// IRObject represents a map of string keys to values.
// Use SortedKeys() for deterministic iteration.
type IRObject map[string]IRValue

func (IRObject) irValue() {}

// IRPair is a key/value pair for typed IRObject construction.
type IRPair struct {
	Key   string
	Value IRValue
}

// O is shorthand for IRPair.
// Example: NewIRObjectFromPairs(O("name", IRString("todo")), O("done", IRBool(false)))
func O(key string, value IRValue) IRPair {
	return IRPair{Key: key, Value: value}
}

// NewIRObjectFromPairs creates an IRObject from typed key/value pairs.
func NewIRObjectFromPairs(pairs ...IRPair) IRObject {
	obj := make(IRObject, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// NewIRArray creates an IRArray from values.
func NewIRArray(vals ...IRValue) IRArray {
	return IRArray(vals)
}

// IsContainer reports whether v is an object or array.
func IsContainer(v IRValue) bool {
	switch v.(type) {
	case IRObject, IRArray:
		return true
	}
	return false
}

// Identity returns a stable identity for container values, or 0 for scalars
// and empty arrays. Two IRObject values share an identity exactly when they
// are the same map.
func Identity(v IRValue) uintptr {
	switch val := v.(type) {
	case IRObject:
		if val == nil {
			return 0
		}
		return reflect.ValueOf(val).Pointer()
	case IRArray:
		if len(val) == 0 {
			return 0
		}
		return reflect.ValueOf(val).Pointer()
	}
	return 0
}

// Clone returns a deep copy of v. Cyclic input is not supported; the memory
// package performs its own guarded copy for that case.
func Clone(v IRValue) IRValue {
	switch val := v.(type) {
	case IRObject:
		if val == nil {
			return IRObject(nil)
		}
		out := make(IRObject, len(val))
		for k, elem := range val {
			out[k] = Clone(elem)
		}
		return out
	case IRArray:
		if val == nil {
			return IRArray(nil)
		}
		out := make(IRArray, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	default:
		return v
	}
}

// Equal reports whether a and b are structurally equal.
// nil (undefined) equals only nil.
func Equal(a, b IRValue) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case IRObject:
		bv, ok := b.(IRObject)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, elem := range av {
			other, ok := bv[k]
			if !ok || !Equal(elem, other) {
				return false
			}
		}
		return true
	case IRArray:
		bv, ok := b.(IRArray)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

// FromGo converts decoded Go data (as produced by encoding/json, yaml.v3 or
// hand-built literals) into an IRValue. Floats are rejected unless they hold
// an integral value.
func FromGo(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case IRValue:
		return val, nil
	case string:
		return IRString(val), nil
	case bool:
		return IRBool(val), nil
	case int:
		return IRInt(val), nil
	case int32:
		return IRInt(val), nil
	case int64:
		return IRInt(val), nil
	case uint64:
		return IRInt(int64(val)), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not representable: %v", val)
		}
		return IRInt(int64(val)), nil
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("floats are not representable: %s", val)
		}
		return IRInt(n), nil
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			conv, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
// Go's sort.Strings orders by UTF-8 bytes, which differs for astral runes.
func (obj IRObject) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

func compareKeysRFC8785(a, b string) int {
	return slices.Compare(utf16.Encode([]rune(a)), utf16.Encode([]rune(b)))
}

// MarshalJSON encodes the object with sorted keys so that output is stable.
func (obj IRObject) MarshalJSON() ([]byte, error) {
	if obj == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')
		valBytes, err := MarshalIRValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON encodes the array element by element.
func (arr IRArray) MarshalJSON() ([]byte, error) {
	if arr == nil {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := MarshalIRValue(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// MarshalIRValue marshals an IRValue to JSON bytes. A nil value (undefined)
// encodes as null.
func MarshalIRValue(v IRValue) ([]byte, error) {
	switch val := v.(type) {
	case nil, IRNull:
		return []byte("null"), nil
	case IRString:
		return json.Marshal(string(val))
	case IRInt:
		return json.Marshal(int64(val))
	case IRBool:
		return json.Marshal(bool(val))
	case IRArray:
		return val.MarshalJSON()
	case IRObject:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown IRValue type: %T", v)
	}
}

// UnmarshalJSON implements json.Unmarshaler for IRObject.
func (obj *IRObject) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(IRObject)
	if !ok {
		return fmt.Errorf("expected object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler for IRArray.
func (arr *IRArray) UnmarshalJSON(data []byte) error {
	v, err := UnmarshalIRValue(data)
	if err != nil {
		return err
	}
	a, ok := v.(IRArray)
	if !ok {
		return fmt.Errorf("expected array, got %T", v)
	}
	*arr = a
	return nil
}

// UnmarshalIRValue decodes JSON into an IRValue. Null decodes to IRNull;
// numbers with a fraction or exponent are rejected.
func UnmarshalIRValue(data []byte) (IRValue, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return convertDecoded(raw)
}

func convertDecoded(v any) (IRValue, error) {
	switch val := v.(type) {
	case nil:
		return IRNull{}, nil
	case bool:
		return IRBool(val), nil
	case string:
		return IRString(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not representable: %s", val)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", val)
		}
		return IRInt(n), nil
	case []any:
		arr := make(IRArray, len(val))
		for i, elem := range val {
			conv, err := convertDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(IRObject, len(val))
		for k, elem := range val {
			conv, err := convertDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}
