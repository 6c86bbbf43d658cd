package ir

import (
	"bytes"
	"fmt"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON. It is the only encoding
// used for content hashes and golden traces.
//
// Differences from json.Marshal:
//  1. Object keys sorted by UTF-16 code units
//  2. No HTML escaping
//  3. Strings are NFC normalized
//  4. Floats are rejected
//
// Accepts IR values plus string, int, int64, bool, []any and map[string]any
// so that callers can assemble ad-hoc documents.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil, IRNull:
		buf.WriteString("null")
	case IRString:
		return writeCanonicalString(buf, string(val))
	case string:
		return writeCanonicalString(buf, val)
	case IRInt:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case int:
		buf.WriteString(strconv.Itoa(val))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case IRBool:
		buf.WriteString(strconv.FormatBool(bool(val)))
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case IRArray:
		return writeCanonicalList(buf, len(val), func(i int) any { return val[i] })
	case []any:
		return writeCanonicalList(buf, len(val), func(i int) any { return val[i] })
	case Path:
		return writeCanonicalList(buf, len(val), func(i int) any {
			if val[i].IsIndex() {
				idx, _ := val[i].AsIndex()
				return idx
			}
			return val[i].String()
		})
	case IRObject:
		keys := val.SortedKeys()
		return writeCanonicalObject(buf, keys, func(k string) any { return val[k] })
	case map[string]any:
		keys := make(IRObject, len(val))
		for k := range val {
			keys[k] = nil
		}
		return writeCanonicalObject(buf, keys.SortedKeys(), func(k string) any { return val[k] })
	case float32, float64:
		return fmt.Errorf("floats are forbidden in canonical JSON: %v", val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

func writeCanonicalList(buf *bytes.Buffer, n int, at func(int) any) error {
	buf.WriteByte('[')
	for i := 0; i < n; i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonical(buf, at(i)); err != nil {
			return fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	buf.WriteByte(']')
	return nil
}

func writeCanonicalObject(buf *bytes.Buffer, keys []string, at func(string) any) error {
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeCanonicalString(buf, k); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		buf.WriteByte(':')
		if err := writeCanonical(buf, at(k)); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// writeCanonicalString escapes only quote, backslash and control characters.
// json.Encoder also escapes U+2028/U+2029, which RFC 8785 leaves literal, so
// the string is escaped by hand.
func writeCanonicalString(buf *bytes.Buffer, s string) error {
	s = norm.NFC.String(s)
	buf.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			buf.WriteString(`\"`)
		case r == '\\':
			buf.WriteString(`\\`)
		case r == '\b':
			buf.WriteString(`\b`)
		case r == '\f':
			buf.WriteString(`\f`)
		case r == '\n':
			buf.WriteString(`\n`)
		case r == '\r':
			buf.WriteString(`\r`)
		case r == '\t':
			buf.WriteString(`\t`)
		case r < 0x20:
			fmt.Fprintf(buf, `\u%04x`, r)
		default:
			buf.WriteRune(r)
		}
	}
	buf.WriteByte('"')
	return nil
}
