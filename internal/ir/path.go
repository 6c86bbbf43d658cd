package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Segment is one step of a Path: either an object key or an array index.
// Segment is comparable and may be used as a map key.
type Segment struct {
	key     string
	index   int
	isIndex bool
}

// K returns a key segment.
func K(key string) Segment {
	return Segment{key: key}
}

// I returns an index segment.
func I(index int) Segment {
	return Segment{index: index, isIndex: true}
}

// IsIndex reports whether the segment was built as an array index.
func (s Segment) IsIndex() bool {
	return s.isIndex
}

// String returns the property-key form of the segment. Index 2 and key "2"
// share the same string form, which is how the subscription trie keys them.
func (s Segment) String() string {
	if s.isIndex {
		return strconv.Itoa(s.index)
	}
	return s.key
}

// AsIndex returns the segment as an array index. Key segments are accepted
// when they are a canonical non-negative decimal ("2", not "02" or "-1").
func (s Segment) AsIndex() (int, bool) {
	if s.isIndex {
		return s.index, s.index >= 0
	}
	n, err := strconv.Atoi(s.key)
	if err != nil || n < 0 || strconv.Itoa(n) != s.key {
		return 0, false
	}
	return n, true
}

// MarshalJSON encodes index segments as numbers and keys as strings.
func (s Segment) MarshalJSON() ([]byte, error) {
	if s.isIndex {
		return []byte(strconv.Itoa(s.index)), nil
	}
	return json.Marshal(s.key)
}

// UnmarshalJSON accepts a JSON string or integer.
func (s *Segment) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var key string
		if err := json.Unmarshal(data, &key); err != nil {
			return err
		}
		*s = K(key)
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("path segment must be a string or integer: %s", data)
	}
	*s = I(n)
	return nil
}

// Path addresses a location in a value tree. The empty path is the root.
type Path []Segment

// P builds a Path from strings and ints.
// Panics on any other element type; intended for literals in code and tests.
func P(parts ...any) Path {
	path, err := ParsePath(parts...)
	if err != nil {
		panic(err)
	}
	return path
}

// ParsePath builds a Path from strings, ints and Segments.
func ParsePath(parts ...any) (Path, error) {
	path := make(Path, 0, len(parts))
	for i, part := range parts {
		switch v := part.(type) {
		case string:
			path = append(path, K(v))
		case int:
			path = append(path, I(v))
		case int64:
			path = append(path, I(int(v)))
		case Segment:
			path = append(path, v)
		default:
			return nil, fmt.Errorf("path element %d: unsupported type %T", i, part)
		}
	}
	return path, nil
}

// Child returns a new path with seg appended. The receiver is not modified.
func (p Path) Child(seg Segment) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Join returns a new path with rest appended.
func (p Path) Join(rest Path) Path {
	out := make(Path, 0, len(p)+len(rest))
	out = append(out, p...)
	return append(out, rest...)
}

// HasPrefix reports whether prefix is a prefix of p (or equal to it),
// comparing segments by their property-key form.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if prefix[i].String() != p[i].String() {
			return false
		}
	}
	return true
}

// String renders the path for logs, e.g. "todos.2.title".
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		parts[i] = seg.String()
	}
	return strings.Join(parts, ".")
}

// Step resolves one segment against v. Returns nil when v has no such child.
func Step(v IRValue, seg Segment) IRValue {
	switch val := v.(type) {
	case IRObject:
		child, ok := val[seg.String()]
		if !ok {
			return nil
		}
		return child
	case IRArray:
		idx, ok := seg.AsIndex()
		if !ok || idx >= len(val) {
			return nil
		}
		return val[idx]
	default:
		return nil
	}
}

// Lookup resolves path against root. Returns nil (undefined) when any
// segment does not resolve.
func Lookup(root IRValue, path Path) IRValue {
	cur := root
	for _, seg := range path {
		if cur == nil {
			return nil
		}
		cur = Step(cur, seg)
	}
	return cur
}
