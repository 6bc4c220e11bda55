// Package wire implements the CSH wire format: a tagged binary encoding of
// ten value kinds, and the "CSH" length-prefixed frame that carries one
// encoded mapping per message in each direction.
//
// Every encoded value is laid out as:
//
//	[tag:1][payload length:uint64 little-endian][payload bytes]
//
// Lists, tuples and sets concatenate encoded elements in their payload;
// mappings encode as a list of two-element [key, value] lists.
package wire

import "errors"

// Tag identifies the kind of an encoded value.
type Tag byte

const (
	TagInt    Tag = 0
	TagFloat  Tag = 1
	TagString Tag = 2
	TagBytes  Tag = 3
	TagList   Tag = 4
	TagTuple  Tag = 5
	TagMap    Tag = 6
	TagNone   Tag = 7
	TagBool   Tag = 8
	TagSet    Tag = 9
)

// List is an ordered sequence of values.
type List []any

// Tuple is encoded like a List but carries a distinct tag so both sides can
// round-trip the difference.
type Tuple []any

// Map is a mapping with hashable keys. Duplicate keys in the encoded form
// resolve to the last occurrence.
type Map map[any]any

// Set is an unordered collection of hashable values.
type Set map[any]struct{}

// Decoded Go representations per tag: int64, float32, string, []byte, List,
// Tuple, Map, nil, bool, Set.

// Typed codec failures. Every decode error wraps one of these.
var (
	ErrUnknownTag      = errors.New("wire: unknown type tag")
	ErrTruncated       = errors.New("wire: truncated payload")
	ErrTrailingData    = errors.New("wire: trailing bytes after value")
	ErrUnhashableKey   = errors.New("wire: unhashable mapping key or set element")
	ErrBadPair         = errors.New("wire: mapping entry is not a two-element list")
	ErrIntOverflow     = errors.New("wire: integer does not fit in 64 bits")
	ErrUnsupportedType = errors.New("wire: unsupported value type")
)

// NewSet builds a Set from its elements. Elements must be hashable kinds.
func NewSet(elems ...any) Set {
	s := make(Set, len(elems))
	for _, e := range elems {
		s[e] = struct{}{}
	}
	return s
}

// GetString fetches a string-valued key from a mapping.
func (m Map) GetString(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetInt fetches an integer-valued key from a mapping.
func (m Map) GetInt(key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

// Has reports whether the mapping contains the key.
func (m Map) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// StringKeyed converts the mapping to a map[string]any, dropping any entries
// whose key is not a string. Request envelopes and command arguments are
// string-keyed by protocol, so nothing is lost on well-formed input.
func (m Map) StringKeyed() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := k.(string); ok {
			out[s] = v
		}
	}
	return out
}
