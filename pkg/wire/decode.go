package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decode deserializes exactly one tagged value from data. Any bytes left
// over after the value are a framing violation.
func Decode(data []byte) (any, error) {
	v, rest, err := decodeOne(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingData, len(rest))
	}
	return v, nil
}

// DecodeMap deserializes one value and requires it to be a mapping, which is
// what every CSH frame carries.
func DecodeMap(data []byte) (Map, error) {
	v, err := Decode(data)
	if err != nil {
		return nil, err
	}
	m, ok := v.(Map)
	if !ok {
		return nil, fmt.Errorf("wire: expected mapping, got %T", v)
	}
	return m, nil
}

// decodeOne consumes a single tag|len8|payload triple from data and returns
// the decoded value plus the unconsumed remainder.
func decodeOne(data []byte) (any, []byte, error) {
	if len(data) < 9 {
		return nil, nil, fmt.Errorf("%w: %d bytes for value header", ErrTruncated, len(data))
	}
	tag := Tag(data[0])
	length := binary.LittleEndian.Uint64(data[1:9])
	rest := data[9:]
	if uint64(len(rest)) < length {
		return nil, nil, fmt.Errorf("%w: payload length %d exceeds remaining %d", ErrTruncated, length, len(rest))
	}
	payload := rest[:length]
	rest = rest[length:]

	v, err := decodePayload(tag, payload)
	if err != nil {
		return nil, nil, err
	}
	return v, rest, nil
}

func decodePayload(tag Tag, payload []byte) (any, error) {
	switch tag {
	case TagInt:
		return decodeInt(payload)
	case TagFloat:
		if len(payload) != 4 {
			return nil, fmt.Errorf("%w: float payload is %d bytes", ErrTruncated, len(payload))
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(payload)), nil
	case TagString:
		return string(payload), nil
	case TagBytes:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case TagList:
		elems, err := decodeSequence(payload)
		if err != nil {
			return nil, err
		}
		return List(elems), nil
	case TagTuple:
		elems, err := decodeSequence(payload)
		if err != nil {
			return nil, err
		}
		return Tuple(elems), nil
	case TagMap:
		return decodeMapPayload(payload)
	case TagNone:
		if len(payload) != 1 {
			return nil, fmt.Errorf("%w: null payload is %d bytes", ErrTruncated, len(payload))
		}
		return nil, nil
	case TagBool:
		if len(payload) != 1 {
			return nil, fmt.Errorf("%w: bool payload is %d bytes", ErrTruncated, len(payload))
		}
		return payload[0] == 0x01, nil
	case TagSet:
		elems, err := decodeSequence(payload)
		if err != nil {
			return nil, err
		}
		set := make(Set, len(elems))
		for _, e := range elems {
			if !hashable(e) {
				return nil, fmt.Errorf("%w: %T", ErrUnhashableKey, e)
			}
			set[e] = struct{}{}
		}
		return set, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
}

// decodeSequence repeatedly consumes values until the payload is exhausted.
// The result is never nil, so an empty container decodes equal to the empty
// container that produced it.
func decodeSequence(payload []byte) ([]any, error) {
	elems := []any{}
	for len(payload) > 0 {
		v, rest, err := decodeOne(payload)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
		payload = rest
	}
	return elems, nil
}

// decodeMapPayload decodes the payload as a list of two-element [key, value]
// lists and folds it into a Map. Later duplicates overwrite earlier entries.
func decodeMapPayload(payload []byte) (Map, error) {
	entries, err := decodeSequence(payload)
	if err != nil {
		return nil, err
	}
	m := make(Map, len(entries))
	for _, entry := range entries {
		var pair []any
		switch p := entry.(type) {
		case List:
			pair = p
		case Tuple:
			pair = p
		default:
			return nil, fmt.Errorf("%w: %T", ErrBadPair, entry)
		}
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: %d elements", ErrBadPair, len(pair))
		}
		if !hashable(pair[0]) {
			return nil, fmt.Errorf("%w: %T", ErrUnhashableKey, pair[0])
		}
		m[pair[0]] = pair[1]
	}
	return m, nil
}

func decodeInt(payload []byte) (int64, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty integer payload", ErrTruncated)
	}

	// Little-endian two's complement, sign-extended from the last byte.
	// Payloads longer than 8 bytes must be pure sign extension or the value
	// does not fit in an int64.
	negative := payload[len(payload)-1]&0x80 != 0
	var u uint64
	if negative {
		u = math.MaxUint64
	}
	for i := len(payload) - 1; i >= 0; i-- {
		if i >= 8 {
			ext := byte(0x00)
			if negative {
				ext = 0xff
			}
			if payload[i] != ext {
				return 0, ErrIntOverflow
			}
			continue
		}
		u = u<<8 | uint64(payload[i])
	}
	if len(payload) >= 8 {
		// The top byte's sign must agree with the 64-bit interpretation.
		if v := int64(u); (v < 0) != negative {
			return 0, ErrIntOverflow
		}
	}
	return int64(u), nil
}

// hashable reports whether a decoded value may serve as a mapping key or set
// element. Matches the scalar kinds; aggregates and bytes are not hashable.
func hashable(v any) bool {
	switch v.(type) {
	case nil, bool, int64, float32, string:
		return true
	default:
		return false
	}
}
