package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
)

// Encode serializes a value into its tagged wire form.
//
// Accepted Go types: int/int8..int64/uint8..uint32 (integer), float32,
// string, []byte, List, []any, Tuple, Map, map[string]any, nil, bool, Set.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeTo(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeTo(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		writeHeader(buf, TagNone, 1)
		buf.WriteByte(0x00)
	case bool:
		writeHeader(buf, TagBool, 1)
		if val {
			buf.WriteByte(0x01)
		} else {
			buf.WriteByte(0x00)
		}
	case int64:
		p := encodeInt(val)
		writeHeader(buf, TagInt, uint64(len(p)))
		buf.Write(p)
	case int:
		return encodeTo(buf, int64(val))
	case int8:
		return encodeTo(buf, int64(val))
	case int16:
		return encodeTo(buf, int64(val))
	case int32:
		return encodeTo(buf, int64(val))
	case uint8:
		return encodeTo(buf, int64(val))
	case uint16:
		return encodeTo(buf, int64(val))
	case uint32:
		return encodeTo(buf, int64(val))
	case float32:
		writeHeader(buf, TagFloat, 4)
		var p [4]byte
		binary.LittleEndian.PutUint32(p[:], math.Float32bits(val))
		buf.Write(p[:])
	case string:
		writeHeader(buf, TagString, uint64(len(val)))
		buf.WriteString(val)
	case []byte:
		writeHeader(buf, TagBytes, uint64(len(val)))
		buf.Write(val)
	case List:
		return encodeSequence(buf, TagList, val)
	case []any:
		return encodeSequence(buf, TagList, val)
	case Tuple:
		return encodeSequence(buf, TagTuple, val)
	case Map:
		return encodeMap(buf, val)
	case map[string]any:
		m := make(Map, len(val))
		for k, e := range val {
			m[k] = e
		}
		return encodeMap(buf, m)
	case Set:
		elems := make([]any, 0, len(val))
		for e := range val {
			elems = append(elems, e)
		}
		return encodeSequence(buf, TagSet, elems)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
	return nil
}

func encodeSequence(buf *bytes.Buffer, tag Tag, elems []any) error {
	var payload bytes.Buffer
	for _, e := range elems {
		if err := encodeTo(&payload, e); err != nil {
			return err
		}
	}
	writeHeader(buf, tag, uint64(payload.Len()))
	buf.Write(payload.Bytes())
	return nil
}

func encodeMap(buf *bytes.Buffer, m Map) error {
	var payload bytes.Buffer
	for k, v := range m {
		if err := encodeSequence(&payload, TagList, []any{k, v}); err != nil {
			return err
		}
	}
	writeHeader(buf, TagMap, uint64(payload.Len()))
	buf.Write(payload.Bytes())
	return nil
}

func writeHeader(buf *bytes.Buffer, tag Tag, length uint64) {
	buf.WriteByte(byte(tag))
	var p [8]byte
	binary.LittleEndian.PutUint64(p[:], length)
	buf.Write(p[:])
}

// encodeInt produces the minimum-length little-endian two's-complement form
// that still has room for the sign bit: floor(bitlen/8)+1 bytes, where
// bitlen is the bit length of the magnitude.
func encodeInt(v int64) []byte {
	var mag uint64
	if v < 0 {
		mag = uint64(-(v + 1)) // avoids overflow at MinInt64
	} else {
		mag = uint64(v)
	}
	// size is at most 8 for any int64.
	size := bits.Len64(mag)/8 + 1

	out := make([]byte, size)
	u := uint64(v)
	for i := range out {
		out[i] = byte(u >> (8 * i))
	}
	return out
}
