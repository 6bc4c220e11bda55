package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout: "CSH" magic, uint64 little-endian payload length, payload.

// Magic is the three-byte frame preamble.
var Magic = []byte("CSH")

const (
	// headerSize is magic plus the 8-byte length prefix.
	headerSize = 3 + 8

	// chunkSize bounds individual socket writes.
	chunkSize = 1 << 20

	// DefaultMaxFrame caps accepted payload lengths. Larger frames are
	// refused before allocation to protect against hostile length prefixes.
	DefaultMaxFrame = 1 << 30
)

// ErrBadMagic reports a frame whose preamble is not "CSH". The connection
// handler maps it onto protocol code 8.
var ErrBadMagic = errors.New("wire: invalid CSH header")

// ErrFrameTooLarge reports a length prefix above the configured maximum.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes one framed payload, chunking large payloads so a single
// write never exceeds chunkSize.
func WriteFrame(w io.Writer, payload []byte) error {
	header := make([]byte, headerSize)
	copy(header, Magic)
	binary.LittleEndian.PutUint64(header[3:], uint64(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}

	for start := 0; start < len(payload); start += chunkSize {
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := w.Write(payload[start:end]); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed payload. maxSize of 0 applies DefaultMaxFrame.
func ReadFrame(r io.Reader, maxSize uint64) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrame
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if string(header[:3]) != string(Magic) {
		return nil, ErrBadMagic
	}

	length := binary.LittleEndian.Uint64(header[3:])
	if length > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// WriteMessage encodes a mapping and writes it as one frame.
func WriteMessage(w io.Writer, m Map) error {
	payload, err := Encode(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one frame and decodes its payload as a mapping.
func ReadMessage(r io.Reader, maxSize uint64) (Map, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return DecodeMap(payload)
}
