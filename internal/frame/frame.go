// Package frame implements the binary tunnel frame codec: a
// length-prefixed JSON header followed by a raw payload.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxHeaderLen is the largest permitted header, 1 MiB. It bounds the
// allocation decode performs before it has validated anything else.
const MaxHeaderLen = 1 << 20

// ErrInvalidFrame is returned by Decode for any malformed input.
var ErrInvalidFrame = errors.New("frame: invalid frame")

// Encode produces the wire form [header_len u32 BE][header JSON][payload].
func Encode(header any, payload []byte) ([]byte, error) {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal header: %w", err)
	}
	if len(headerBytes) > MaxHeaderLen {
		return nil, fmt.Errorf("frame: header too large (%d bytes)", len(headerBytes))
	}

	out := make([]byte, 4+len(headerBytes)+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(headerBytes)))
	copy(out[4:], headerBytes)
	copy(out[4+len(headerBytes):], payload)
	return out, nil
}

// Decode parses the wire form, returning the raw header JSON and a payload
// slice that aliases data (zero-copy; callers that retain it beyond the
// lifetime of data must copy).
func Decode(data []byte) (headerJSON []byte, payload []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrInvalidFrame
	}
	headerLen := binary.BigEndian.Uint32(data[:4])
	if headerLen > MaxHeaderLen {
		return nil, nil, ErrInvalidFrame
	}
	total := 4 + uint64(headerLen)
	if total > uint64(len(data)) {
		return nil, nil, ErrInvalidFrame
	}
	return data[4:total], data[total:], nil
}

// DecodeHeader decodes a frame and unmarshals its header into a value of
// type T, saving call sites from hand-unmarshaling a map.
func DecodeHeader[T any](data []byte) (header T, payload []byte, err error) {
	headerJSON, payload, err := Decode(data)
	if err != nil {
		return header, nil, err
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return header, nil, fmt.Errorf("frame: unmarshal header: %w", err)
	}
	return header, payload, nil
}
