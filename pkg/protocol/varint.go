package protocol

import (
	"fmt"
	"io"
)

// maxVarIntLen is the longest valid VarInt encoding. A fifth byte with the
// continuation bit still set cannot be part of a 32-bit value.
const maxVarIntLen = 5

// readVarInt decodes one VarInt from r, reading a single byte at a time so
// the reader is never consumed past the encoded value.
func readVarInt(r io.Reader) (int32, error) {
	var (
		value uint32
		buf   [1]byte
	)
	for i := 0; i < maxVarIntLen; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if err == io.EOF && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		b := buf[0]
		value |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(value), nil
		}
	}
	return 0, fmt.Errorf("varint exceeds %d bytes: %w", maxVarIntLen, ErrMalformed)
}

// AppendVarInt appends the VarInt encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		dst = append(dst, byte(u)|0x80)
		u >>= 7
	}
	return append(dst, byte(u))
}
