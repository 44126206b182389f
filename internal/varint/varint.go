// Package varint implements the QUIC variable-length integer encoding
// used throughout HTTP/3: RFC 9000 section 16.
package varint

import (
	"errors"
	"fmt"
	"io"
)

// Max is the largest value representable in the 62-bit encoding.
const Max = (uint64(1) << 62) - 1

// ErrOutOfRange is returned from [Write] and [Append] when the value
// does not fit in 62 bits.
var ErrOutOfRange = errors.New("varint: value out of range")

// Size returns the number of bytes needed to encode v.
// It panics if v exceeds [Max]; callers on a fallible path should check
// v against Max themselves, or use [Append].
func Size(v uint64) int {
	switch {
	case v < 1<<6:
		return 1
	case v < 1<<14:
		return 2
	case v < 1<<30:
		return 4
	case v <= Max:
		return 8
	default:
		panic(fmt.Errorf("varint: %d exceeds 62-bit range", v))
	}
}

// Append encodes v in its shortest form and appends it to b.
// It returns [ErrOutOfRange] if v exceeds [Max]; in that case b is
// returned unmodified.
func Append(b []byte, v uint64) ([]byte, error) {
	switch {
	case v < 1<<6:
		return append(b, byte(v)), nil
	case v < 1<<14:
		return append(b,
			byte(v>>8)|0x40,
			byte(v),
		), nil
	case v < 1<<30:
		return append(b,
			byte(v>>24)|0x80,
			byte(v>>16),
			byte(v>>8),
			byte(v),
		), nil
	case v <= Max:
		return append(b,
			byte(v>>56)|0xc0,
			byte(v>>48),
			byte(v>>40),
			byte(v>>32),
			byte(v>>24),
			byte(v>>16),
			byte(v>>8),
			byte(v),
		), nil
	default:
		return b, ErrOutOfRange
	}
}

// Write encodes v to its shortest form and returns the encoded bytes.
func Write(v uint64) ([]byte, error) {
	return Append(nil, v)
}

// lengthFromFirstByte returns the total encoded length,
// from the top two bits of the first byte.
func lengthFromFirstByte(b byte) int {
	switch b >> 6 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

// Peek attempts to decode a varint from the front of b without consuming
// any input outside of b (b is not mutated, and no I/O occurs).
//
// It returns the decoded value, the number of bytes it occupies in b,
// and true on success. If b is too short to contain a full encoding,
// it returns false and the other two results are zero.
func Peek(b []byte) (v uint64, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}

	n = lengthFromFirstByte(b[0])
	if len(b) < n {
		return 0, 0, false
	}

	v = uint64(b[0] & 0x3f)
	for _, c := range b[1:n] {
		v = v<<8 | uint64(c)
	}
	return v, n, true
}

// Read decodes a single varint from r.
//
// It returns [io.ErrUnexpectedEOF] if r is closed or exhausted partway
// through the encoding, and plain [io.EOF] only if r has no bytes at all
// available before the first byte is read.
func Read(r io.Reader) (uint64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, io.ErrUnexpectedEOF
	}

	n := lengthFromFirstByte(hdr[0])
	v := uint64(hdr[0] & 0x3f)
	if n == 1 {
		return v, nil
	}

	rest := make([]byte, n-1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	for _, c := range rest {
		v = v<<8 | uint64(c)
	}
	return v, nil
}
