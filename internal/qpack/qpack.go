// Package qpack implements the minimal subset of QPACK (RFC 9204) needed
// to decode an extended-CONNECT WebTransport request and to encode its
// 200 response: literal and static-indexed fields only, no dynamic table.
package qpack

import (
	"fmt"
	"io"

	"golang.org/x/net/http2/hpack"
)

// MaxLiteralLen is the cap on a single literal string's declared length.
const MaxLiteralLen = 8192

// MaxDecodedSize is the cap on the total number of bytes a single decode
// call may produce across all fields, guarding against a maliciously large
// sequence of small literals.
const MaxDecodedSize = 1024

// ErrTooLarge is returned when a literal declares a length over [MaxLiteralLen].
var ErrTooLarge = fmt.Errorf("qpack: literal exceeds %d bytes", MaxLiteralLen)

// ErrInvalidPreamble is returned when the two-byte required-insert-count
// and delta-base prefix is not both-zero.
var ErrInvalidPreamble = fmt.Errorf("qpack: only a zero required-insert-count and delta-base are supported")

// ErrDynamicTable is returned for any instruction referencing the dynamic
// table, which this decoder does not implement.
var ErrDynamicTable = fmt.Errorf("qpack: no QPACK dynamic table")

// ErrMethodNotConnect is returned when the indexed static table selects a
// :method other than CONNECT.
var ErrMethodNotConnect = fmt.Errorf("qpack: :method must be CONNECT")

// ErrSchemeNotHTTPS is returned when the indexed static table selects
// :scheme=http.
var ErrSchemeNotHTTPS = fmt.Errorf("qpack: :scheme must be https")

// Field is one decoded header field.
type Field struct {
	Name, Value string
}

// staticName resolves the subset of the QPACK static table (RFC 9204
// appendix A) actually referenced by an extended-CONNECT request.
func staticName(idx int64) (name string, ok bool) {
	switch idx {
	case 0:
		return ":authority", true
	case 1:
		return ":path", true
	case 15, 16, 17, 18, 19, 20, 21:
		return ":method", true
	case 22, 23:
		return ":scheme", true
	case 90:
		return "origin", true
	default:
		return "", false
	}
}

// staticIndexed resolves the subset of fully-indexed static entries
// referenced by an extended-CONNECT request. A non-nil error means the
// index was recognized but names a value this decoder categorically
// rejects for a WebTransport CONNECT request.
func staticIndexed(idx int64) (f Field, ok bool, err error) {
	switch idx {
	case 1:
		return Field{Name: ":path", Value: "/"}, true, nil
	case 15:
		return Field{Name: ":method", Value: "CONNECT"}, true, nil
	case 16, 17, 18, 19, 20, 21:
		return Field{}, true, ErrMethodNotConnect
	case 22:
		return Field{}, true, ErrSchemeNotHTTPS
	case 23:
		return Field{Name: ":scheme", Value: "https"}, true, nil
	default:
		return Field{}, false, nil
	}
}

// StaticIndexStatus200 is the static table entry for `:status: 200`,
// used when encoding the accept() response.
const StaticIndexStatus200 = 25

// Decode reads a QPACK-encoded request header block of exactly n bytes
// from r and returns its fields in wire order.
//
// It enforces the zero/zero required-insert-count and delta-base preamble,
// rejects any instruction referencing the dynamic table, and caps both a
// single literal and the block's total decoded size.
func Decode(r io.Reader, n int) ([]Field, error) {
	lr := &io.LimitedReader{R: r, N: int64(n)}

	var preamble [2]byte
	if _, err := io.ReadFull(lr, preamble[:]); err != nil {
		return nil, fmt.Errorf("qpack: reading preamble: %w", err)
	}
	if preamble[0] != 0 || preamble[1] != 0 {
		return nil, ErrInvalidPreamble
	}

	var fields []Field
	decoded := 0

	for lr.N > 0 {
		first, err := readByte(lr)
		if err != nil {
			return nil, fmt.Errorf("qpack: reading instruction: %w", err)
		}

		switch {
		case first&0xc0 == 0xc0: // 11xxxxxx: indexed static field
			idx, err := readPrefixedIntWithByte(lr, first, 6)
			if err != nil {
				return nil, fmt.Errorf("qpack: reading static index: %w", err)
			}
			f, ok, ferr := staticIndexed(idx)
			if ferr != nil {
				return nil, ferr
			}
			if !ok {
				// Not one of the entries this decoder tracks; still valid
				// QPACK, just irrelevant to request acceptance.
				continue
			}
			fields = append(fields, f)

		case first&0xc0 == 0x40: // 01NTxxxx: literal with name reference
			if first&0x10 == 0 {
				return nil, ErrDynamicTable
			}
			nameIdx, err := readPrefixedIntWithByte(lr, first, 4)
			if err != nil {
				return nil, fmt.Errorf("qpack: reading name index: %w", err)
			}
			value, err := readPrefixedString(lr, 7, &decoded)
			if err != nil {
				return nil, err
			}
			name, ok := staticName(nameIdx)
			if !ok {
				continue
			}
			fields = append(fields, Field{Name: name, Value: value})

		case first&0xe0 == 0x20: // 001xxxxx: literal with literal name
			name, err := readPrefixedStringWithByte(lr, first, 3, &decoded)
			if err != nil {
				return nil, err
			}
			value, err := readPrefixedString(lr, 7, &decoded)
			if err != nil {
				return nil, err
			}
			fields = append(fields, Field{Name: name, Value: value})

		default:
			return nil, ErrDynamicTable
		}
	}

	return fields, nil
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	return b[0], nil
}

// readPrefixedIntWithByte reads an RFC 7541 section 5.1 prefixed integer,
// given that firstByte has already been consumed from r.
func readPrefixedIntWithByte(r io.Reader, firstByte byte, prefixLen uint8) (int64, error) {
	prefixMask := (byte(1) << prefixLen) - 1
	v := int64(firstByte & prefixMask)
	if v != int64(prefixMask) {
		return v, nil
	}

	m := 0
	for {
		b, err := readByte(r)
		if err != nil {
			return 0, err
		}
		v += int64(b&0x7f) << m
		m += 7
		if b&0x80 == 0 {
			break
		}
	}
	return v, nil
}

// readPrefixedString reads a fresh RFC 7541 section 5.2 string literal.
func readPrefixedString(r io.Reader, prefixLen uint8, decoded *int) (string, error) {
	first, err := readByte(r)
	if err != nil {
		return "", err
	}
	return readPrefixedStringWithByte(r, first, prefixLen, decoded)
}

// readPrefixedStringWithByte reads a string literal given that firstByte
// has already been consumed from r.
func readPrefixedStringWithByte(r io.Reader, firstByte byte, prefixLen uint8, decoded *int) (string, error) {
	size, err := readPrefixedIntWithByte(r, firstByte, prefixLen)
	if err != nil {
		return "", err
	}
	if size > MaxLiteralLen {
		return "", ErrTooLarge
	}

	hbit := byte(1) << prefixLen
	isHuffman := firstByte&hbit != 0

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", io.ErrUnexpectedEOF
	}

	var s string
	if isHuffman {
		s, err = hpack.HuffmanDecodeToString(data)
		if err != nil {
			return "", fmt.Errorf("qpack: invalid Huffman string: %w", err)
		}
	} else {
		s = string(data)
	}

	*decoded += len(s)
	if *decoded > MaxDecodedSize {
		return "", ErrTooLarge
	}

	return s, nil
}

// EncodeAcceptResponse encodes the fixed accept() response header block:
// zero/zero preamble, indexed static field 25 (:status 200), and a
// literal-with-literal-name field advertising the negotiated draft
// version, unencoded (no Huffman, matching the reference byte sequence).
func EncodeAcceptResponse(draftHeaderName string) []byte {
	b := make([]byte, 0, 2+1+1+len(draftHeaderName)+1+1)

	b = append(b, 0x00, 0x00) // required insert count, delta base

	// Indexed static field: 11xxxxxx with the 6-bit index 25.
	b = appendPrefixedInt(b, 0xc0, 6, StaticIndexStatus200)

	// Literal with literal name: 001xxxxx, name then value, no Huffman.
	b = appendPrefixedInt(b, 0x20, 3, int64(len(draftHeaderName)))
	b = append(b, draftHeaderName...)
	b = appendPrefixedInt(b, 0x00, 7, 1)
	b = append(b, '1')

	return b
}

func appendPrefixedInt(b []byte, firstByte byte, prefixLen uint8, i int64) []byte {
	u := uint64(i)
	prefixMask := (uint64(1) << prefixLen) - 1
	if u < prefixMask {
		return append(b, firstByte|byte(u))
	}
	b = append(b, firstByte|byte(prefixMask))
	u -= prefixMask
	for u >= 128 {
		b = append(b, 0x80|byte(u&0x7f))
		u >>= 7
	}
	return append(b, byte(u))
}
