// Package h3wire implements the low-level HTTP/3 framing primitives shared
// by every stream reader in the engine: frame headers, grease skipping, and
// the exact-length read/drop helpers frames are built from (RFC 9114
// section 7.2, draft-ietf-webtrans-http3-02 section 4.2).
package h3wire

import (
	"errors"
	"io"

	"github.com/h3wt/wt3/internal/h3codes"
	"github.com/h3wt/wt3/internal/varint"
	"github.com/h3wt/wt3/wtquic"
)

// FrameHeader is the (type, length) pair at the front of every HTTP/3 frame.
type FrameHeader struct {
	Type   uint64
	Length uint64
}

// WriteAborter is the write-side capability [ReadFrameHeader] needs to
// signal a truncated grease frame back to the peer. It is satisfied by
// [wtquic.SendStream] and [wtquic.Stream].
type WriteAborter interface {
	CancelWrite(code wtquic.StreamErrorCode)
}

// ReadExact reads exactly len(buf) bytes from r.
// It returns [io.ErrUnexpectedEOF] if r is exhausted or closed first.
func ReadExact(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	if err != nil {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// DropExact discards exactly n bytes from r.
// It returns [io.ErrUnexpectedEOF] if r is exhausted or closed first.
func DropExact(r io.Reader, n uint64) error {
	copied, err := io.CopyN(io.Discard, r, int64(n))
	if err != nil || uint64(copied) != n {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// ReadFrameHeader reads a frame header from r, transparently discarding any
// number of leading reserved "grease" frames ((type-0x21) mod 0x1f == 0)
// and returning the header of the first non-grease frame.
//
// If a's write side needs aborting because a grease frame's payload was
// truncated, ReadFrameHeader calls a.CancelWrite with
// [h3codes.FrameError] before returning [io.ErrUnexpectedEOF]. a may be nil
// if the caller has no write side to abort (e.g. a receive-only stream).
func ReadFrameHeader(r io.Reader, a WriteAborter) (FrameHeader, error) {
	for {
		typ, err := varint.Read(r)
		if err != nil {
			return FrameHeader{}, mapReadErr(err)
		}

		length, err := varint.Read(r)
		if err != nil {
			if a != nil {
				a.CancelWrite(wtquic.StreamErrorCode(h3codes.FrameError))
			}
			return FrameHeader{}, io.ErrUnexpectedEOF
		}

		if !h3codes.IsReservedFrameOrStreamType(typ) {
			return FrameHeader{Type: typ, Length: length}, nil
		}

		if err := DropExact(r, length); err != nil {
			if a != nil {
				a.CancelWrite(wtquic.StreamErrorCode(h3codes.FrameError))
			}
			return FrameHeader{}, io.ErrUnexpectedEOF
		}
	}
}

// AppendFrame appends a complete HTTP/3 frame (type, length, payload) to b.
func AppendFrame(b []byte, frameType uint64, payload []byte) ([]byte, error) {
	b, err := varint.Append(b, frameType)
	if err != nil {
		return nil, err
	}
	b, err = varint.Append(b, uint64(len(payload)))
	if err != nil {
		return nil, err
	}
	return append(b, payload...), nil
}

// mapReadErr preserves a clean io.EOF only when nothing at all has been
// read yet (the caller is waiting for the next frame), and otherwise
// reports a truncated read as UnexpectedEOF.
func mapReadErr(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return io.ErrUnexpectedEOF
}
