// Package capsule implements the HTTP capsule protocol (RFC 9297) framing
// used to carry WebTransport session-control messages inside HTTP/3 DATA
// frames (draft-ietf-webtrans-http3-02 section 4.5).
package capsule

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/h3wt/wt3/internal/h3codes"
	"github.com/h3wt/wt3/internal/h3wire"
	"github.com/h3wt/wt3/internal/varint"
)

// MaxCloseMessageLen is the largest CLOSE_WEBTRANSPORT_SESSION message
// this decoder accepts, per the session-close capsule format
// (4-byte code + up to 1024-byte UTF-8 message).
const MaxCloseMessageLen = 1024

// MaxCloseCapsuleLen is the largest legal CLOSE_WEBTRANSPORT_SESSION
// capsule length: the 4-byte code plus [MaxCloseMessageLen].
const MaxCloseCapsuleLen = 4 + MaxCloseMessageLen

// Header is a decoded (type, length) capsule header.
type Header struct {
	Type   uint64
	Length uint64
}

// ErrWrongFrameType is returned when the enclosing frame is not a DATA frame.
var ErrWrongFrameType = fmt.Errorf("capsule: enclosing frame is not a DATA frame")

// ErrLengthMismatch is returned when the DATA frame's declared length does
// not equal the capsule header size plus its payload.
var ErrLengthMismatch = fmt.Errorf("capsule: frame length does not match capsule header + payload")

// ReadHeader reads one HTTP/3 DATA frame from r and decodes the capsule
// header it carries, transparently skipping any number of reserved-grease
// capsules first. It returns [io.EOF] once r is cleanly exhausted between
// frames.
//
// a is used to abort the peer's write side on a truncated grease payload,
// mirroring [h3wire.ReadFrameHeader]; it may be nil.
func ReadHeader(r io.Reader, a h3wire.WriteAborter) (Header, error) {
	for {
		fh, err := h3wire.ReadFrameHeader(r, a)
		if err != nil {
			return Header{}, err
		}
		if fh.Type != h3codes.FrameTypeData {
			return Header{}, ErrWrongFrameType
		}

		typ, err := varint.Read(r)
		if err != nil {
			return Header{}, io.ErrUnexpectedEOF
		}
		length, err := varint.Read(r)
		if err != nil {
			return Header{}, io.ErrUnexpectedEOF
		}

		want := uint64(varint.Size(typ)) + uint64(varint.Size(length)) + length
		if want != fh.Length {
			return Header{}, ErrLengthMismatch
		}

		if h3codes.IsReservedCapsuleType(typ) {
			if err := h3wire.DropExact(r, length); err != nil {
				return Header{}, err
			}
			continue
		}

		return Header{Type: typ, Length: length}, nil
	}
}

// ReadRegisterDatagramNoContext reads and validates a
// REGISTER_DATAGRAM_NO_CONTEXT capsule body of the given length, whose
// sole legal payload is the varint WEBTRANSPORT_DATAGRAM format ID.
func ReadRegisterDatagramNoContext(r io.Reader, length uint64) error {
	buf := make([]byte, length)
	if err := h3wire.ReadExact(r, buf); err != nil {
		return err
	}

	format, n, ok := varint.Peek(buf)
	if !ok || uint64(n) != length || format != h3codes.WebtransportDatagram {
		return fmt.Errorf("capsule: unsupported REGISTER_DATAGRAM_NO_CONTEXT payload")
	}
	return nil
}

// ReadCloseSession reads and parses a CLOSE_WEBTRANSPORT_SESSION capsule
// body of the given length: a big-endian 32-bit code followed by a UTF-8
// message. length must already have been checked against
// [MaxCloseCapsuleLen] by the caller.
func ReadCloseSession(r io.Reader, length uint64) (code uint32, message string, err error) {
	if length < 4 {
		return 0, "", fmt.Errorf("capsule: CLOSE_WEBTRANSPORT_SESSION shorter than 4 bytes")
	}

	buf := make([]byte, length)
	if err := h3wire.ReadExact(r, buf); err != nil {
		return 0, "", err
	}

	code = binary.BigEndian.Uint32(buf[:4])
	message = string(buf[4:])
	return code, message, nil
}

// AppendCloseSession appends a CLOSE_WEBTRANSPORT_SESSION capsule, wrapped
// in its enclosing DATA frame, to b.
func AppendCloseSession(b []byte, code uint32, message string) ([]byte, error) {
	if len(message) > MaxCloseMessageLen {
		return nil, fmt.Errorf("capsule: message length %d exceeds %d", len(message), MaxCloseMessageLen)
	}

	payload := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(payload, code)
	copy(payload[4:], message)

	return appendCapsule(b, h3codes.CapsuleCloseWebtransportSession, payload)
}

// AppendRegisterDatagramNoContext appends a REGISTER_DATAGRAM_NO_CONTEXT
// capsule, wrapped in its enclosing DATA frame, to b.
func AppendRegisterDatagramNoContext(b []byte) ([]byte, error) {
	payload, err := varint.Write(h3codes.WebtransportDatagram)
	if err != nil {
		return nil, err
	}
	return appendCapsule(b, h3codes.CapsuleRegisterDatagramNoContext, payload)
}

func appendCapsule(b []byte, capsuleType uint64, payload []byte) ([]byte, error) {
	typeBytes, err := varint.Write(capsuleType)
	if err != nil {
		return nil, err
	}
	lengthBytes, err := varint.Write(uint64(len(payload)))
	if err != nil {
		return nil, err
	}

	capsuleLen := uint64(len(typeBytes) + len(lengthBytes) + len(payload))

	b, err = varint.Append(b, h3codes.FrameTypeData)
	if err != nil {
		return nil, err
	}
	b, err = varint.Append(b, capsuleLen)
	if err != nil {
		return nil, err
	}

	b = append(b, typeBytes...)
	b = append(b, lengthBytes...)
	b = append(b, payload...)

	return b, nil
}
