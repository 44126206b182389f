// Package h3codes holds the HTTP/3 and WebTransport application error
// codes used to abort streams and connections (draft-ietf-webtrans-http3-02
// section 8, RFC 9114 section 8.1).
package h3codes

import "fmt"

// Code is an HTTP/3 or WebTransport application error code.
// It always fits in 62 bits, per QUIC's application error code space.
type Code uint64

const (
	NoError                            Code = 0x100
	GeneralProtocolError               Code = 0x101
	InternalError                      Code = 0x102
	StreamCreationError                Code = 0x103
	ClosedCriticalStream               Code = 0x104
	FrameUnexpected                    Code = 0x105
	FrameError                         Code = 0x106
	ExcessiveLoad                      Code = 0x107
	IDError                            Code = 0x108
	MissingSettings                    Code = 0x10a
	RequestRejected                    Code = 0x10b
	RequestCancelled                   Code = 0x10c
	MessageError                       Code = 0x10e
	WebtransportBufferedStreamRejected Code = 0x3994bd84
)

var names = map[Code]string{
	NoError:                            "H3_NO_ERROR",
	GeneralProtocolError:               "H3_GENERAL_PROTOCOL_ERROR",
	InternalError:                      "H3_INTERNAL_ERROR",
	StreamCreationError:                "H3_STREAM_CREATION_ERROR",
	ClosedCriticalStream:               "H3_CLOSED_CRITICAL_STREAM",
	FrameUnexpected:                    "H3_FRAME_UNEXPECTED",
	FrameError:                         "H3_FRAME_ERROR",
	ExcessiveLoad:                      "H3_EXCESSIVE_LOAD",
	IDError:                            "H3_ID_ERROR",
	MissingSettings:                    "H3_MISSING_SETTINGS",
	RequestRejected:                    "H3_REQUEST_REJECTED",
	RequestCancelled:                   "H3_REQUEST_CANCELLED",
	MessageError:                       "H3_MESSAGE_ERROR",
	WebtransportBufferedStreamRejected: "H3_WEBTRANSPORT_BUFFERED_STREAM_REJECTED",
}

// String implements [fmt.Stringer], rendering known codes by name and
// falling back to their hex value otherwise.
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("H3_UNKNOWN(0x%x)", uint64(c))
}

// IsReservedFrameOrStreamType reports whether t is a grease value in the
// HTTP/3 reserved frame-type / stream-type space: t == 0x21 + 0x1f*N.
func IsReservedFrameOrStreamType(t uint64) bool {
	return t >= 0x21 && (t-0x21)%0x1f == 0
}

// IsReservedCapsuleType reports whether t is a grease value in the
// capsule-type space: t == 23 + 41*N.
func IsReservedCapsuleType(t uint64) bool {
	return t >= 23 && (t-23)%41 == 0
}

// HTTP/3 frame types (RFC 9114 section 7.2) and the WebTransport stream
// preambles layered on top of them (draft-ietf-webtrans-http3-02 section 4).
const (
	FrameTypeData     uint64 = 0x0
	FrameTypeHeaders  uint64 = 0x1
	FrameTypeSettings uint64 = 0x4
	FrameTypeGoaway   uint64 = 0x7

	// FrameTypeWebtransportStream is the first varint on a
	// WebTransport-initiated bidirectional stream; the following varint
	// is the associated session's stream ID rather than a frame length.
	FrameTypeWebtransportStream uint64 = 0x41

	// StreamTypeControl is the first varint on the HTTP/3 control stream.
	StreamTypeControl uint64 = 0x0

	// StreamTypeWebtransportUni is the first varint on a
	// WebTransport-initiated unidirectional stream.
	StreamTypeWebtransportUni uint64 = 0x54
)

// SETTINGS identifiers relevant to WebTransport negotiation.
const (
	SettingH3Datagram          uint64 = 0xffd277
	SettingEnableWebtransport  uint64 = 0x2b603742
)

// Capsule types (draft-ietf-webtrans-http3-02 section 4.5).
const (
	CapsuleRegisterDatagramNoContext uint64 = 0xff37a2
	CapsuleCloseWebtransportSession  uint64 = 0x2843

	// WebtransportDatagram is the payload carried by a
	// REGISTER_DATAGRAM_NO_CONTEXT capsule; it is the only supported format.
	WebtransportDatagram uint64 = 0xff7c00
)
