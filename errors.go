package wt3

import (
	"errors"
	"fmt"
	"io"

	"github.com/h3wt/wt3/internal/h3codes"
)

// ErrUnexpectedEOF wraps [io.ErrUnexpectedEOF] for stream reads that end
// mid-frame, mid-varint, or mid-capsule.
var ErrUnexpectedEOF = io.ErrUnexpectedEOF

// InvalidDataError reports a malformed frame, capsule, or QPACK block.
// The Code field, when non-zero, is the application error code the
// offending stream (or connection) was aborted with.
type InvalidDataError struct {
	Msg  string
	Code h3codes.Code
}

func (e *InvalidDataError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("invalid data: %s (aborted with %s)", e.Msg, e.Code)
	}
	return fmt.Sprintf("invalid data: %s", e.Msg)
}

// NewInvalidDataError builds an [InvalidDataError] carrying the abort code
// that was, or will be, sent to the peer.
func NewInvalidDataError(code h3codes.Code, format string, args ...any) *InvalidDataError {
	return &InvalidDataError{Msg: fmt.Sprintf(format, args...), Code: code}
}

// HeaderFieldTooLargeError reports a QPACK literal string exceeding the
// decoder's size cap.
type HeaderFieldTooLargeError struct {
	Declared, Max int
}

func (e *HeaderFieldTooLargeError) Error() string {
	return fmt.Sprintf("header field too large: declared %d bytes, max %d", e.Declared, e.Max)
}

// NotSupportedError reports a well-formed but unrecognized registered
// datagram format or capsule extension the caller asked to interpret.
type NotSupportedError struct {
	Msg string
}

func (e *NotSupportedError) Error() string { return "not supported: " + e.Msg }

// InvalidOperationError reports API misuse or a state violation: a second
// GOAWAY, a Request handled twice, a datagram sent before registration, or
// an unexpected capsule on a session's request stream.
type InvalidOperationError struct {
	Msg string
}

func (e *InvalidOperationError) Error() string { return "invalid operation: " + e.Msg }

// NewInvalidOperationError constructs an [InvalidOperationError].
func NewInvalidOperationError(format string, args ...any) *InvalidOperationError {
	return &InvalidOperationError{Msg: fmt.Sprintf(format, args...)}
}

// ArgumentError reports an invalid argument passed to a public API call.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "argument error: " + e.Msg }

// CancelledError reports that an operation was cancelled by the caller's
// context, distinct from a peer-initiated abort.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string { return fmt.Sprintf("cancelled: %v", e.Cause) }
func (e *CancelledError) Unwrap() error { return e.Cause }

// PeerAbortError reports that the peer reset a stream or closed the
// connection with an application error code.
type PeerAbortError struct {
	Code h3codes.Code
}

func (e *PeerAbortError) Error() string { return fmt.Sprintf("peer abort: %s", e.Code) }

// OutOfRangeError reports a varint value that does not fit in 62 bits.
type OutOfRangeError struct {
	Value uint64
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("out of range: %d exceeds 62-bit varint range", e.Value)
}

// AsInvalidData reports whether err (or any error it wraps) is an
// [*InvalidDataError], returning it if so.
func AsInvalidData(err error) (*InvalidDataError, bool) {
	var ide *InvalidDataError
	ok := errors.As(err, &ide)
	return ide, ok
}
