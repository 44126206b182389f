package wtquictest

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/h3wt/wt3/wtquic"
)

type StubStream struct {
	StubReceiveStream
	StubSendStream
}

func NewStubStream(ctx context.Context) *StubStream {
	return new(StubStream)
}

var _ wtquic.Stream = (*StubStream)(nil)

// StubReceiveStream serves reads from an in-memory buffer.
// The zero value reports EOF immediately;
// use [NewStubReceiveStream] to preload bytes as if received from a peer.
type StubReceiveStream struct {
	r          *bytes.Reader
	CancelCode wtquic.StreamErrorCode
	Canceled   bool

	// ID is returned from StreamID. Tests set it directly when the
	// stream's numeric identity matters (classification, session routing).
	ID int64
}

// NewStubReceiveStream returns a stream whose Read calls are served from p.
func NewStubReceiveStream(p []byte) *StubReceiveStream {
	return &StubReceiveStream{r: bytes.NewReader(p)}
}

func (s *StubReceiveStream) Read(p []byte) (int, error) {
	if s.r == nil {
		return 0, io.EOF
	}
	return s.r.Read(p)
}

func (s *StubReceiveStream) CancelRead(code wtquic.StreamErrorCode) {
	s.Canceled = true
	s.CancelCode = code
}

func (s *StubReceiveStream) SetReadDeadline(time.Time) error { return nil }

func (s *StubReceiveStream) StreamID() int64 { return s.ID }

var _ wtquic.ReceiveStream = (*StubReceiveStream)(nil)

// StubSendStream records every write into an internal buffer,
// readable back via [*StubSendStream.Written].
type StubSendStream struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	closed     bool
	CancelCode wtquic.StreamErrorCode
	Canceled   bool
}

var _ wtquic.SendStream = (*StubSendStream)(nil)

func NewStubSendStream() *StubSendStream {
	return new(StubSendStream)
}

func (s *StubSendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Written returns a copy of every byte written so far.
func (s *StubSendStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, s.buf.Len())
	copy(out, s.buf.Bytes())
	return out
}

func (s *StubSendStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *StubSendStream) CancelWrite(code wtquic.StreamErrorCode) {
	s.Canceled = true
	s.CancelCode = code
}

func (s *StubSendStream) SetWriteDeadline(time.Time) error { return nil }
