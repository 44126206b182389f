package wt3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/h3wt/wt3/internal/capsule"
	"github.com/h3wt/wt3/internal/h3codes"
	"github.com/h3wt/wt3/internal/h3wire"
	"github.com/h3wt/wt3/internal/queue"
	"github.com/h3wt/wt3/internal/varint"
	"github.com/h3wt/wt3/wtquic"
)

// PeerStream is a stream the peer opened against a session: exactly one of
// the two fields is set, depending on whether the peer opened a
// bidirectional or a unidirectional stream.
type PeerStream struct {
	Bidi wtquic.Stream
	Uni  wtquic.ReceiveStream
}

func abortPeerStream(ps PeerStream, code h3codes.Code) {
	if ps.Bidi != nil {
		ps.Bidi.CancelRead(wtquic.StreamErrorCode(code))
		ps.Bidi.CancelWrite(wtquic.StreamErrorCode(code))
		return
	}
	ps.Uni.CancelRead(wtquic.StreamErrorCode(code))
}

// SessionClose describes the terminal (code, message) pair a session ended
// with, per a received or sent CLOSE_WEBTRANSPORT_SESSION capsule.
type SessionClose struct {
	Code    uint32
	Message string
}

// Session is one accepted WebTransport session, tunneled over the request
// stream a [Request] was accepted on.
//
// Create one by calling [Request.Accept]; a Session's lifetime ends when
// its request stream's capsule reader sees the peer close the session (a
// CLOSE_WEBTRANSPORT_SESSION capsule or the peer's side of the request
// stream ending), when the reader hits a protocol error, or when the
// connection tears down. [Session.Close] and [Session.CloseWithReason]
// only finish the local write side; the session ends once the peer's side
// of the request stream ends.
type Session struct {
	log  *slog.Logger
	conn *Connection
	id   int64
	s    wtquic.Stream

	peerStreams *queue.Queue[PeerStream]

	mu                 sync.Mutex
	datagramRegistered bool
	datagramSink       func([]byte)
	closed             bool
	closeInfo          *SessionClose
	terminalErr        error

	done chan struct{}

	wg sync.WaitGroup
}

func newSession(conn *Connection, id int64, s wtquic.Stream) *Session {
	return &Session{
		log:         conn.log.With("session_id", id),
		conn:        conn,
		id:          id,
		s:           s,
		peerStreams: queue.New[PeerStream](),
		done:        make(chan struct{}),
	}
}

// start launches the session's request-stream capsule reader.
func (s *Session) start() {
	s.wg.Add(1)
	go s.readCapsules()
}

// ID returns the session's ID, which is the HTTP/3 stream ID of the
// request stream the underlying extended-CONNECT was issued on.
func (s *Session) ID() int64 { return s.id }

// AcceptStream blocks until the peer opens a new stream against this
// session, ctx is done, or the session ends.
func (s *Session) AcceptStream(ctx context.Context) (PeerStream, error) {
	ps, err := s.peerStreams.Pop(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return PeerStream{}, fmt.Errorf("wt3: session closed: %w", err)
		}
		return PeerStream{}, &CancelledError{Cause: err}
	}
	return ps, nil
}

// tryQueueStream hands a peer-opened stream to the session's accept queue.
// It reports false if the queue has already closed, in which case the
// caller must abort the stream with H3_WEBTRANSPORT_BUFFERED_STREAM_REJECTED.
func (s *Session) tryQueueStream(ps PeerStream) bool {
	return s.peerStreams.Push(ps)
}

// OpenUniStream opens a new unidirectional stream against this session and
// writes its WebTransport preamble.
func (s *Session) OpenUniStream(ctx context.Context) (wtquic.SendStream, error) {
	stream, err := s.conn.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("wt3: failed to open unidirectional stream: %w", err)
	}

	preamble, err := preambleFor(h3codes.StreamTypeWebtransportUni, s.id)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(preamble); err != nil {
		abortWrite(stream, ctx, h3codes.InternalError)
		return nil, fmt.Errorf("wt3: failed to write stream preamble: %w", err)
	}
	return stream, nil
}

// OpenBidiStream opens a new bidirectional stream against this session and
// writes its WebTransport preamble.
func (s *Session) OpenBidiStream(ctx context.Context) (wtquic.Stream, error) {
	stream, err := s.conn.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("wt3: failed to open bidirectional stream: %w", err)
	}

	preamble, err := preambleFor(h3codes.FrameTypeWebtransportStream, s.id)
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(preamble); err != nil {
		abortWrite(stream, ctx, h3codes.InternalError)
		stream.CancelRead(wtquic.StreamErrorCode(h3codes.InternalError))
		return nil, fmt.Errorf("wt3: failed to write stream preamble: %w", err)
	}
	return stream, nil
}

func preambleFor(streamType uint64, sessionID int64) ([]byte, error) {
	b, err := varint.Append(nil, streamType)
	if err != nil {
		return nil, fmt.Errorf("wt3: failed to encode stream preamble: %w", err)
	}
	b, err = varint.Append(b, uint64(sessionID))
	if err != nil {
		return nil, fmt.Errorf("wt3: failed to encode stream preamble: %w", err)
	}
	return b, nil
}

// abortWrite cancels w's write side, distinguishing a caller cancellation
// from a genuine I/O failure.
func abortWrite(w wtquic.SendStream, ctx context.Context, fallback h3codes.Code) {
	code := fallback
	if ctx.Err() != nil {
		code = h3codes.RequestCancelled
	}
	w.CancelWrite(wtquic.StreamErrorCode(code))
}

// OnDatagram registers the sink invoked, synchronously and in delivery
// order, from the connection's datagram-routing task for every datagram
// addressed to this session. sink must not block.
func (s *Session) OnDatagram(sink func([]byte)) {
	s.mu.Lock()
	s.datagramSink = sink
	s.mu.Unlock()
}

func (s *Session) deliverDatagram(payload []byte) {
	s.mu.Lock()
	sink := s.datagramSink
	s.mu.Unlock()

	if sink != nil {
		sink(payload)
	}
}

// SendDatagram prepends the session's quarter-ID to payload and sends it
// as a QUIC datagram. The peer must have registered for datagrams first
// (a REGISTER_DATAGRAM_NO_CONTEXT capsule), or this fails InvalidOperation.
func (s *Session) SendDatagram(payload []byte) error {
	s.mu.Lock()
	registered := s.datagramRegistered
	s.mu.Unlock()
	if !registered {
		return NewInvalidOperationError("datagram not registered for session %d", s.id)
	}

	prefix, err := varint.Write(uint64(s.id) / 4)
	if err != nil {
		return fmt.Errorf("wt3: failed to encode datagram quarter-id: %w", err)
	}

	buf := make([]byte, 0, len(prefix)+len(payload))
	buf = append(buf, prefix...)
	buf = append(buf, payload...)

	if err := s.conn.conn.SendDatagram(buf); err != nil {
		return fmt.Errorf("wt3: failed to send datagram: %w", err)
	}
	return nil
}

// Close closes the session with a bare FIN and no
// CLOSE_WEBTRANSPORT_SESSION capsule.
func (s *Session) Close(ctx context.Context) error {
	if err := s.s.Close(); err != nil {
		abortWrite(s.s, ctx, h3codes.InternalError)
		return fmt.Errorf("wt3: failed to close session stream: %w", err)
	}
	return nil
}

// CloseWithReason closes the session by writing a
// CLOSE_WEBTRANSPORT_SESSION capsule carrying code and message, then FIN.
// message must be at most [capsule.MaxCloseMessageLen] bytes.
func (s *Session) CloseWithReason(ctx context.Context, code uint32, message string) error {
	if len(message) > capsule.MaxCloseMessageLen {
		return &ArgumentError{Msg: fmt.Sprintf("close message length %d exceeds %d", len(message), capsule.MaxCloseMessageLen)}
	}

	b, err := capsule.AppendCloseSession(nil, code, message)
	if err != nil {
		return fmt.Errorf("wt3: failed to encode close capsule: %w", err)
	}

	if _, err := s.s.Write(b); err != nil {
		abortWrite(s.s, ctx, h3codes.InternalError)
		return fmt.Errorf("wt3: failed to write close capsule: %w", err)
	}
	if err := s.s.Close(); err != nil {
		abortWrite(s.s, ctx, h3codes.InternalError)
		return fmt.Errorf("wt3: failed to close session stream: %w", err)
	}
	return nil
}

// readCapsules is the session's request-stream reader
// (draft-ietf-webtrans-http3-02 section 4.5): it loops over DATA-framed
// capsules on the request stream until the stream ends or a protocol
// violation forces the session to terminate.
func (s *Session) readCapsules() {
	defer s.wg.Done()

	for {
		hdr, err := capsule.ReadHeader(s.s, s.s)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.finish(nil)
				return
			}
			s.abortAndFinish(fmt.Errorf("wt3: reading capsule: %w", err))
			return
		}

		switch hdr.Type {
		case h3codes.CapsuleRegisterDatagramNoContext:
			if err := capsule.ReadRegisterDatagramNoContext(s.s, hdr.Length); err != nil {
				s.abortAndFinish(&NotSupportedError{Msg: err.Error()})
				return
			}
			s.mu.Lock()
			s.datagramRegistered = true
			s.mu.Unlock()

		case h3codes.CapsuleCloseWebtransportSession:
			if hdr.Length > capsule.MaxCloseCapsuleLen {
				s.s.CancelRead(wtquic.StreamErrorCode(h3codes.MessageError))
				s.finishWithError(NewInvalidDataError(h3codes.MessageError,
					"CLOSE_WEBTRANSPORT_SESSION length %d exceeds %d", hdr.Length, capsule.MaxCloseCapsuleLen))
				return
			}

			code, msg, err := capsule.ReadCloseSession(s.s, hdr.Length)
			if err != nil {
				s.abortAndFinish(fmt.Errorf("wt3: reading close capsule: %w", err))
				return
			}
			if !s.streamFullyRead() {
				s.abortAndFinish(NewInvalidOperationError("data followed CLOSE_WEBTRANSPORT_SESSION capsule"))
				return
			}
			s.finish(&SessionClose{Code: code, Message: msg})
			return

		case 0xff37a1, 0xff37a3, 0xff37a4, 0xff37a5:
			s.abortAndFinish(NewInvalidOperationError("unexpected capsule type 0x%x", hdr.Type))
			return

		default:
			if err := h3wire.DropExact(s.s, hdr.Length); err != nil {
				s.abortAndFinish(fmt.Errorf("wt3: dropping unknown capsule: %w", err))
				return
			}
		}
	}
}

// streamFullyRead reports whether the request stream has reached FIN.
func (s *Session) streamFullyRead() bool {
	var b [1]byte
	n, err := s.s.Read(b[:])
	return n == 0 && errors.Is(err, io.EOF)
}

// abortAndFinish aborts both sides of the request stream with
// H3_GENERAL_PROTOCOL_ERROR and terminates the session with cause.
func (s *Session) abortAndFinish(cause error) {
	s.s.CancelRead(wtquic.StreamErrorCode(h3codes.GeneralProtocolError))
	s.s.CancelWrite(wtquic.StreamErrorCode(h3codes.GeneralProtocolError))
	s.finishWithError(cause)
}

// finish is the session's single terminal transition: it closes the
// peer-stream queue (rejecting anything still buffered), removes the
// session from the connection's map, and unblocks Done.
func (s *Session) finish(info *SessionClose) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeInfo = info
	s.mu.Unlock()

	s.peerStreams.CloseAndDrain(func(ps PeerStream) {
		abortPeerStream(ps, h3codes.WebtransportBufferedStreamRejected)
	})

	s.conn.unregisterSession(s.id)
	close(s.done)
}

func (s *Session) finishWithError(err error) {
	s.log.Info("Session terminating", "err", err)
	s.mu.Lock()
	s.terminalErr = err
	s.mu.Unlock()
	s.finish(nil)
}

// dispose is called by the owning connection's teardown for any session
// still live when the connection closes.
func (s *Session) dispose(cause error) {
	s.s.CancelRead(wtquic.StreamErrorCode(h3codes.NoError))
	s.s.CancelWrite(wtquic.StreamErrorCode(h3codes.NoError))
	s.finishWithError(fmt.Errorf("wt3: connection closing: %w", cause))
}

// Done returns a channel closed once the session has terminated, whether
// by peer close, error, or connection teardown.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseInfo reports the (code, message) pair the session terminated with,
// if it ended via a CLOSE_WEBTRANSPORT_SESSION capsule.
func (s *Session) CloseInfo() (SessionClose, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeInfo == nil {
		return SessionClose{}, false
	}
	return *s.closeInfo, true
}

// Err returns the error the session terminated with, or nil for a clean
// close (bare FIN or CLOSE_WEBTRANSPORT_SESSION capsule).
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}
