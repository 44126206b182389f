package wt3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/h3wt/wt3/internal/h3codes"
	"github.com/h3wt/wt3/internal/h3wire"
	"github.com/h3wt/wt3/internal/queue"
	"github.com/h3wt/wt3/internal/varint"
	"github.com/h3wt/wt3/wtquic"
)

// Required SETTINGS bits tracked by [Connection.readSettings].
const (
	settingBitDatagram uint = iota
	settingBitWebtransport

	requiredSettingCount = 2
)

// pendingRequest is what the classifier enqueues for an accepted HEADERS
// stream; QPACK decoding happens lazily, off the classifier goroutine, in
// [Connection.AcceptRequest].
type pendingRequest struct {
	stream          wtquic.Stream
	headerBlockSize uint64
}

// Connection is one HTTP/3-over-QUIC connection running the WebTransport
// extended-CONNECT handshake, request admission, and session routing
// described by draft-ietf-webtrans-http3-02.
//
// Create one with [Accept] once the QUIC layer has accepted a connection
// with ALPN "h3".
type Connection struct {
	log  *slog.Logger
	conn wtquic.Conn

	localCtrl wtquic.SendStream

	requests *queue.Queue[pendingRequest]

	mu                   sync.Mutex
	sessions             map[int64]*Session
	localGoawaySet       bool
	localGoaway          int64
	peerGoawaySet        bool
	peerGoaway           int64
	lastAcceptedStreamID int64

	closeOnce sync.Once
	done      chan struct{}

	wg sync.WaitGroup
}

// Accept runs connection setup (draft-ietf-webtrans-http3-02 section 4,
// "Setup"): it accepts the peer's control stream, validates its SETTINGS,
// opens the local control stream, and then starts the connection's
// background tasks (control-stream reader, stream classifier, datagram
// router). It returns once setup completes or fails.
func Accept(ctx context.Context, log *slog.Logger, conn wtquic.Conn, cfg Config) (*Connection, error) {
	cfg = cfg.validate()

	log = log.With(
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
	)

	c := &Connection{
		log:      log,
		conn:     conn,
		requests: queue.New[pendingRequest](),
		sessions: make(map[int64]*Session),
		done:     make(chan struct{}),
	}

	peerCtrl, err := c.acceptPeerControlStream(ctx)
	if err != nil {
		return nil, err
	}

	if err := c.openLocalControlStream(ctx); err != nil {
		return nil, err
	}

	c.wg.Add(3)
	go c.readPeerControlStream(peerCtrl)
	go c.acceptStreams(ctx)
	go c.readDatagrams(ctx)

	return c, nil
}

func (c *Connection) acceptPeerControlStream(ctx context.Context) (wtquic.ReceiveStream, error) {
	s, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("wt3: failed to accept peer control stream: %w", err)
	}

	typ, err := varint.Read(s)
	if err != nil {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.StreamCreationError))
		return nil, NewInvalidDataError(h3codes.StreamCreationError, "failed to read control stream type: %v", err)
	}
	if typ != h3codes.StreamTypeControl {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.StreamCreationError))
		return nil, NewInvalidDataError(h3codes.StreamCreationError, "expected control stream type 0, got %d", typ)
	}

	fh, err := h3wire.ReadFrameHeader(s, nil)
	if err != nil || fh.Type != h3codes.FrameTypeSettings {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.MissingSettings))
		return nil, NewInvalidDataError(h3codes.MissingSettings, "peer control stream did not open with a SETTINGS frame")
	}

	if err := c.readSettings(s, fh.Length); err != nil {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.MissingSettings))
		return nil, err
	}

	return s, nil
}

// readSettings parses length bytes of (id, value) varint pairs and
// requires H3_DATAGRAM and ENABLE_WEBTRANSPORT to both be present and 1.
func (c *Connection) readSettings(r io.Reader, length uint64) error {
	lr := &io.LimitedReader{R: r, N: int64(length)}

	seen := bitset.New(requiredSettingCount)
	for lr.N > 0 {
		id, err := varint.Read(lr)
		if err != nil {
			return NewInvalidDataError(h3codes.MissingSettings, "truncated SETTINGS frame: %v", err)
		}
		val, err := varint.Read(lr)
		if err != nil {
			return NewInvalidDataError(h3codes.MissingSettings, "truncated SETTINGS frame: %v", err)
		}

		switch {
		case id == h3codes.SettingH3Datagram && val == 1:
			seen.Set(settingBitDatagram)
		case id == h3codes.SettingEnableWebtransport && val == 1:
			seen.Set(settingBitWebtransport)
		}
	}

	if seen.Count() != requiredSettingCount {
		return NewInvalidDataError(h3codes.MissingSettings, "SETTINGS did not enable both H3_DATAGRAM and ENABLE_WEBTRANSPORT")
	}
	return nil
}

func (c *Connection) openLocalControlStream(ctx context.Context) error {
	s, err := c.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("wt3: failed to open local control stream: %w", err)
	}
	if _, err := s.Write(settingsFrame); err != nil {
		return fmt.Errorf("wt3: failed to write local control stream settings: %w", err)
	}
	c.localCtrl = s
	return nil
}

// readPeerControlStream is the connection's critical-stream reader: it
// drains grease frames and processes GOAWAY until the stream fails or
// closes, at which point the whole connection tears down.
func (c *Connection) readPeerControlStream(s wtquic.ReceiveStream) {
	defer c.wg.Done()

	for {
		fh, err := h3wire.ReadFrameHeader(s, nil)
		if err != nil {
			c.teardown(fmt.Errorf("wt3: peer control stream ended: %w", err))
			return
		}

		switch fh.Type {
		case h3codes.FrameTypeGoaway:
			if err := c.handlePeerGoaway(s, fh.Length); err != nil {
				if ide, ok := AsInvalidData(err); ok {
					s.CancelRead(wtquic.StreamErrorCode(ide.Code))
				}
				c.teardown(err)
				return
			}
		default:
			s.CancelRead(wtquic.StreamErrorCode(h3codes.FrameUnexpected))
			c.teardown(NewInvalidDataError(h3codes.FrameUnexpected, "unexpected frame type %d on control stream", fh.Type))
			return
		}
	}
}

func (c *Connection) handlePeerGoaway(r io.Reader, length uint64) error {
	lr := &io.LimitedReader{R: r, N: int64(length)}
	id, err := varint.Read(lr)
	if err != nil || lr.N != 0 {
		return NewInvalidDataError(h3codes.FrameError, "malformed GOAWAY frame")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peerGoawaySet && int64(id) > c.peerGoaway {
		return NewInvalidDataError(h3codes.IDError, "GOAWAY id %d exceeds previous watermark %d", id, c.peerGoaway)
	}
	c.peerGoaway = int64(id)
	c.peerGoawaySet = true
	return nil
}

// acceptStreams accepts both stream directions concurrently, classifying
// each in its own short-lived goroutine so a slow or malicious peer stream
// cannot stall acceptance of the next one.
func (c *Connection) acceptStreams(ctx context.Context) {
	defer c.wg.Done()

	var inner sync.WaitGroup
	inner.Add(2)

	go func() {
		defer inner.Done()
		for {
			s, err := c.conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			inner.Add(1)
			go func() {
				defer inner.Done()
				c.classifyBidiStream(s)
			}()
		}
	}()

	go func() {
		defer inner.Done()
		for {
			s, err := c.conn.AcceptUniStream(ctx)
			if err != nil {
				return
			}
			inner.Add(1)
			go func() {
				defer inner.Done()
				c.classifyUniStream(s)
			}()
		}
	}()

	inner.Wait()
}

func (c *Connection) recordAcceptedStreamID(id int64) {
	c.mu.Lock()
	if id > c.lastAcceptedStreamID {
		c.lastAcceptedStreamID = id
	}
	c.mu.Unlock()
}

func (c *Connection) exceedsLocalGoaway(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localGoawaySet && id > c.localGoaway
}

func (c *Connection) classifyBidiStream(s wtquic.Stream) {
	id := s.StreamID()
	c.recordAcceptedStreamID(id)

	if c.exceedsLocalGoaway(id) {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.RequestRejected))
		s.CancelWrite(wtquic.StreamErrorCode(h3codes.RequestRejected))
		return
	}

	fh, err := h3wire.ReadFrameHeader(s, s)
	if err != nil {
		s.CancelWrite(wtquic.StreamErrorCode(h3codes.FrameError))
		return
	}

	switch fh.Type {
	case h3codes.FrameTypeWebtransportStream:
		// The two-varint WEBTRANSPORT_STREAM preamble: fh.Length is not a
		// byte count here, it IS the session ID.
		c.routeStreamToSession(int64(fh.Length), PeerStream{Bidi: s})

	case h3codes.FrameTypeHeaders:
		if !c.requests.Push(pendingRequest{stream: s, headerBlockSize: fh.Length}) {
			s.CancelRead(wtquic.StreamErrorCode(h3codes.ExcessiveLoad))
			s.CancelWrite(wtquic.StreamErrorCode(h3codes.ExcessiveLoad))
		}

	default:
		s.CancelRead(wtquic.StreamErrorCode(h3codes.FrameUnexpected))
		s.CancelWrite(wtquic.StreamErrorCode(h3codes.FrameUnexpected))
	}
}

func (c *Connection) classifyUniStream(s wtquic.ReceiveStream) {
	id := s.StreamID()
	c.recordAcceptedStreamID(id)

	if c.exceedsLocalGoaway(id) {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.RequestRejected))
		return
	}

	typ, err := varint.Read(s)
	if err != nil {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.StreamCreationError))
		return
	}

	switch {
	case typ == h3codes.StreamTypeWebtransportUni:
		sessionID, err := varint.Read(s)
		if err != nil {
			s.CancelRead(wtquic.StreamErrorCode(h3codes.StreamCreationError))
			return
		}
		c.routeStreamToSession(int64(sessionID), PeerStream{Uni: s})

	case h3codes.IsReservedFrameOrStreamType(typ):
		s.CancelRead(wtquic.StreamErrorCode(typ))

	default:
		s.CancelRead(wtquic.StreamErrorCode(h3codes.StreamCreationError))
	}
}

func (c *Connection) routeStreamToSession(sessionID int64, ps PeerStream) {
	c.mu.Lock()
	sess, ok := c.sessions[sessionID]
	c.mu.Unlock()

	if !ok {
		abortPeerStream(ps, h3codes.IDError)
		return
	}

	if !sess.tryQueueStream(ps) {
		abortPeerStream(ps, h3codes.WebtransportBufferedStreamRejected)
	}
}

// readDatagrams routes each incoming QUIC datagram to the session named by
// its leading varint quarter-ID, dropping it silently if no such session
// exists.
func (c *Connection) readDatagrams(ctx context.Context) {
	defer c.wg.Done()

	for {
		d, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		qid, n, ok := varint.Peek(d)
		if !ok {
			continue
		}

		sessionID := int64(qid) * 4
		c.mu.Lock()
		sess, found := c.sessions[sessionID]
		c.mu.Unlock()
		if !found {
			continue
		}
		sess.deliverDatagram(d[n:])
	}
}

// AcceptRequest blocks until the next admitted extended-CONNECT request is
// ready, or ctx is done, or the connection has closed.
func (c *Connection) AcceptRequest(ctx context.Context) (*Request, error) {
	for {
		pr, err := c.requests.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil, fmt.Errorf("wt3: connection closed: %w", err)
			}
			return nil, &CancelledError{Cause: err}
		}

		req, err := c.buildRequest(pr)
		if err != nil {
			c.log.Info("Rejecting malformed request", "err", err)
			continue
		}
		return req, nil
	}
}

// registerSession makes s visible to the classifier and datagram router
// under id. Called exactly once, from [Request.Accept].
func (c *Connection) registerSession(id int64, s *Session) {
	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
}

func (c *Connection) unregisterSession(id int64) {
	c.mu.Lock()
	delete(c.sessions, id)
	c.mu.Unlock()
}

// GOAWAY sets the connection's local watermark to the highest stream ID
// accepted so far and sends a GOAWAY frame announcing it. It may be called
// at most once per connection.
func (c *Connection) GOAWAY() error {
	c.mu.Lock()
	if c.localGoawaySet {
		c.mu.Unlock()
		return NewInvalidOperationError("GOAWAY already sent")
	}
	c.localGoawaySet = true
	c.localGoaway = c.lastAcceptedStreamID
	watermark := c.localGoaway
	c.mu.Unlock()

	payload, err := varint.Write(uint64(watermark))
	if err != nil {
		return fmt.Errorf("wt3: failed to encode GOAWAY id: %w", err)
	}
	frame, err := h3wire.AppendFrame(nil, h3codes.FrameTypeGoaway, payload)
	if err != nil {
		return fmt.Errorf("wt3: failed to encode GOAWAY frame: %w", err)
	}
	if _, err := c.localCtrl.Write(frame); err != nil {
		return fmt.Errorf("wt3: failed to write GOAWAY frame: %w", err)
	}
	return nil
}

// Close tears the connection down as a caller-initiated cancellation,
// closing the QUIC connection with H3_REQUEST_CANCELLED, disposing every
// live session, and failing every pending request.
func (c *Connection) Close() error {
	c.teardown(context.Canceled)
	<-c.done
	c.wg.Wait()
	return nil
}

// Wait blocks until the connection's background tasks have exited,
// which happens only after [Connection.teardown] runs.
func (c *Connection) Wait() {
	<-c.done
	c.wg.Wait()
}

// teardown is the connection's single exit path: it closes the underlying
// QUIC connection with a code derived from cause, drains and fails the
// pending-request queue, and disposes every live session. It runs at most
// once; later calls are no-ops.
func (c *Connection) teardown(cause error) {
	c.closeOnce.Do(func() {
		code := h3codes.ClosedCriticalStream
		switch {
		case cause == nil:
			code = h3codes.NoError
		case errors.Is(cause, context.Canceled):
			code = h3codes.RequestCancelled
		default:
			if ide, ok := AsInvalidData(cause); ok && ide.Code != 0 {
				code = ide.Code
			}
		}

		if err := c.conn.CloseWithError(wtquic.ApplicationErrorCode(code), code.String()); err != nil {
			c.log.Debug("Error closing connection", "err", err)
		}

		c.requests.CloseAndDrain(func(pr pendingRequest) {
			pr.stream.CancelRead(wtquic.StreamErrorCode(h3codes.RequestRejected))
			pr.stream.CancelWrite(wtquic.StreamErrorCode(h3codes.RequestRejected))
		})

		c.mu.Lock()
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessions = nil
		c.mu.Unlock()

		for _, s := range sessions {
			s.dispose(cause)
		}

		close(c.done)
	})
}
