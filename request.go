package wt3

import (
	"fmt"
	"strings"
	"sync"

	"github.com/h3wt/wt3/internal/h3codes"
	"github.com/h3wt/wt3/internal/h3wire"
	"github.com/h3wt/wt3/internal/qpack"
	"github.com/h3wt/wt3/wtquic"
)

// Request is an inbound extended-CONNECT request awaiting a decision. It
// exclusively owns the underlying bidirectional stream until exactly one
// of [Request.Accept] or [Request.Reject] is called; a second call on
// either fails InvalidOperation.
//
// A Request the caller never resolves keeps its stream open until the
// connection tears down. Teardown aborts with H3_REQUEST_REJECTED only the
// requests still queued inside the connection; a Request already returned
// by [Connection.AcceptRequest] is not aborted, and its stream ends only
// when the QUIC connection closes.
type Request struct {
	conn *Connection
	id   int64
	s    wtquic.Stream

	Authority string
	Path      string
	Origin    string
	Version   string

	mu       sync.Mutex
	resolved bool
}

// buildRequest decodes pr's QPACK header block and validates it names an
// extended CONNECT for the webtransport protocol.
func (c *Connection) buildRequest(pr pendingRequest) (*Request, error) {
	s := pr.stream

	fields, err := qpack.Decode(s, int(pr.headerBlockSize))
	if err != nil {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.GeneralProtocolError))
		s.CancelWrite(wtquic.StreamErrorCode(h3codes.GeneralProtocolError))
		return nil, fmt.Errorf("wt3: decoding request headers: %w", err)
	}

	req := &Request{conn: c, id: s.StreamID(), s: s}

	var method, scheme, protocol string
	for _, f := range fields {
		switch {
		case f.Name == ":method":
			method = f.Value
		case f.Name == ":scheme":
			scheme = f.Value
		case f.Name == ":protocol":
			protocol = f.Value
		case f.Name == ":authority":
			req.Authority = f.Value
		case f.Name == ":path":
			req.Path = f.Value
		case f.Name == "origin":
			req.Origin = f.Value
		case strings.HasPrefix(f.Name, DraftHeaderPrefix) && f.Value == "1":
			suffix := f.Name[len(DraftHeaderPrefix):]
			if suffix > req.Version {
				req.Version = suffix
			}
		}
	}

	if method != "CONNECT" || scheme != "https" || protocol != "webtransport" ||
		req.Version == "" || req.Authority == "" || req.Path == "" || req.Origin == "" {
		s.CancelRead(wtquic.StreamErrorCode(h3codes.GeneralProtocolError))
		s.CancelWrite(wtquic.StreamErrorCode(h3codes.GeneralProtocolError))
		return nil, fmt.Errorf(
			"wt3: not an acceptable extended CONNECT webtransport request "+
				"(method=%q scheme=%q protocol=%q version=%q authority=%q path=%q origin=%q)",
			method, scheme, protocol, req.Version, req.Authority, req.Path, req.Origin,
		)
	}

	return req, nil
}

// tryResolve marks the request as decided, reporting false if it was
// already accepted or rejected.
func (r *Request) tryResolve() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return false
	}
	r.resolved = true
	return true
}

// Accept encodes and writes the extended-CONNECT success response,
// registers a new [Session] under this request's stream ID, and returns
// it.
func (r *Request) Accept() (*Session, error) {
	if !r.tryResolve() {
		return nil, NewInvalidOperationError("request expired")
	}

	resp := qpack.EncodeAcceptResponse(DraftHeaderPrefix + r.Version)
	frame, err := h3wire.AppendFrame(nil, h3codes.FrameTypeHeaders, resp)
	if err != nil {
		r.s.CancelWrite(wtquic.StreamErrorCode(h3codes.InternalError))
		return nil, fmt.Errorf("wt3: failed to encode accept response: %w", err)
	}

	if _, err := r.s.Write(frame); err != nil {
		r.s.CancelWrite(wtquic.StreamErrorCode(h3codes.InternalError))
		return nil, fmt.Errorf("wt3: failed to write accept response: %w", err)
	}

	sess := newSession(r.conn, r.id, r.s)
	r.conn.registerSession(r.id, sess)
	sess.start()

	return sess, nil
}

// Reject aborts both sides of the request stream with
// H3_REQUEST_REJECTED.
func (r *Request) Reject() error {
	if !r.tryResolve() {
		return NewInvalidOperationError("request expired")
	}

	r.s.CancelRead(wtquic.StreamErrorCode(h3codes.RequestRejected))
	r.s.CancelWrite(wtquic.StreamErrorCode(h3codes.RequestRejected))
	return nil
}
