// Package wt3 implements a WebTransport-over-HTTP/3 server engine
// (draft-ietf-webtrans-http3-02): connection setup and SETTINGS
// negotiation, extended-CONNECT request admission, per-session stream and
// datagram routing, and the HTTP capsule protocol used for session
// registration and close.
//
// Accept an already-established QUIC connection with [Accept], pull
// admitted requests from it with [Connection.AcceptRequest], and decide
// each with [Request.Accept] or [Request.Reject]. An accepted request
// yields a [Session], which exposes peer-opened streams via
// [Session.AcceptStream], lets the caller open its own via
// [Session.OpenBidiStream] and [Session.OpenUniStream], and carries
// datagrams via [Session.SendDatagram] and [Session.OnDatagram].
//
// The lower-level wire codecs this package is built on are
// draft-ietf-webtrans-http3-02-scoped equivalents of the underlying HTTP/3
// building blocks: internal/varint (QUIC variable-length integers),
// internal/h3wire (frame headers and grease skipping), internal/qpack (a
// minimal, dynamic-table-free QPACK decoder for extended CONNECT), and
// internal/capsule (the HTTP capsule protocol carrying session
// registration and close). Certificate rotation for WebTransport's
// serverCertificateHashes trust model lives in [wtcert.Ring].
package wt3
