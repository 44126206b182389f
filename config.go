package wt3

// DraftHeaderPrefix is the header name prefix a request's draft-version
// offers are recognized under, and the response header advertising the
// negotiated suffix is built from: "sec-webtransport-http3-draft" + version.
const DraftHeaderPrefix = "sec-webtransport-http3-draft"

// DefaultDraftHeaderName is the response header advertised by
// [Request.Accept] in the reference scenario (a client offering only
// draft02). Actual negotiation always selects the lexicographically
// greatest suffix a request offers; see [Connection.buildRequest].
const DefaultDraftHeaderName = DraftHeaderPrefix + "02"

// settingsFrame is the fixed byte sequence the engine writes to its local
// control stream immediately after accepting a connection: stream-type 0,
// a SETTINGS frame of length 10, and the two required (id, value) pairs.
var settingsFrame = []byte{
	0x00,
	0x04, 0x0a,
	0x80, 0xff, 0xd2, 0x77, 0x01,
	0xab, 0x60, 0x37, 0x42, 0x01,
}

// Config is the configuration for [Accept]. It is currently empty;
// draft-version negotiation happens per-request from the offers a client
// sends, not from static configuration.
type Config struct{}

func (c Config) validate() Config {
	return c
}
