package wt3_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/h3wt/wt3"
	"github.com/h3wt/wt3/internal/dtest"
	"github.com/h3wt/wt3/internal/h3codes"
	"github.com/h3wt/wt3/internal/qpack"
	"github.com/h3wt/wt3/internal/varint"
	"github.com/h3wt/wt3/wtquic"
	"github.com/h3wt/wt3/wtquic/wtquictest"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

var wantSettingsFrame = []byte{
	0x00,
	0x04, 0x0a,
	0x80, 0xff, 0xd2, 0x77, 0x01,
	0xab, 0x60, 0x37, 0x42, 0x01,
}

// sendClientSettings opens the client's control stream and writes the
// SETTINGS frame enabling both H3_DATAGRAM and ENABLE_WEBTRANSPORT, as a
// well-behaved WebTransport client would before issuing any request.
func sendClientSettings(t *testing.T, ctx context.Context, client wtquic.Conn) {
	t.Helper()
	s, err := client.OpenUniStreamSync(ctx)
	require.NoError(t, err)
	_, err = s.Write(wantSettingsFrame)
	require.NoError(t, err)
}

// readServerSettings accepts the engine's own local control stream and
// asserts its fixed byte sequence.
func readServerSettings(t *testing.T, ctx context.Context, client wtquic.Conn) wtquic.ReceiveStream {
	t.Helper()
	peerCtrl, err := client.AcceptUniStream(ctx)
	require.NoError(t, err)

	buf := make([]byte, len(wantSettingsFrame))
	_, err = io.ReadFull(peerCtrl, buf)
	require.NoError(t, err)
	require.Equal(t, wantSettingsFrame, buf)

	return peerCtrl
}

func appendPrefixedInt(b []byte, firstByte byte, prefixLen uint8, v int) []byte {
	mask := (1 << prefixLen) - 1
	if v < mask {
		return append(b, firstByte|byte(v))
	}
	b = append(b, firstByte|byte(mask))
	v -= mask
	for v >= 128 {
		b = append(b, byte(0x80|(v&0x7f)))
		v >>= 7
	}
	return append(b, byte(v))
}

func appendLiteralWithNameRef(b []byte, nameIdx int, value string) []byte {
	b = appendPrefixedInt(b, 0x50, 4, nameIdx)
	b = appendPrefixedInt(b, 0x00, 7, len(value))
	return append(b, value...)
}

func appendLiteralWithLiteralName(b []byte, name, value string) []byte {
	b = appendPrefixedInt(b, 0x20, 3, len(name))
	b = append(b, name...)
	b = appendPrefixedInt(b, 0x00, 7, len(value))
	return append(b, value...)
}

func connectHeaderBlock(authority, path string) []byte {
	b := []byte{0x00, 0x00}
	b = appendPrefixedInt(b, 0xc0, 6, 15) // :method CONNECT
	b = appendPrefixedInt(b, 0xc0, 6, 23) // :scheme https
	b = appendLiteralWithLiteralName(b, ":protocol", "webtransport")
	b = appendLiteralWithNameRef(b, 0, authority)              // :authority
	b = appendLiteralWithNameRef(b, 1, path)                   // :path
	b = appendLiteralWithNameRef(b, 90, "https://example.com") // origin
	b = appendLiteralWithLiteralName(b, wt3.DraftHeaderPrefix+"02", "1")
	return b
}

func acceptAndHandshake(t *testing.T, ctx context.Context, client, server wtquic.Conn) (*wt3.Connection, wtquic.ReceiveStream) {
	t.Helper()

	sendClientSettings(t, ctx, client)

	connCh := make(chan *wt3.Connection, 1)
	errCh := make(chan error, 1)
	go func() {
		c, err := wt3.Accept(ctx, dtest.Logger(t), server, wt3.Config{})
		if err != nil {
			errCh <- err
			return
		}
		connCh <- c
	}()

	peerCtrl := readServerSettings(t, ctx, client)

	select {
	case c := <-connCh:
		return c, peerCtrl
	case err := <-errCh:
		t.Fatalf("Accept failed: %v", err)
		return nil, nil
	case <-time.After(dtest.SoonTimeout):
		t.Fatal("Accept did not complete in time")
		return nil, nil
	}
}

func TestConnection_happyPathSessionSetup(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), dtest.SoonTimeout)
	defer cancel()

	ls := wtquictest.NewListenerSet(t, ctx, 2)
	client, server := ls.Dial(t, 0, 1)

	conn, _ := acceptAndHandshake(t, ctx, client, server)

	reqStream, err := client.OpenStreamSync(ctx)
	require.NoError(t, err)

	block := connectHeaderBlock("example.com", "/wt")
	frame, err := varint.Append(nil, h3codes.FrameTypeHeaders)
	require.NoError(t, err)
	frame, err = varint.Append(frame, uint64(len(block)))
	require.NoError(t, err)
	frame = append(frame, block...)

	_, err = reqStream.Write(frame)
	require.NoError(t, err)

	req, err := conn.AcceptRequest(ctx)
	require.NoError(t, err)
	require.Equal(t, "example.com", req.Authority)
	require.Equal(t, "/wt", req.Path)

	sess, err := req.Accept()
	require.NoError(t, err)
	require.Equal(t, reqStream.StreamID(), sess.ID())

	wantBody := qpack.EncodeAcceptResponse(wt3.DefaultDraftHeaderName)
	wantFrame, err := varint.Append(nil, h3codes.FrameTypeHeaders)
	require.NoError(t, err)
	wantFrame, err = varint.Append(wantFrame, uint64(len(wantBody)))
	require.NoError(t, err)
	wantFrame = append(wantFrame, wantBody...)

	got := make([]byte, len(wantFrame))
	_, err = io.ReadFull(reqStream, got)
	require.NoError(t, err)
	require.Equal(t, wantFrame, got)
}

func TestConnection_greaseFrameBeforeHeadersIsSkipped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), dtest.SoonTimeout)
	defer cancel()

	ls := wtquictest.NewListenerSet(t, ctx, 2)
	client, server := ls.Dial(t, 0, 1)

	conn, _ := acceptAndHandshake(t, ctx, client, server)

	reqStream, err := client.OpenStreamSync(ctx)
	require.NoError(t, err)

	// A reserved grease frame: type 0x21, three bytes of payload.
	var b []byte
	b, err = varint.Append(b, 0x21)
	require.NoError(t, err)
	b, err = varint.Append(b, 3)
	require.NoError(t, err)
	b = append(b, 1, 2, 3)

	block := connectHeaderBlock("example.com", "/")
	b, err = varint.Append(b, h3codes.FrameTypeHeaders)
	require.NoError(t, err)
	b, err = varint.Append(b, uint64(len(block)))
	require.NoError(t, err)
	b = append(b, block...)

	_, err = reqStream.Write(b)
	require.NoError(t, err)

	req, err := conn.AcceptRequest(ctx)
	require.NoError(t, err)
	require.Equal(t, "example.com", req.Authority)
}

func TestConnection_unknownSessionStreamIsAborted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), dtest.SoonTimeout)
	defer cancel()

	ls := wtquictest.NewListenerSet(t, ctx, 2)
	client, server := ls.Dial(t, 0, 1)

	_, _ = acceptAndHandshake(t, ctx, client, server)

	stream, err := client.OpenUniStreamSync(ctx)
	require.NoError(t, err)

	preamble, err := varint.Append(nil, h3codes.StreamTypeWebtransportUni)
	require.NoError(t, err)
	preamble, err = varint.Append(preamble, 999999)
	require.NoError(t, err)

	_, err = stream.Write(preamble)
	require.NoError(t, err)

	deadline := time.Now().Add(dtest.SoonTimeout)
	var writeErr error
	for time.Now().Before(deadline) {
		if _, writeErr = stream.Write([]byte{0}); writeErr != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Error(t, writeErr)
}

func TestConnection_goAwayCanOnlyBeSentOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), dtest.SoonTimeout)
	defer cancel()

	ls := wtquictest.NewListenerSet(t, ctx, 2)
	client, server := ls.Dial(t, 0, 1)

	conn, peerCtrl := acceptAndHandshake(t, ctx, client, server)

	require.NoError(t, conn.GOAWAY())

	// No request stream was ever accepted, so the watermark is 0: type=7,
	// length=1, payload=varint(0).
	buf := make([]byte, 3)
	_, err := io.ReadFull(peerCtrl, buf)
	require.NoError(t, err)
	require.Equal(t, []byte{0x07, 0x01, 0x00}, buf)

	err = conn.GOAWAY()
	require.Error(t, err)
	require.IsType(t, &wt3.InvalidOperationError{}, err)
}

func TestConnection_peerGoawayWatermarkMustNotIncrease(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), dtest.SoonTimeout)
	defer cancel()

	ls := wtquictest.NewListenerSet(t, ctx, 2)
	client, server := ls.Dial(t, 0, 1)

	clientCtrl, err := client.OpenUniStreamSync(ctx)
	require.NoError(t, err)
	_, err = clientCtrl.Write(wantSettingsFrame)
	require.NoError(t, err)

	connCh := make(chan *wt3.Connection, 1)
	go func() {
		c, err := wt3.Accept(ctx, dtest.Logger(t), server, wt3.Config{})
		if err == nil {
			connCh <- c
		}
	}()

	readServerSettings(t, ctx, client)
	dtest.ReceiveSoon(t, connCh)

	require.NoError(t, writeGoaway(clientCtrl, 8))
	require.NoError(t, writeGoaway(clientCtrl, 16))

	// The connection now tears down with H3_ID_ERROR; the client observes
	// this as its next blocking call on the connection failing.
	_, err = client.AcceptStream(ctx)
	require.Error(t, err)

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		require.EqualValues(t, h3codes.IDError, appErr.ErrorCode)
	}
}

func writeGoaway(s wtquic.SendStream, id uint64) error {
	payload, err := varint.Write(id)
	if err != nil {
		return err
	}
	frame, err := varint.Append(nil, h3codes.FrameTypeGoaway)
	if err != nil {
		return err
	}
	frame, err = varint.Append(frame, uint64(len(payload)))
	if err != nil {
		return err
	}
	frame = append(frame, payload...)
	_, err = s.Write(frame)
	return err
}
