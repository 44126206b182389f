package h3wire_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/h3wt/wt3/internal/h3wire"
	"github.com/h3wt/wt3/wtquic/wtquictest"
	"github.com/stretchr/testify/require"
)

func TestReadFrameHeader_plainFrame(t *testing.T) {
	t.Parallel()

	// type=1 (HEADERS), length=5
	buf := []byte{0x01, 0x05}
	hdr, err := h3wire.ReadFrameHeader(bytes.NewReader(buf), nil)
	require.NoError(t, err)
	require.Equal(t, h3wire.FrameHeader{Type: 1, Length: 5}, hdr)
}

func TestReadFrameHeader_skipsGreaseFrame(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	// Grease type 0x21+0x1f = 0x40, needs the 2-byte varint form.
	buf.Write([]byte{0x40, 0x40}) // type = 0x40
	buf.Write([]byte{0x05})       // length = 5
	buf.Write([]byte{1, 2, 3, 4, 5})
	buf.Write([]byte{0x01, 0x03}) // real HEADERS frame, length 3
	buf.Write([]byte{9, 9, 9})

	hdr, err := h3wire.ReadFrameHeader(&buf, nil)
	require.NoError(t, err)
	require.Equal(t, h3wire.FrameHeader{Type: 1, Length: 3}, hdr)

	rest := make([]byte, 3)
	require.NoError(t, h3wire.ReadExact(&buf, rest))
	require.Equal(t, []byte{9, 9, 9}, rest)
}

func TestReadFrameHeader_shortReadInGreasePayloadAbortsWrite(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write([]byte{0x40, 0x40}) // grease type 0x40
	buf.Write([]byte{0x05})       // claims length 5
	buf.Write([]byte{1, 2})       // but only 2 bytes follow

	send := wtquictest.NewStubSendStream()
	_, err := h3wire.ReadFrameHeader(&buf, send)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.True(t, send.Canceled)
	require.EqualValues(t, 0x106, send.CancelCode)
}

func TestReadFrameHeader_emptyStreamIsEOF(t *testing.T) {
	t.Parallel()

	_, err := h3wire.ReadFrameHeader(bytes.NewReader(nil), nil)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadExact_shortReadIsUnexpectedEOF(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 4)
	err := h3wire.ReadExact(bytes.NewReader([]byte{1, 2}), buf)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestDropExact_success(t *testing.T) {
	t.Parallel()

	r := bytes.NewReader([]byte{1, 2, 3, 4, 5})
	require.NoError(t, h3wire.DropExact(r, 3))

	rest := make([]byte, 2)
	require.NoError(t, h3wire.ReadExact(r, rest))
	require.Equal(t, []byte{4, 5}, rest)
}

func TestDropExact_shortIsUnexpectedEOF(t *testing.T) {
	t.Parallel()

	err := h3wire.DropExact(bytes.NewReader([]byte{1, 2}), 5)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
