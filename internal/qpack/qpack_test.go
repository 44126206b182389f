package qpack_test

import (
	"bytes"
	"testing"

	"github.com/h3wt/wt3/internal/qpack"
	"github.com/stretchr/testify/require"
)

func TestDecode_indexedAndLiteralFields(t *testing.T) {
	t.Parallel()

	var b []byte
	b = append(b, 0x00, 0x00) // preamble

	// Indexed static field 15 -> :method CONNECT.
	b = append(b, 0xc0|15)

	// Indexed static field 23 -> :scheme https.
	b = append(b, 0xc0|23)

	// Literal with static name reference: 0 1 N=0 T=1 Index(4)=0 -> :authority.
	b = append(b, 0x50)
	b = append(b, byte(len("example:4433"))) // no huffman, length in 7-bit prefix
	b = append(b, "example:4433"...)

	// Literal with literal name: ":protocol" = "webtransport". The 9-byte
	// name overflows the 3-bit length prefix (H=0), so the prefix is all
	// ones and one continuation byte carries the remaining 9-7.
	b = append(b, 0x20|0x07, byte(len(":protocol")-7))
	b = append(b, ":protocol"...)
	b = append(b, byte(len("webtransport")))
	b = append(b, "webtransport"...)

	fields, err := qpack.Decode(bytes.NewReader(b), len(b))
	require.NoError(t, err)

	require.Contains(t, fields, qpack.Field{Name: ":method", Value: "CONNECT"})
	require.Contains(t, fields, qpack.Field{Name: ":scheme", Value: "https"})
	require.Contains(t, fields, qpack.Field{Name: ":authority", Value: "example:4433"})
	require.Contains(t, fields, qpack.Field{Name: ":protocol", Value: "webtransport"})
}

func TestDecode_badPreambleFails(t *testing.T) {
	t.Parallel()

	_, err := qpack.Decode(bytes.NewReader([]byte{0x01, 0x00}), 2)
	require.ErrorIs(t, err, qpack.ErrInvalidPreamble)
}

func TestDecode_dynamicTableReferenceFails(t *testing.T) {
	t.Parallel()

	// Indexed field line with T=0 (dynamic): 10xxxxxx.
	b := []byte{0x00, 0x00, 0x80}
	_, err := qpack.Decode(bytes.NewReader(b), len(b))
	require.ErrorIs(t, err, qpack.ErrDynamicTable)
}

func TestDecode_methodOtherThanConnectFails(t *testing.T) {
	t.Parallel()

	b := []byte{0x00, 0x00, 0xc0 | 16}
	_, err := qpack.Decode(bytes.NewReader(b), len(b))
	require.ErrorIs(t, err, qpack.ErrMethodNotConnect)
}

func TestDecode_literalTooLargeFails(t *testing.T) {
	t.Parallel()

	var b []byte
	b = append(b, 0x00, 0x00)
	// Literal with literal name; prefix all-ones (7) signals a multi-byte
	// continuation follows, declaring a name length over MaxLiteralLen.
	b = append(b, 0x20|0x07)
	big := qpack.MaxLiteralLen + 100
	rest := big - 7
	for rest >= 128 {
		b = append(b, byte(0x80|(rest&0x7f)))
		rest >>= 7
	}
	b = append(b, byte(rest))

	_, err := qpack.Decode(bytes.NewReader(b), len(b))
	require.ErrorIs(t, err, qpack.ErrTooLarge)
}

func TestEncodeAcceptResponse(t *testing.T) {
	t.Parallel()

	b := qpack.EncodeAcceptResponse("sec-webtransport-http3-draft02")

	require.Equal(t, byte(0x00), b[0])
	require.Equal(t, byte(0x00), b[1])
	require.Equal(t, byte(0xc0|25), b[2])

	fields, err := qpack.Decode(bytes.NewReader(b), len(b))
	require.NoError(t, err)
	require.Contains(t, fields, qpack.Field{
		Name: "sec-webtransport-http3-draft02", Value: "1",
	})
}
