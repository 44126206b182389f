package h3codes_test

import (
	"testing"

	"github.com/h3wt/wt3/internal/h3codes"
	"github.com/stretchr/testify/require"
)

func TestCode_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "H3_GENERAL_PROTOCOL_ERROR", h3codes.GeneralProtocolError.String())
	require.Contains(t, h3codes.Code(0x999).String(), "0x999")
}

func TestIsReservedFrameOrStreamType(t *testing.T) {
	t.Parallel()

	require.True(t, h3codes.IsReservedFrameOrStreamType(0x21))
	require.True(t, h3codes.IsReservedFrameOrStreamType(0x21+0x1f))
	require.True(t, h3codes.IsReservedFrameOrStreamType(0x21+2*0x1f))
	require.False(t, h3codes.IsReservedFrameOrStreamType(0))
	require.False(t, h3codes.IsReservedFrameOrStreamType(0x20))
	require.False(t, h3codes.IsReservedFrameOrStreamType(0x41)) // WEBTRANSPORT_STREAM
	require.False(t, h3codes.IsReservedFrameOrStreamType(1))    // HEADERS
}

func TestIsReservedCapsuleType(t *testing.T) {
	t.Parallel()

	require.True(t, h3codes.IsReservedCapsuleType(23))
	require.True(t, h3codes.IsReservedCapsuleType(23+41))
	require.False(t, h3codes.IsReservedCapsuleType(22))
	require.False(t, h3codes.IsReservedCapsuleType(0x2843)) // CLOSE_WEBTRANSPORT_SESSION
}
