package wtquic_test

import (
	"context"
	"io"
	"testing"

	"github.com/h3wt/wt3/wtquic"
	"github.com/h3wt/wt3/wtquic/wtquictest"
	"github.com/h3wt/wt3/internal/dtest"
	"github.com/stretchr/testify/require"
)

func TestDial_stream(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ls := wtquictest.NewListenerSet(t, ctx, 2)

	createdConn, acceptedConn := ls.Dial(t, 0, 1)

	streamAcceptedCh := make(chan wtquic.Stream, 1)
	go func() {
		acceptedStream, err := acceptedConn.AcceptStream(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		streamAcceptedCh <- acceptedStream
	}()

	createdStream, err := createdConn.OpenStreamSync(ctx)
	require.NoError(t, err)
	_, err = io.WriteString(createdStream, "hello")
	require.NoError(t, err)

	acceptedStream := dtest.ReceiveSoon(t, streamAcceptedCh)

	buf := make([]byte, 5)
	_, err = io.ReadFull(acceptedStream, buf)
	require.NoError(t, err)

	require.Equal(t, "hello", string(buf))
}
