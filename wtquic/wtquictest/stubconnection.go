package wtquictest

import (
	"context"
	"net"

	"github.com/h3wt/wt3/wtquic"
)

type StubConnection struct {
	LocalAddrValue, RemoteAddrValue StubNetAddr
}

var _ wtquic.Conn = (*StubConnection)(nil)

// AcceptStream implements [wtquic.Conn].
func (c *StubConnection) AcceptStream(ctx context.Context) (wtquic.Stream, error) {
	// TODO: add a way to inject a stream for acceptance.
	<-ctx.Done()
	return nil, ctx.Err()
}

// AcceptUniStream implements [wtquic.Conn].
func (c *StubConnection) AcceptUniStream(ctx context.Context) (wtquic.ReceiveStream, error) {
	panic("stub does not support AcceptUniStream")
}

// OpenStreamSync implements [wtquic.Conn].
func (c *StubConnection) OpenStreamSync(ctx context.Context) (wtquic.Stream, error) {
	panic("stub does not support OpenStreamSync")
}

// OpenUniStreamSync implements [wtquic.Conn].
func (c *StubConnection) OpenUniStreamSync(ctx context.Context) (wtquic.SendStream, error) {
	panic("stub does not support OpenUniStreamSync")
}

// LocalAddr implements [wtquic.Conn].
func (c *StubConnection) LocalAddr() net.Addr {
	return c.LocalAddrValue
}

// RemoteAddr implements [wtquic.Conn].
func (c *StubConnection) RemoteAddr() net.Addr {
	return c.RemoteAddrValue
}

// CloseWithError implements [wtquic.Conn].
func (c *StubConnection) CloseWithError(
	code wtquic.ApplicationErrorCode, msg string,
) error {
	return nil
}

// SendDatagram implements [wtquic.Conn].
func (c *StubConnection) SendDatagram(p []byte) error {
	panic("stub does not support SendDatagram")
}

// ReceiveDatagram implements [wtquic.Conn].
func (c *StubConnection) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	panic("stub does not support ReceiveDatagram")
}

// StubNetAddr is used in [StubConnection]
// to hold the return values for
// [*StubConnection.LocalAddr] and [*StubConnection.RemoteAddr].
type StubNetAddr struct {
	NetworkValue string
	StringValue  string
}

var _ net.Addr = StubNetAddr{}

func (a StubNetAddr) Network() string { return a.NetworkValue }
func (a StubNetAddr) String() string  { return a.StringValue }
