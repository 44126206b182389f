package wtquictest

import (
	"context"

	"github.com/h3wt/wt3/internal/queue"
	"github.com/h3wt/wt3/wtquic"
)

// SyncDatagramSender wraps a wtquic.Conn
// and allows real calls to SendDatagram,
// but every call is blocked until a corresponding value
// arrives on the Continue channel.
type SyncDatagramSender struct {
	wtquic.Conn

	Ctx      context.Context
	Continue <-chan struct{}
}

func (s SyncDatagramSender) SendDatagram(d []byte) error {
	select {
	case <-s.Ctx.Done():
		return context.Cause(s.Ctx)
	case <-s.Continue:
		// Go to the send.
	}

	return s.Conn.SendDatagram(d)
}

// DatagramDropper wraps a wtquic.Conn
// and turns SendDatagram into a no-op.
//
// This is useful for tests that need to simulate
// datagrams that do not reach the destination.
type DatagramDropper struct {
	wtquic.Conn
}

func (d DatagramDropper) SendDatagram([]byte) error {
	return nil
}

// QueueDatagramSender wraps a wtquic.Conn
// that reroutes SendDatagram onto a [*queue.Queue],
// so a test can drain sent datagrams in order without
// sizing a channel up front.
type QueueDatagramSender struct {
	wtquic.Conn

	Queue *queue.Queue[[]byte]
}

func (s *QueueDatagramSender) SendDatagram(d []byte) error {
	cp := make([]byte, len(d))
	copy(cp, d)
	s.Queue.Push(cp)
	return nil
}
