package wtquictest

import (
	"context"
	"crypto/tls"
	"net"
	"testing"

	"github.com/h3wt/wt3/internal/dtest"
	"github.com/h3wt/wt3/wtcert/wtcerttest"
	"github.com/h3wt/wt3/wtquic"
	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

// ListenerSet is a collection of QUIC listeners, each presenting its own
// self-signed certificate, capable of dialing one another.
//
// Unlike a mutual-TLS peering protocol, a WebTransport client trusts a
// server certificate by its advertised hash rather than a shared CA, so
// dialing here skips certificate verification the way a browser's
// serverCertificateHashes path would.
type ListenerSet struct {
	Leaves []*wtcerttest.LeafCert

	UDPConns []*net.UDPConn

	TLSConfigs []*tls.Config

	QTs []*quic.Transport
	QLs []*quic.Listener
}

// NewListenerSet initializes a new ListenerSet with count listeners.
// There are no active connections; use [*ListenerSet.Dial] to connect two of them.
//
// The UDP connections are closed as part of [*testing.T.Cleanup].
func NewListenerSet(t *testing.T, ctx context.Context, count int) *ListenerSet {
	t.Helper()

	ls := &ListenerSet{
		Leaves: make([]*wtcerttest.LeafCert, count),

		UDPConns: make([]*net.UDPConn, count),

		TLSConfigs: make([]*tls.Config, count),

		QTs: make([]*quic.Transport, count),
		QLs: make([]*quic.Listener, count),
	}

	t.Cleanup(func() {
		for _, uc := range ls.UDPConns {
			if uc != nil {
				uc.Close()
			}
		}
	})

	for i := range count {
		leaf, err := wtcerttest.GenerateLeaf(wtcerttest.FastConfig())
		require.NoError(t, err)

		udpConn, err := net.ListenUDP("udp", &net.UDPAddr{
			IP: net.IPv4(127, 0, 0, 1),
		})
		require.NoError(t, err)

		qt := &quic.Transport{Conn: udpConn}

		tlsConf := &tls.Config{
			Certificates: []tls.Certificate{leaf.TLSCert},
			NextProtos:   []string{"h3"},
		}
		ql, err := qt.Listen(tlsConf, &quic.Config{EnableDatagrams: true})
		require.NoError(t, err)

		ls.Leaves[i] = leaf

		ls.UDPConns[i] = udpConn

		ls.TLSConfigs[i] = tlsConf

		ls.QTs[i] = qt
		ls.QLs[i] = ql
	}

	return ls
}

// Dial dials from the connection at srcIdx to the listener at dstIdx.
// It returns srcConn, the outgoing connection from the source, and dstConn,
// the inbound connection accepted by the destination.
//
// To do this, the listener set temporarily accepts a connection on the
// destination listener. If there is already an attempt to accept a
// connection there, the two attempts will race and the test will be
// inconsistent.
func (ls *ListenerSet) Dial(t *testing.T, srcIdx, dstIdx int) (srcConn, dstConn wtquic.Conn) {
	t.Helper()

	if srcIdx < 0 || srcIdx >= len(ls.UDPConns) || dstIdx < 0 || dstIdx >= len(ls.UDPConns) {
		t.Fatalf(
			"indices must be in range [0, %d]; got srcIdx=%d and dstIdx=%d",
			len(ls.UDPConns)-1, srcIdx, dstIdx,
		)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Cleanup(cancel)

	connAcceptedCh := make(chan *quic.Conn, 1)

	go func() {
		acceptedConn, err := ls.QLs[dstIdx].Accept(ctx)
		if err != nil {
			t.Error(err)
			connAcceptedCh <- nil
			return
		}

		connAcceptedCh <- acceptedConn
	}()

	dialTLSConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"h3"},
	}
	rawQC, err := ls.QTs[srcIdx].Dial(
		ctx, ls.UDPConns[dstIdx].LocalAddr(), dialTLSConf,
		&quic.Config{EnableDatagrams: true},
	)
	require.NoError(t, err)

	acceptedConn := dtest.ReceiveSoon(t, connAcceptedCh)
	require.NotNil(t, acceptedConn)

	return wtquic.WrapConn(rawQC), wtquic.WrapConn(acceptedConn)
}
