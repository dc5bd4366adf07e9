package opstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/quic-go/quic-go"
)

type QuicTransportSettings struct {
	ConnectTimeout time.Duration
}

func DefaultQuicTransportSettings() *QuicTransportSettings {
	return &QuicTransportSettings{
		ConnectTimeout: 2 * time.Second,
	}
}

// A QuicTransport carries one stream over one quic connection. A quic
// stream is already a byte duplex, so the adapter only ties the stream
// and connection lifetimes together.
type QuicTransport struct {
	conn   quic.Connection
	stream quic.Stream
}

func NewQuicTransport(conn quic.Connection, stream quic.Stream) *QuicTransport {
	return &QuicTransport{
		conn:   conn,
		stream: stream,
	}
}

// DialQuic opens a connection to `address` and a single duplex stream
// over it.
func DialQuic(
	ctx context.Context,
	address string,
	tlsConfig *tls.Config,
	settings *QuicTransportSettings,
) (*QuicTransport, error) {
	connectCtx, cancel := context.WithTimeout(ctx, settings.ConnectTimeout)
	defer cancel()

	connect := func() (quic.Connection, error) {
		return quic.DialAddr(connectCtx, address, tlsConfig, &quic.Config{})
	}
	var conn quic.Connection
	var err error
	if glog.V(2) {
		conn, err = TraceWithReturnError(fmt.Sprintf("[t]dial quic %s", address), connect)
	} else {
		conn, err = connect()
	}
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(connectCtx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return NewQuicTransport(conn, stream), nil
}

// AcceptQuic waits for the peer's stream on an accepted connection.
func AcceptQuic(ctx context.Context, conn quic.Connection) (*QuicTransport, error) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return NewQuicTransport(conn, stream), nil
}

func (self *QuicTransport) Read(b []byte) (int, error) {
	return self.stream.Read(b)
}

func (self *QuicTransport) Write(b []byte) (int, error) {
	return self.stream.Write(b)
}

func (self *QuicTransport) Close() error {
	self.stream.Close()
	return self.conn.CloseWithError(0, "")
}
