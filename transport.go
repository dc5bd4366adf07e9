package opstream

import (
	"io"
	"net"
)

// A Transport is one live byte-oriented duplex pipe. The stream owns its
// transport exclusively and closes it on teardown. Reads and writes may
// happen concurrently from the stream's read and write loops, but there
// is never more than one concurrent reader or writer.
//
// Any net.Conn is a Transport. Adapters for message-oriented carriers
// are in transport_ws.go and transport_quic.go.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// NewPipeTransport returns the two ends of a synchronous in-process
// transport, useful to join two streams without a network.
func NewPipeTransport() (Transport, Transport) {
	a, b := net.Pipe()
	return a, b
}
