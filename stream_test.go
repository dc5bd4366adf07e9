package opstream

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

const testTimeout = 5 * time.Second

// a scriptable transport: the test feeds inbound chunks and observes
// outbound writes
type testTransport struct {
	readChunks chan []byte
	writes     chan string

	closeOnce sync.Once
	closed    chan struct{}
}

func newTestTransport() *testTransport {
	return &testTransport{
		readChunks: make(chan []byte, 32),
		writes:     make(chan string, 32),
		closed:     make(chan struct{}),
	}
}

func (self *testTransport) feed(text string) {
	self.readChunks <- []byte(text)
}

func (self *testTransport) Read(b []byte) (int, error) {
	select {
	case chunk := <-self.readChunks:
		n := copy(b, chunk)
		return n, nil
	case <-self.closed:
		return 0, io.EOF
	}
}

func (self *testTransport) Write(b []byte) (int, error) {
	select {
	case <-self.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	self.writes <- string(b)
	return len(b), nil
}

func (self *testTransport) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

type streamEvents struct {
	identified chan Op
	ops        chan Op
	ended      chan struct{}
	errored    chan error
}

func watchStream(stream *Stream) *streamEvents {
	events := &streamEvents{
		identified: make(chan Op, 32),
		ops:        make(chan Op, 32),
		ended:      make(chan struct{}, 32),
		errored:    make(chan error, 32),
	}
	stream.AddIdentifiedCallback(func(handshake Op) {
		events.identified <- handshake
	})
	stream.AddOpCallback(func(op Op) {
		events.ops <- op
	})
	stream.AddEndedCallback(func() {
		events.ended <- struct{}{}
	})
	stream.AddErroredCallback(func(err error) {
		events.errored <- err
	})
	return events
}

func waitOp(t *testing.T, c chan Op) Op {
	select {
	case op := <-c:
		return op
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for op")
		return Op{}
	}
}

func waitErr(t *testing.T, c chan error) error {
	select {
	case err := <-c:
		return err
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for error")
		return nil
	}
}

func waitWrite(t *testing.T, transport *testTransport) string {
	select {
	case text := <-transport.writes:
		return text
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for write")
		return ""
	}
}

func TestNewStreamNoTransport(t *testing.T) {
	_, err := NewStreamWithDefaults(context.Background(), nil)
	assert.NotEqual(t, nil, err)
	_, isConfigError := err.(*ConfigError)
	assert.Equal(t, true, isConfigError)
}

func TestStreamHandshakeGate(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	events := watchStream(stream)
	stream.Start()
	defer stream.Close()

	assert.Equal(t, false, stream.IsEstablished())
	assert.Equal(t, "", stream.PeerStamp())

	transport.feed("/Swarm#db!0+u~ssn.on\t{\"opt\":1}\n/Model#obj1!1+u.set\tvalue1\n")

	handshake := waitOp(t, events.identified)
	assert.Equal(t, "db", handshake.Spec().Id())
	assert.Equal(t, "0+u~ssn", handshake.Spec().Version())

	op := waitOp(t, events.ops)
	assert.Equal(t, "value1", op.Value())
	assert.Equal(t, stream.StreamId(), op.Source())

	assert.Equal(t, true, stream.IsEstablished())
	assert.Equal(t, "0+u~ssn", stream.PeerStamp())
	assert.Equal(t, "db", stream.PeerDatabaseId())
	assert.Equal(t, "ssn", stream.PeerSessionId())
	assert.Equal(t, float64(1), stream.PeerOptions()["opt"])
}

func TestStreamBadHandshake(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	events := watchStream(stream)
	stream.Start()

	// the first operation is treated as the handshake regardless of name
	transport.feed("/Model#obj1!1+u.set\tvalue1\n/Model#obj2!2+u.set\tv\n")

	faultErr := waitErr(t, events.errored)
	_, isProtocolError := faultErr.(*ProtocolError)
	assert.Equal(t, true, isProtocolError)

	// exactly one error signal, zero deliveries, closed
	assert.Equal(t, 0, len(events.ops))
	assert.Equal(t, 0, len(events.errored))
	assert.Equal(t, true, stream.IsClosed())
}

func TestStreamUnparseableFault(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	events := watchStream(stream)
	stream.Start()

	transport.feed("/Swarm#db!0+u.on\t\n\ngarbage\n")

	faultErr := waitErr(t, events.errored)
	_, isFormatError := faultErr.(*FormatError)
	assert.Equal(t, true, isFormatError)
	assert.Equal(t, true, stream.IsClosed())
}

func TestStreamAuthorization(t *testing.T) {
	settings := DefaultStreamSettings()
	settings.RestrictAuthor = "alice"

	transport := newTestTransport()
	stream, err := NewStream(context.Background(), transport, settings)
	assert.Equal(t, nil, err)
	events := watchStream(stream)
	stream.Start()

	// the handshake itself is exempt from the author restriction
	transport.feed("/Swarm#db!0+u~ssn.on\t\n\n")
	transport.feed("/Model#obj1!1+alice.set\tok\n")
	op := waitOp(t, events.ops)
	assert.Equal(t, "alice", op.Spec().Author())

	transport.feed("/Model#obj1!2+bob.set\tspoofed\n")
	faultErr := waitErr(t, events.errored)
	_, isAuthorizationError := faultErr.(*AuthorizationError)
	assert.Equal(t, true, isAuthorizationError)

	assert.Equal(t, 0, len(events.ops))
	assert.Equal(t, 0, len(events.errored))
	assert.Equal(t, true, stream.IsClosed())
}

func TestStreamSendHandshake(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	stream.Start()
	defer stream.Close()

	// not a handshake shape
	dataOp := RequireOp(RequireSpec("/Model#obj1!1+u.set"), "v", "", nil)
	err = stream.SendHandshake(dataOp)
	_, isProtocolError := err.(*ProtocolError)
	assert.Equal(t, true, isProtocolError)

	handshake := RequireOp(RequireSpec("/Swarm#db!0+u~ssn.on"), "", "", nil)
	err = stream.SendHandshake(handshake)
	assert.Equal(t, nil, err)
	assert.Equal(t, "db", stream.LocalDatabaseId())
	assert.Equal(t, "0+u~ssn", stream.LocalStamp())

	// the trailing blank line closes the handshake's patch run
	written := waitWrite(t, transport)
	assert.Equal(t, "/Swarm#db!0+u~ssn.on\t\n\n", written)
}

func TestStreamSendHandshakeOnce(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	stream.Start()
	defer stream.Close()

	handshake := RequireOp(RequireSpec("/Swarm#db!0+u~ssn.on"), "", "", nil)
	assert.Equal(t, nil, stream.SendHandshake(handshake))
	waitWrite(t, transport)

	// a repeat handshake is out of order and must not rewrite the
	// announced identity
	repeat := RequireOp(RequireSpec("/Swarm#db2!1+v~ssn2.on"), "", "", nil)
	err = stream.SendHandshake(repeat)
	_, isProtocolError := err.(*ProtocolError)
	assert.Equal(t, true, isProtocolError)
	assert.Equal(t, "db", stream.LocalDatabaseId())
	assert.Equal(t, "0+u~ssn", stream.LocalStamp())
	assert.Equal(t, false, stream.IsClosed())
}

func TestStreamInboundHandshakeAfterEstablished(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	events := watchStream(stream)
	stream.Start()

	transport.feed("/Swarm#db!0+u~ssn.on\t\n\n")
	waitOp(t, events.identified)

	// a handshake-shaped op while established is a fault, never a
	// data delivery
	transport.feed("/Swarm#db2!1+v~ssn2.on\t\n\n")
	faultErr := waitErr(t, events.errored)
	_, isProtocolError := faultErr.(*ProtocolError)
	assert.Equal(t, true, isProtocolError)
	assert.Equal(t, 0, len(events.ops))
	assert.Equal(t, true, stream.IsClosed())
}

func TestStreamHandBuiltSettings(t *testing.T) {
	// a zero-valued settings struct must not panic the write loop
	transport := newTestTransport()
	stream, err := NewStream(context.Background(), transport, &StreamSettings{})
	assert.Equal(t, nil, err)
	stream.Start()
	defer stream.Close()

	op := RequireOp(RequireSpec("/Model#obj1!1+u.set"), "v", "", nil)
	assert.Equal(t, nil, stream.Send(op))
	written := waitWrite(t, transport)
	assert.Equal(t, "/Model#obj1!1+u.set\tv\n", written)
}

func TestStreamSendOrder(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	stream.Start()
	defer stream.Close()

	n := 20
	for i := 0; i < n; i += 1 {
		op := RequireOp(
			RequireSpec("/Model#obj1!"+encodeTimeWord(uint64(i+1))+"+u.set"),
			"v",
			"",
			nil,
		)
		err := stream.Send(op)
		assert.Equal(t, nil, err)
	}

	// coalescing merges bursts but never reorders: the concatenation of
	// the flushed batches is the ops in enqueue order
	var b strings.Builder
	for {
		b.WriteString(waitWrite(t, transport))
		if n <= strings.Count(b.String(), "\n") {
			break
		}
	}
	lines := strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n")
	assert.Equal(t, n, len(lines))
	for i, line := range lines {
		op, err := ParseOp(line, "")
		assert.Equal(t, nil, err)
		assert.Equal(t, encodeTimeWord(uint64(i+1)), op.Spec().Stamp())
	}
}

func TestStreamSendAfterEnd(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	stream.Start()

	finalOp := RequireOp(RequireSpec("/Model#obj1!1+u.set"), "bye", "", nil)
	err = stream.End(finalOp)
	assert.Equal(t, nil, err)

	written := waitWrite(t, transport)
	assert.Equal(t, true, strings.Contains(written, "bye"))
	assert.Equal(t, true, stream.IsClosed())

	err = stream.Send(finalOp)
	_, isConfigError := err.(*ConfigError)
	assert.Equal(t, true, isConfigError)

	err = stream.End()
	_, isConfigError = err.(*ConfigError)
	assert.Equal(t, true, isConfigError)
}

func TestStreamTransportEnded(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	events := watchStream(stream)
	stream.Start()

	transport.Close()

	select {
	case <-events.ended:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for ended")
	}
	assert.Equal(t, true, stream.IsClosed())
	// end after close is a no-op
	assert.Equal(t, 0, len(events.ended))
	assert.Equal(t, 0, len(events.errored))
}

func TestStreamKeepAlive(t *testing.T) {
	settings := DefaultStreamSettings()
	settings.KeepAlive = true
	settings.KeepAliveTick = 10 * time.Millisecond
	settings.KeepAliveTimeout = 20 * time.Millisecond

	transport := newTestTransport()
	stream, err := NewStream(context.Background(), transport, settings)
	assert.Equal(t, nil, err)
	stream.Start()
	defer stream.Close()

	// silence forces a flush of the empty queue, a lone newline
	written := waitWrite(t, transport)
	assert.Equal(t, "\n", written)

	// the peer's parser treats it as blank traffic
	result, err := ParseOps(written, "", Spec{})
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(result.Ops))
	assert.Equal(t, "", result.Remainder)
}

func TestStreamChunkedInbound(t *testing.T) {
	transport := newTestTransport()
	stream, err := NewStreamWithDefaults(context.Background(), transport)
	assert.Equal(t, nil, err)
	events := watchStream(stream)
	stream.Start()
	defer stream.Close()

	// the same document as TestStreamHandshakeGate, dribbled byte by byte
	text := "/Swarm#db!0+u~ssn.on\t{\"opt\":1}\n/Model#obj1!1+u.set\tvalue1\n"
	for i := 0; i < len(text); i += 1 {
		transport.feed(text[i : i+1])
	}

	handshake := waitOp(t, events.identified)
	assert.Equal(t, true, handshake.IsHandshake())
	op := waitOp(t, events.ops)
	assert.Equal(t, "value1", op.Value())
}

func TestStreamPipePeers(t *testing.T) {
	transportA, transportB := NewPipeTransport()

	settingsA := DefaultStreamSettings()
	settingsA.DatabaseId = "db"
	settingsA.Stamp = "0+alice"
	settingsA.SessionId = NewSessionId()

	settingsB := DefaultStreamSettings()
	settingsB.DatabaseId = "db"
	settingsB.Stamp = "0+bob"
	settingsB.SessionId = NewSessionId()

	streamA, err := NewStream(context.Background(), transportA, settingsA)
	assert.Equal(t, nil, err)
	streamB, err := NewStream(context.Background(), transportB, settingsB)
	assert.Equal(t, nil, err)

	eventsA := watchStream(streamA)
	eventsB := watchStream(streamB)
	streamA.Start()
	streamB.Start()
	defer streamA.Close()
	defer streamB.Close()

	handshakeA, err := streamA.Handshake("")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, streamA.SendHandshake(handshakeA))
	handshakeB, err := streamB.Handshake("{\"mode\":\"sync\"}")
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, streamB.SendHandshake(handshakeB))

	identifiedAtB := waitOp(t, eventsB.identified)
	assert.Equal(t, "alice", identifiedAtB.Spec().Author())
	identifiedAtA := waitOp(t, eventsA.identified)
	assert.Equal(t, "bob", identifiedAtA.Spec().Author())
	assert.Equal(t, "sync", streamB.PeerOptions()["mode"])

	op := RequireOp(RequireSpec("/Model#obj1!1+alice.set"), "value1", "", nil)
	assert.Equal(t, nil, streamA.Send(op))
	received := waitOp(t, eventsB.ops)
	assert.Equal(t, "value1", received.Value())
	assert.Equal(t, streamB.StreamId(), received.Source())

	// relay the op onward with new provenance
	relayed := received.Relay(streamA.StreamId())
	assert.Equal(t, op.Spec(), relayed.Spec())
	assert.NotEqual(t, received.Source(), relayed.Source())

	assert.Equal(t, nil, streamA.End())
	select {
	case <-eventsB.ended:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for ended")
	}
}
