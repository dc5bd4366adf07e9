package opstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

var readBufferByteCount = kib(4)

// decoded operations, delivered strictly in arrival order
type OpFunction func(op Op)

// the peer's handshake operation, fired once on transition to established
type IdentifiedFunction func(handshake Op)

// end of stream, fired exactly once
type EndedFunction func()

// stream fault, fired at most once, immediately before the forced close
type ErroredFunction func(err error)

type streamState int

const (
	// no peer identity yet. the first inbound operation is the handshake.
	streamStateFresh streamState = iota
	// peer identity known, operations flow
	streamStateEstablished
	// terminal. entry is idempotent and nothing leaves it.
	streamStateClosed
)

type StreamSettings struct {
	// local identity announced in the outgoing handshake
	SessionId  string
	DatabaseId string
	Stamp      string

	// merge a burst of sends into one transport write via the write loop.
	// when false every send flushes synchronously.
	CoalesceSends bool

	KeepAlive bool
	// silence threshold after which keep-alive traffic is forced
	KeepAliveTimeout time.Duration
	KeepAliveTick    time.Duration

	// reject inbound operations from any other author
	RestrictAuthor string

	// reserved, unenforced
	MaxSendFrequency int
	BurstWaitTime    time.Duration
}

func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		CoalesceSends:    true,
		KeepAlive:        false,
		KeepAliveTimeout: 50 * time.Second,
		KeepAliveTick:    1 * time.Second,
	}
}

// A Stream is the protocol engine for one live transport. It drives the
// handshake, decodes inbound bytes into operations, batches outbound
// operations into transport writes, enforces the author restriction, and
// funnels every inbound fault into one error signal followed by a forced
// close.
//
// Inbound chunks are processed strictly one at a time in arrival order.
// The outbound queue has one writer (Send) and one reader (flush).
// Register callbacks before Start.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *StreamSettings

	// provenance tag for operations decoded on this stream
	streamId string

	log LogFunction

	opCallbacks         CallbackList[OpFunction]
	identifiedCallbacks CallbackList[IdentifiedFunction]
	endedCallbacks      CallbackList[EndedFunction]
	erroredCallbacks    CallbackList[ErroredFunction]

	// serializes whole flushes so batches hit the transport in
	// enqueue order
	flushMutex sync.Mutex

	stateMutex   sync.Mutex
	state        streamState
	started      bool
	pendingOps   []Op
	lastSendTime time.Time

	localDatabaseId string
	localStamp      string

	peerDatabaseId string
	peerStamp      string
	peerSessionId  string
	peerOptions    map[string]any

	flushSignal chan struct{}
}

func NewStreamWithDefaults(ctx context.Context, transport Transport) (*Stream, error) {
	return NewStream(ctx, transport, DefaultStreamSettings())
}

func NewStream(ctx context.Context, transport Transport, settings *StreamSettings) (*Stream, error) {
	if transport == nil {
		return nil, configError("no transport")
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	streamId := NewSessionId()
	stream := &Stream{
		ctx:          cancelCtx,
		cancel:       cancel,
		transport:    transport,
		settings:     settings,
		streamId:     streamId,
		log:          LogFn(2, fmt.Sprintf("[os]%s", streamId)),
		state:        streamStateFresh,
		lastSendTime: time.Now(),
		flushSignal:  make(chan struct{}, 1),
	}
	return stream, nil
}

// StreamId is the tag used as the source of operations decoded on this
// stream.
func (self *Stream) StreamId() string {
	return self.streamId
}

func (self *Stream) AddOpCallback(callback OpFunction) func() {
	return self.opCallbacks.Add(callback)
}

func (self *Stream) AddIdentifiedCallback(callback IdentifiedFunction) func() {
	return self.identifiedCallbacks.Add(callback)
}

func (self *Stream) AddEndedCallback(callback EndedFunction) func() {
	return self.endedCallbacks.Add(callback)
}

func (self *Stream) AddErroredCallback(callback ErroredFunction) func() {
	return self.erroredCallbacks.Add(callback)
}

// Start launches the read and write loops. Callbacks registered after
// Start can miss signals.
func (self *Stream) Start() {
	self.stateMutex.Lock()
	if self.started || self.state == streamStateClosed {
		self.stateMutex.Unlock()
		return
	}
	self.started = true
	self.stateMutex.Unlock()

	go self.readLoop()
	go self.writeLoop()
}

// Handshake builds the local handshake operation from the settings
// identity. The options text, usually a json object, may be empty.
func (self *Stream) Handshake(options string) (Op, error) {
	if self.settings.DatabaseId == "" || self.settings.Stamp == "" {
		return Op{}, configError("no local identity")
	}
	stamp := self.settings.Stamp
	if self.settings.SessionId != "" && !strings.Contains(stamp, "~") {
		stamp = stamp + "~" + self.settings.SessionId
	}
	spec := NewSpec(ProtocolFamily, self.settings.DatabaseId, stamp, "on")
	return NewOp(spec, options, "", nil)
}

// SendHandshake validates and enqueues the stream's own handshake. The
// owner initiates the handshake explicitly; construction never sends one.
// A stream sends at most one handshake.
func (self *Stream) SendHandshake(op Op) error {
	if !op.IsHandshake() {
		return protocolError("not a handshake: %s", op.Spec())
	}

	self.stateMutex.Lock()
	if self.state == streamStateClosed {
		self.stateMutex.Unlock()
		return configError("stream not open")
	}
	if self.localStamp != "" {
		self.stateMutex.Unlock()
		return protocolError("handshake out of order: already sent as %s", self.localStamp)
	}
	self.localDatabaseId = op.Spec().Id()
	self.localStamp = op.Spec().Version()
	self.pendingOps = append(self.pendingOps, op)
	self.stateMutex.Unlock()

	self.log("handshake %s", op.Spec())
	self.dispatchFlush()
	return nil
}

// Send appends an operation to the outbound queue. With coalescing a
// burst of sends merges into one transport write; otherwise the queue is
// flushed synchronously and immediately. A transport write failure is
// never returned here. It is routed to the stream's own error path.
func (self *Stream) Send(op Op) error {
	self.stateMutex.Lock()
	if self.state == streamStateClosed {
		self.stateMutex.Unlock()
		return configError("stream not open")
	}
	self.pendingOps = append(self.pendingOps, op)
	self.stateMutex.Unlock()

	self.dispatchFlush()
	return nil
}

func (self *Stream) dispatchFlush() {
	if self.settings.CoalesceSends {
		select {
		case self.flushSignal <- struct{}{}:
		default:
			// a flush is already pending
		}
	} else {
		self.flush(false)
	}
}

// Flush forces the outbound queue onto the transport now.
func (self *Stream) Flush() {
	self.flush(false)
}

// flush concatenates the queued operations in enqueue order into exactly
// one transport write. With keepAlive an empty queue still produces a
// lone newline of traffic, which the peer's parser skips as a blank line.
func (self *Stream) flush(keepAlive bool) {
	self.flushMutex.Lock()
	defer self.flushMutex.Unlock()

	self.stateMutex.Lock()
	if self.state == streamStateClosed {
		self.stateMutex.Unlock()
		return
	}
	ops := self.pendingOps
	self.pendingOps = nil
	self.stateMutex.Unlock()

	if len(ops) == 0 && !keepAlive {
		return
	}

	var b strings.Builder
	for _, op := range ops {
		b.WriteString(op.String())
		b.WriteByte('\n')
	}
	if len(ops) == 0 {
		b.WriteByte('\n')
	} else if isBundleName(ops[len(ops)-1].Spec().Name()) {
		// a trailing bundling operation could still grow continuation
		// lines. a blank line tells the peer's parser the patch run
		// is over.
		b.WriteByte('\n')
	}

	_, err := self.transport.Write([]byte(b.String()))
	if err != nil {
		self.fault(err)
		return
	}

	self.stateMutex.Lock()
	self.lastSendTime = time.Now()
	self.stateMutex.Unlock()
	self.log("-> %d ops", len(ops))
}

// End optionally sends final operations, then closes the transport and
// transitions to closed. Every subsequent send fails.
func (self *Stream) End(finalOps ...Op) error {
	self.stateMutex.Lock()
	if self.state == streamStateClosed {
		self.stateMutex.Unlock()
		return configError("stream not open")
	}
	self.pendingOps = append(self.pendingOps, finalOps...)
	self.stateMutex.Unlock()

	self.flush(false)
	self.Close()
	return nil
}

// Close force-closes the stream. Idempotent. Cancelling the read, write
// and keep-alive activity is a postcondition: no timer outlives the
// stream.
func (self *Stream) Close() {
	if !self.enterClosed() {
		return
	}
	self.teardown()
}

// enterClosed transitions to closed exactly once
func (self *Stream) enterClosed() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.state == streamStateClosed {
		return false
	}
	self.state = streamStateClosed
	return true
}

func (self *Stream) teardown() {
	self.cancel()
	self.transport.Close()
}

// fault is the error path for everything discovered while processing
// inbound bytes or writing to the transport: emit one error signal, then
// force-close. A fault after close is a no-op.
func (self *Stream) fault(err error) {
	if !self.enterClosed() {
		return
	}
	glog.Infof("[os]%s fault = %s\n", self.streamId, err)
	for _, callback := range self.erroredCallbacks.Get() {
		func() {
			defer recover()
			callback(err)
		}()
	}
	self.teardown()
}

// ended is the end-of-stream path: emit the end signal exactly once. An
// end after close is a no-op.
func (self *Stream) ended() {
	if !self.enterClosed() {
		return
	}
	glog.V(1).Infof("[os]%s ended\n", self.streamId)
	for _, callback := range self.endedCallbacks.Get() {
		func() {
			defer recover()
			callback()
		}()
	}
	self.teardown()
}

func (self *Stream) readLoop() {
	buffer := make([]byte, readBufferByteCount)
	remainder := ""
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		n, err := self.transport.Read(buffer)
		if 0 < n {
			var ok bool
			remainder, ok = self.receive(remainder + string(buffer[:n]))
			if !ok {
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				self.ended()
			} else {
				self.fault(err)
			}
			return
		}
	}
}

// receive decodes one accumulated inbound buffer and returns the new
// remainder. ok=false means the stream faulted and the read loop must
// exit. While fresh, the first decoded operation is the handshake
// regardless of its apparent name; nothing is delivered before the
// transition to established completes.
func (self *Stream) receive(buffer string) (string, bool) {
	result, err := ParseOps(buffer, self.streamId, Spec{})
	if err != nil {
		self.fault(err)
		return "", false
	}
	ops := result.Ops
	if len(ops) == 0 {
		// keep-alive ping or a partial chunk
		return result.Remainder, true
	}
	self.log("<- %d ops", len(ops))

	self.stateMutex.Lock()
	state := self.state
	self.stateMutex.Unlock()
	if state == streamStateClosed {
		return "", false
	}

	if state == streamStateFresh {
		handshake := ops[0]
		ops = ops[1:]
		if !handshake.IsHandshake() {
			self.fault(protocolError("not a handshake: %s", handshake.Spec()))
			return "", false
		}
		var options map[string]any
		if value := handshake.Value(); value != "" {
			if err := json.Unmarshal([]byte(value), &options); err != nil {
				self.fault(protocolError("bad handshake options: %s", err))
				return "", false
			}
		}

		self.stateMutex.Lock()
		self.peerDatabaseId = handshake.Spec().Id()
		self.peerStamp = handshake.Spec().Version()
		self.peerSessionId = handshake.Spec().Session()
		self.peerOptions = options
		self.state = streamStateEstablished
		self.stateMutex.Unlock()

		glog.V(1).Infof("[os]%s identified %s\n", self.streamId, handshake.Spec())
		for _, callback := range self.identifiedCallbacks.Get() {
			func() {
				defer recover()
				callback(handshake)
			}()
		}
	}

	// one handshake per stream. a handshake-shaped op after the
	// transition to established is out of order.
	for _, op := range ops {
		if op.IsHandshake() {
			self.fault(protocolError("handshake out of order: %s", op.Spec()))
			return "", false
		}
	}

	if restrictAuthor := self.settings.RestrictAuthor; restrictAuthor != "" {
		for _, op := range ops {
			if op.Spec().Author() != restrictAuthor {
				self.fault(authorizationError(
					"author %s does not match %s",
					op.Spec().Author(),
					restrictAuthor,
				))
				return "", false
			}
		}
	}

	for _, op := range ops {
		for _, callback := range self.opCallbacks.Get() {
			func() {
				defer recover()
				callback(op)
			}()
		}
	}
	return result.Remainder, true
}

func (self *Stream) writeLoop() {
	tick := self.settings.KeepAliveTick
	if tick <= 0 {
		tick = DefaultStreamSettings().KeepAliveTick
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.flushSignal:
			self.flush(false)
		case <-ticker.C:
			if !self.settings.KeepAlive {
				continue
			}
			self.stateMutex.Lock()
			idle := time.Since(self.lastSendTime)
			self.stateMutex.Unlock()
			if self.settings.KeepAliveTimeout <= idle {
				self.log("keep alive ping")
				self.flush(true)
			}
		}
	}
}

// IsEstablished is whether the peer handshake has been received.
func (self *Stream) IsEstablished() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state == streamStateEstablished
}

func (self *Stream) IsClosed() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.state == streamStateClosed
}

// PeerStamp is empty until the peer handshake arrives. Its absence is the
// gate that routes the first inbound operation through handshake
// validation.
func (self *Stream) PeerStamp() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.peerStamp
}

func (self *Stream) PeerDatabaseId() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.peerDatabaseId
}

func (self *Stream) PeerSessionId() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.peerSessionId
}

func (self *Stream) PeerOptions() map[string]any {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	options := map[string]any{}
	for name, value := range self.peerOptions {
		options[name] = value
	}
	return options
}

func (self *Stream) LocalDatabaseId() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.localDatabaseId
}

func (self *Stream) LocalStamp() string {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.localStamp
}
