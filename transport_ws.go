package opstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type WsTransportSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// zero means no read deadline. A nonzero value must exceed the
	// peer's keep-alive silence threshold or idle streams get cut.
	ReadTimeout time.Duration
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        0,
	}
}

// A WsTransport adapts a websocket connection to the byte-oriented
// Transport contract. Each transport write is one text message, so a
// coalesced batch travels as a single frame. Empty messages are
// websocket-level pings and are skipped on read.
type WsTransport struct {
	ws       *websocket.Conn
	settings *WsTransportSettings

	readRemainder []byte
}

func NewWsTransportWithDefaults(ws *websocket.Conn) *WsTransport {
	return NewWsTransport(ws, DefaultWsTransportSettings())
}

func NewWsTransport(ws *websocket.Conn, settings *WsTransportSettings) *WsTransport {
	return &WsTransport{
		ws:       ws,
		settings: settings,
	}
}

// DialWs connects a websocket transport to `url`.
func DialWs(ctx context.Context, url string, settings *WsTransportSettings) (*WsTransport, error) {
	connect := func() (*websocket.Conn, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.WsHandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, url, nil)
		return ws, err
	}

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(fmt.Sprintf("[t]dial ws %s", url), connect)
	} else {
		ws, err = connect()
	}
	if err != nil {
		return nil, err
	}
	return NewWsTransport(ws, settings), nil
}

// UpgradeWs upgrades an inbound http request to a websocket transport.
func UpgradeWs(w http.ResponseWriter, r *http.Request, settings *WsTransportSettings) (*WsTransport, error) {
	upgrader := &websocket.Upgrader{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWsTransport(ws, settings), nil
}

func (self *WsTransport) Read(b []byte) (int, error) {
	for len(self.readRemainder) == 0 {
		if 0 < self.settings.ReadTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				// a clean peer close is end of stream, not a fault
				return 0, io.EOF
			}
			return 0, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			self.readRemainder = message
		default:
			// control traffic, nothing to surface
		}
	}
	n := copy(b, self.readRemainder)
	self.readRemainder = self.readRemainder[n:]
	return n, nil
}

func (self *WsTransport) Write(b []byte) (int, error) {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (self *WsTransport) Close() error {
	// announce a normal closure so the peer sees end of stream rather
	// than an abnormal cut
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	self.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(self.settings.WriteTimeout))
	return self.ws.Close()
}
