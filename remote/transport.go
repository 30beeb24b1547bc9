package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
)

type FrameKind string

const (
	FrameOpen  FrameKind = "open"
	FrameData  FrameKind = "data"
	FrameClose FrameKind = "close"
)

// Frame is the envelope of the multiplexing layer. The reference framing is
// JSON; any length-delimited binary framing would serve, as long as both
// ends agree.
type Frame struct {
	StreamId uint32    `json:"streamId"`
	Kind     FrameKind `json:"kind"`
	Payload  []byte    `json:"payload,omitempty"`
}

// Transport is one physical duplex byte channel. Send and NextFrame may be
// called from at most one goroutine each. Implementations surface closure
// as an error from either call.
type Transport interface {
	Send(frame *Frame) error
	NextFrame() (*Frame, error)
	Close() error
}

// pipe transport

// PipeTransport is an in-memory transport for tests and local wiring.
type PipeTransport struct {
	send    chan *Frame
	receive chan *Frame

	closeOnce sync.Once
	closed    chan struct{}
	peer      *PipeTransport
}

// NewPipeTransport returns two connected transports. Frames sent on one are
// received on the other in send order.
func NewPipeTransport() (*PipeTransport, *PipeTransport) {
	ab := make(chan *Frame, 32)
	ba := make(chan *Frame, 32)
	a := &PipeTransport{
		send:    ab,
		receive: ba,
		closed:  make(chan struct{}),
	}
	b := &PipeTransport{
		send:    ba,
		receive: ab,
		closed:  make(chan struct{}),
	}
	a.peer = b
	b.peer = a
	return a, b
}

func (self *PipeTransport) Send(frame *Frame) error {
	select {
	case <-self.closed:
		return NewStatusError(CodeUnavailable, "transport closed")
	case <-self.peer.closed:
		return NewStatusError(CodeUnavailable, "peer transport closed")
	case self.send <- frame:
		return nil
	}
}

func (self *PipeTransport) NextFrame() (*Frame, error) {
	select {
	case <-self.closed:
		return nil, NewStatusError(CodeUnavailable, "transport closed")
	case frame := <-self.receive:
		return frame, nil
	case <-self.peer.closed:
		// drain anything already in flight before reporting closure
		select {
		case frame := <-self.receive:
			return frame, nil
		default:
			return nil, NewStatusError(CodeUnavailable, "peer transport closed")
		}
	}
}

func (self *PipeTransport) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

// websocket transport

type WebSocketTransportSettings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	// snappy-compress frame envelopes. Both ends must agree.
	Compress bool
}

func DefaultWebSocketTransportSettings() *WebSocketTransportSettings {
	return &WebSocketTransportSettings{
		HandshakeTimeout: 5 * time.Second,
		PingTimeout:      15 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		Compress:         false,
	}
}

// WebSocketTransport carries frames as binary websocket messages. An empty
// message is a keepalive ping, never a frame.
type WebSocketTransport struct {
	ws       *websocket.Conn
	settings *WebSocketTransportSettings

	sendLock  sync.Mutex
	closeOnce sync.Once
}

func DialWebSocket(ctx context.Context, url string, header http.Header, settings *WebSocketTransportSettings) (*WebSocketTransport, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, NewStatusError(CodeUnavailable, "websocket dial failed: %s", err)
	}
	return NewWebSocketTransport(ws, settings), nil
}

func NewWebSocketTransport(ws *websocket.Conn, settings *WebSocketTransportSettings) *WebSocketTransport {
	return &WebSocketTransport{
		ws:       ws,
		settings: settings,
	}
}

func (self *WebSocketTransport) Send(frame *Frame) error {
	message, err := json.Marshal(frame)
	if err != nil {
		return NewStatusError(CodeInternal, "frame encode failed: %s", err)
	}
	if self.settings.Compress {
		message = snappy.Encode(nil, message)
	}

	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
		// a websocket deadline timeout cannot be recovered
		return NewStatusError(CodeUnavailable, "websocket write failed: %s", err)
	}
	return nil
}

func (self *WebSocketTransport) NextFrame() (*Frame, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, NewStatusError(CodeUnavailable, "websocket read failed: %s", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ws]ping<-\n")
				continue
			}
			if self.settings.Compress {
				message, err = snappy.Decode(nil, message)
				if err != nil {
					return nil, NewStatusError(CodeInternal, "frame decompress failed: %s", err)
				}
			}
			var frame Frame
			if err := json.Unmarshal(message, &frame); err != nil {
				return nil, NewStatusError(CodeInternal, "frame decode failed: %s", err)
			}
			return &frame, nil
		default:
			glog.V(2).Infof("[ws]other=%d<-\n", messageType)
		}
	}
}

// Ping sends an empty keepalive message. The mux connection calls this on
// send-queue idle.
func (self *WebSocketTransport) Ping() error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.BinaryMessage, []byte{}); err != nil {
		return NewStatusError(CodeUnavailable, "websocket ping failed: %s", err)
	}
	return nil
}

func (self *WebSocketTransport) Close() error {
	var err error
	self.closeOnce.Do(func() {
		err = self.ws.Close()
	})
	return err
}
