package remote

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type MuxConnectionSettings struct {
	SendQueueSize          int
	StreamReceiveQueueSize int
	// idle interval after which a keepalive ping is sent, if the transport
	// supports one
	PingTimeout time.Duration
}

func DefaultMuxConnectionSettings() *MuxConnectionSettings {
	return &MuxConnectionSettings{
		SendQueueSize:          32,
		StreamReceiveQueueSize: 32,
		PingTimeout:            15 * time.Second,
	}
}

type transportPinger interface {
	Ping() error
}

// MuxConnection runs one physical transport and exposes many independent
// logical streams over it. One dispatch goroutine routes inbound frames by
// stream id; one drain goroutine serializes all outbound sends. Frames of
// one logical stream keep their send order; distinct streams are unordered
// relative to each other.
type MuxConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport    Transport
	connectionId Id
	settings     *MuxConnectionSettings

	sendQueue chan *Frame

	stateLock    sync.Mutex
	nextStreamId uint32
	streams      map[uint32]*LogicalStream
}

func NewMuxConnectionWithDefaults(ctx context.Context, transport Transport) *MuxConnection {
	return NewMuxConnection(ctx, transport, DefaultMuxConnectionSettings())
}

func NewMuxConnection(ctx context.Context, transport Transport, settings *MuxConnectionSettings) *MuxConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &MuxConnection{
		ctx:          cancelCtx,
		cancel:       cancel,
		transport:    transport,
		connectionId: NewId(),
		settings:     settings,
		sendQueue:    make(chan *Frame, settings.SendQueueSize),
		nextStreamId: 1,
		streams:      map[uint32]*LogicalStream{},
	}
	go conn.dispatch()
	go conn.drain()
	return conn
}

func (self *MuxConnection) ConnectionId() Id {
	return self.connectionId
}

func (self *MuxConnection) Done() <-chan struct{} {
	return self.ctx.Done()
}

// OpenStream opens a new logical stream. The metadata payload rides on the
// open frame; the credential envelope goes here.
func (self *MuxConnection) OpenStream(metadata []byte) (*LogicalStream, error) {
	self.stateLock.Lock()
	streamId := self.nextStreamId
	self.nextStreamId += 1
	stream := &LogicalStream{
		conn:     self,
		streamId: streamId,
		receive:  make(chan []byte, self.settings.StreamReceiveQueueSize),
		closed:   make(chan struct{}),
	}
	self.streams[streamId] = stream
	self.stateLock.Unlock()

	err := self.enqueue(&Frame{
		StreamId: streamId,
		Kind:     FrameOpen,
		Payload:  metadata,
	})
	if err != nil {
		self.removeStream(streamId)
		return nil, err
	}
	glog.V(1).Infof("[mux]%s open stream %d\n", self.connectionId, streamId)
	return stream, nil
}

func (self *MuxConnection) enqueue(frame *Frame) error {
	select {
	case <-self.ctx.Done():
		return NewStatusError(CodeUnavailable, "connection closed")
	case self.sendQueue <- frame:
		return nil
	}
}

func (self *MuxConnection) lookupStream(streamId uint32) *LogicalStream {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.streams[streamId]
}

func (self *MuxConnection) removeStream(streamId uint32) *LogicalStream {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	stream := self.streams[streamId]
	delete(self.streams, streamId)
	return stream
}

// dispatch routes inbound frames to the owning stream. Frames for unknown
// or closed ids are dropped; a stream whose receive buffer is full is
// closed rather than allowed to block the others.
func (self *MuxConnection) dispatch() {
	defer func() {
		self.cancel()
		self.transport.Close()
		self.closeAllStreams()
	}()

	for {
		frame, err := self.transport.NextFrame()
		if err != nil {
			select {
			case <-self.ctx.Done():
			default:
				glog.Infof("[mux]%s receive error = %s\n", self.connectionId, err)
			}
			return
		}

		switch frame.Kind {
		case FrameData:
			stream := self.lookupStream(frame.StreamId)
			if stream == nil {
				glog.V(1).Infof("[mux]%s drop frame for unknown stream %d\n", self.connectionId, frame.StreamId)
				continue
			}
			select {
			case <-stream.closed:
				glog.V(1).Infof("[mux]%s drop frame for closed stream %d\n", self.connectionId, frame.StreamId)
			case stream.receive <- frame.Payload:
			default:
				// one stream with a full receive buffer must not stall
				// delivery for the other streams on this connection
				self.removeStream(frame.StreamId)
				stream.closeWithError(NewStatusError(CodeResourceExhausted, "stream receive buffer full"))
				glog.Infof("[mux]%s close slow stream %d\n", self.connectionId, frame.StreamId)
			}
		case FrameClose:
			if stream := self.removeStream(frame.StreamId); stream != nil {
				stream.closeWithError(NewStatusError(CodeUnavailable, "stream closed by peer"))
			}
		default:
			// peer-initiated opens are a server concern
			glog.V(1).Infof("[mux]%s drop %s frame for stream %d\n", self.connectionId, frame.Kind, frame.StreamId)
		}
	}
}

// drain writes outbound frames to the transport in arrival order.
func (self *MuxConnection) drain() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.sendQueue:
			if err := self.transport.Send(frame); err != nil {
				glog.Infof("[mux]%s send error = %s\n", self.connectionId, err)
				return
			}
			glog.V(2).Infof("[mux]%s stream %d %s->\n", self.connectionId, frame.StreamId, frame.Kind)
		case <-time.After(self.settings.PingTimeout):
			if pinger, ok := self.transport.(transportPinger); ok {
				if err := pinger.Ping(); err != nil {
					glog.Infof("[mux]%s ping error = %s\n", self.connectionId, err)
					return
				}
			}
		}
	}
}

func (self *MuxConnection) closeAllStreams() {
	self.stateLock.Lock()
	streams := self.streams
	self.streams = map[uint32]*LogicalStream{}
	self.stateLock.Unlock()

	for _, stream := range streams {
		stream.closeWithError(NewStatusError(CodeUnavailable, "connection closed"))
	}
}

func (self *MuxConnection) Close() {
	self.cancel()
	self.transport.Close()
	self.closeAllStreams()
}

// LogicalStream is one logical channel of a MuxConnection. Closing the
// stream sends a close frame and removes its route; frames already queued
// inbound can still be received.
type LogicalStream struct {
	conn     *MuxConnection
	streamId uint32
	receive  chan []byte

	closeOnce sync.Once
	closed    chan struct{}

	errLock  sync.Mutex
	closeErr error
}

func (self *LogicalStream) StreamId() uint32 {
	return self.streamId
}

func (self *LogicalStream) Send(payload []byte) error {
	select {
	case <-self.closed:
		return self.err()
	default:
	}
	return self.conn.enqueue(&Frame{
		StreamId: self.streamId,
		Kind:     FrameData,
		Payload:  payload,
	})
}

func (self *LogicalStream) Receive(ctx context.Context) ([]byte, error) {
	// drain buffered frames before reporting closure
	select {
	case payload := <-self.receive:
		return payload, nil
	default:
	}
	select {
	case payload := <-self.receive:
		return payload, nil
	case <-self.closed:
		return nil, self.err()
	case <-ctx.Done():
		return nil, NewStatusError(CodeUnavailable, "receive canceled")
	}
}

func (self *LogicalStream) err() error {
	self.errLock.Lock()
	defer self.errLock.Unlock()
	if self.closeErr == nil {
		return NewStatusError(CodeUnavailable, "stream closed")
	}
	return self.closeErr
}

func (self *LogicalStream) closeWithError(err error) {
	self.closeOnce.Do(func() {
		self.errLock.Lock()
		self.closeErr = err
		self.errLock.Unlock()
		close(self.closed)
	})
}

// Close sends a close frame and removes the stream's route. Idempotent.
func (self *LogicalStream) Close() {
	if stream := self.conn.removeStream(self.streamId); stream != nil {
		// best effort. The connection may already be gone.
		self.conn.enqueue(&Frame{
			StreamId: self.streamId,
			Kind:     FrameClose,
		})
	}
	self.closeWithError(nil)
}
