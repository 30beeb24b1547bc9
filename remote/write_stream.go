package remote

import (
	"sync"

	"github.com/golang/glog"
)

type WriteStreamDelegate interface {
	OnHandshakeComplete()
	OnWriteResponse(response *WriteResponse) error
	// invoked whenever the backend refreshes the stream token
	OnStreamTokenChange(token []byte)
	OnWriteStreamClose(err error)
}

// WriteStream is the mutation protocol layer above a persistent stream.
// Every open starts with a handshake request carrying the database name and
// no writes; the first inbound message is always the handshake
// acknowledgement, whatever its content. Only after that may batches be
// written. The backend refreshes the stream token on every round trip, so
// every inbound message updates the stored token.
type WriteStream struct {
	codec    *Codec
	delegate WriteStreamDelegate

	stateLock         sync.Mutex
	current           *LogicalStream
	handshakeComplete bool
	// survives reconnects. A fresh handshake re-establishes it either way.
	streamToken []byte
}

func NewWriteStream(codec *Codec, delegate WriteStreamDelegate) *WriteStream {
	return &WriteStream{
		codec:    codec,
		delegate: delegate,
	}
}

func (self *WriteStream) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.current != nil
}

func (self *WriteStream) HandshakeComplete() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.handshakeComplete
}

func (self *WriteStream) StreamToken() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.streamToken
}

// Write submits one batch of writes. Calling this before the handshake
// completed, or with no stream open, is a programming error: it reports an
// internal error and sends nothing on the wire.
func (self *WriteStream) Write(writes []Write) error {
	self.stateLock.Lock()
	stream := self.current
	handshakeComplete := self.handshakeComplete
	streamToken := self.streamToken
	self.stateLock.Unlock()

	if stream == nil {
		return NewStatusError(CodeInternal, "write called with no open stream")
	}
	if !handshakeComplete {
		return NewStatusError(CodeInternal, "write called before handshake completed")
	}

	request, err := self.codec.EncodeWriteRequest(streamToken, writes)
	if err != nil {
		return err
	}
	return stream.Send(request)
}

// PersistentStreamDelegate

func (self *WriteStream) OnStreamOpen(stream *LogicalStream, credentials *StreamCredentials) error {
	self.stateLock.Lock()
	self.current = stream
	self.handshakeComplete = false
	self.stateLock.Unlock()

	handshake, err := self.codec.EncodeWriteHandshake()
	if err != nil {
		return err
	}
	if err := stream.Send(handshake); err != nil {
		return err
	}
	glog.V(1).Infof("[write]open, handshake pending\n")
	return nil
}

func (self *WriteStream) OnStreamMessage(payload []byte) error {
	response, err := self.codec.DecodeWriteResponse(payload)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.streamToken = response.StreamToken
	firstMessage := !self.handshakeComplete
	self.handshakeComplete = true
	self.stateLock.Unlock()

	self.delegate.OnStreamTokenChange(response.StreamToken)

	if firstMessage {
		// the handshake acknowledgement, regardless of content
		glog.V(1).Infof("[write]handshake complete\n")
		self.delegate.OnHandshakeComplete()
		return nil
	}
	return self.delegate.OnWriteResponse(response)
}

func (self *WriteStream) OnStreamClose(err error) {
	self.stateLock.Lock()
	self.current = nil
	self.handshakeComplete = false
	self.stateLock.Unlock()

	self.delegate.OnWriteStreamClose(err)
}
