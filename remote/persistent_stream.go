package remote

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpening
	StreamOpen
	StreamBackoff
	StreamStopped
)

func (self StreamState) String() string {
	switch self {
	case StreamIdle:
		return "idle"
	case StreamOpening:
		return "opening"
	case StreamOpen:
		return "open"
	case StreamBackoff:
		return "backoff"
	case StreamStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// PersistentStreamDelegate is the protocol layer above one reconnecting
// stream. OnStreamOpen is invoked with credentials fetched fresh for this
// attempt. A non-nil error from either hook closes the stream and retries.
type PersistentStreamDelegate interface {
	OnStreamOpen(stream *LogicalStream, credentials *StreamCredentials) error
	OnStreamMessage(payload []byte) error
	OnStreamClose(err error)
}

// StreamOpenFunc opens one logical stream carrying the given metadata on
// its open frame. The remote store supplies this, lazily dialing the
// physical connection.
type StreamOpenFunc func(ctx context.Context, metadata []byte) (*LogicalStream, error)

type PersistentStreamSettings struct {
	Backoff *BackoffSettings
	// consulted before every open attempt; return false to stop retrying
	ShouldContinue func() bool
}

func DefaultPersistentStreamSettings() *PersistentStreamSettings {
	return &PersistentStreamSettings{
		Backoff: DefaultBackoffSettings(),
	}
}

// PersistentStream is the generic reconnect-with-backoff primitive: open a
// logical stream, hand it to the delegate, relay messages until closure or
// error, then retry with exponential backoff unless told to stop. One
// background goroutine per stream, started at construction.
type PersistentStream struct {
	ctx    context.Context
	cancel context.CancelFunc

	// log tag, e.g. "listen" or "write"
	kind      string
	open      StreamOpenFunc
	tokens    TokenProvider
	heartbeat HeartbeatProvider
	delegate  PersistentStreamDelegate
	settings  *PersistentStreamSettings

	stateLock sync.Mutex
	state     StreamState
	stream    *LogicalStream
	stopped   bool
}

func NewPersistentStream(
	ctx context.Context,
	kind string,
	open StreamOpenFunc,
	tokens TokenProvider,
	delegate PersistentStreamDelegate,
	settings *PersistentStreamSettings,
) *PersistentStream {
	cancelCtx, cancel := context.WithCancel(ctx)
	heartbeat, _ := tokens.(HeartbeatProvider)
	stream := &PersistentStream{
		ctx:       cancelCtx,
		cancel:    cancel,
		kind:      kind,
		open:      open,
		tokens:    tokens,
		heartbeat: heartbeat,
		delegate:  delegate,
		settings:  settings,
		state:     StreamIdle,
	}
	go stream.run()
	return stream
}

func (self *PersistentStream) State() StreamState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *PersistentStream) IsOpen() bool {
	return self.State() == StreamOpen
}

func (self *PersistentStream) setState(state StreamState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != state {
		glog.V(1).Infof("[ps]%s %s -> %s\n", self.kind, self.state, state)
		self.state = state
	}
}

// Stop prevents further open attempts and closes the current stream. It is
// advisory rather than preemptive: an in-flight attempt completes its
// current iteration before observing the flag. Safe to call more than once.
func (self *PersistentStream) Stop() {
	self.stateLock.Lock()
	alreadyStopped := self.stopped
	self.stopped = true
	stream := self.stream
	self.stateLock.Unlock()

	if alreadyStopped {
		return
	}
	self.cancel()
	if stream != nil {
		stream.Close()
	}
}

func (self *PersistentStream) isStopped() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.stopped
}

func (self *PersistentStream) shouldContinue() bool {
	if self.isStopped() {
		return false
	}
	if self.settings.ShouldContinue != nil {
		return self.settings.ShouldContinue()
	}
	return true
}

func (self *PersistentStream) fetchCredentials() (*StreamCredentials, error) {
	token, err := self.tokens.GetToken(self.ctx)
	if err != nil {
		return nil, err
	}
	credentials := &StreamCredentials{
		AuthToken: token,
	}
	if self.heartbeat != nil {
		credentials.HeartbeatHeader = self.heartbeat.HeartbeatHeader()
	}
	return credentials, nil
}

func (self *PersistentStream) run() {
	defer func() {
		self.setState(StreamStopped)
		self.cancel()
	}()

	backoff := newBackoff(self.settings.Backoff)

	for {
		if !self.shouldContinue() {
			return
		}

		self.setState(StreamOpening)
		err := self.runOnce(backoff)

		self.stateLock.Lock()
		self.stream = nil
		self.stateLock.Unlock()

		if ErrorCode(err) == CodeUnauthenticated {
			self.tokens.InvalidateToken()
		}

		delay := backoff.NextDelay()
		exhausted := backoff.Exhausted()
		if exhausted {
			err = NewStatusError(CodeResourceExhausted, "stream retry attempts exhausted: %s", err)
		}
		self.delegate.OnStreamClose(err)

		if exhausted {
			glog.Infof("[ps]%s retry exhausted = %s\n", self.kind, err)
			return
		}
		if !self.shouldContinue() {
			return
		}

		self.setState(StreamBackoff)
		glog.V(1).Infof("[ps]%s backoff %s\n", self.kind, delay)
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// runOnce is one open attempt: fetch credentials, open, relay until error.
// A successful open resets the backoff.
func (self *PersistentStream) runOnce(backoff *backoff) error {
	credentials, err := self.fetchCredentials()
	if err != nil {
		return err
	}
	metadata, err := EncodeStreamMetadata(credentials)
	if err != nil {
		return err
	}

	stream, err := self.open(self.ctx, metadata)
	if err != nil {
		return err
	}
	defer stream.Close()

	self.stateLock.Lock()
	self.stream = stream
	self.stateLock.Unlock()

	if err := self.delegate.OnStreamOpen(stream, credentials); err != nil {
		return err
	}

	self.setState(StreamOpen)
	backoff.Reset()

	for {
		payload, err := stream.Receive(self.ctx)
		if err != nil {
			return err
		}
		glog.V(2).Infof("[ps]%s<-\n", self.kind)
		if err := self.delegate.OnStreamMessage(payload); err != nil {
			return err
		}
	}
}
