package remote

import (
	"sync"

	"github.com/golang/glog"
)

type ListenStreamDelegate interface {
	// invoked once per decoded inbound watch change
	OnWatchChange(change WatchChange) error
	OnListenStreamClose(err error)
}

// ListenStream is the watch protocol layer above a persistent stream. It
// tracks the targets that must be active and replays an add-target request
// for every one of them on each (re)open, so a transport loss is invisible
// to callers: no re-listen action is ever required.
type ListenStream struct {
	codec    *Codec
	delegate ListenStreamDelegate

	stateLock sync.Mutex
	targets   map[int32]*ListenTarget
	current   *LogicalStream
}

func NewListenStream(codec *Codec, delegate ListenStreamDelegate) *ListenStream {
	return &ListenStream{
		codec:    codec,
		delegate: delegate,
		targets:  map[int32]*ListenTarget{},
	}
}

func (self *ListenStream) IsOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.current != nil
}

// Watch registers a target and, if a stream is open, sends it immediately.
func (self *ListenStream) Watch(target *ListenTarget) error {
	self.stateLock.Lock()
	self.targets[target.TargetId] = target
	stream := self.current
	self.stateLock.Unlock()

	if stream == nil {
		return nil
	}
	return self.sendAddTarget(stream, target)
}

// Unwatch removes a target and sends a remove-target request if connected.
func (self *ListenStream) Unwatch(targetId int32) error {
	self.stateLock.Lock()
	delete(self.targets, targetId)
	stream := self.current
	self.stateLock.Unlock()

	if stream == nil {
		return nil
	}
	request, err := self.codec.EncodeUnlistenRequest(targetId)
	if err != nil {
		return err
	}
	return stream.Send(request)
}

// ForgetTarget unregisters a target without sending a remove-target
// request, for targets the backend already removed.
func (self *ListenStream) ForgetTarget(targetId int32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.targets, targetId)
}

func (self *ListenStream) sendAddTarget(stream *LogicalStream, target *ListenTarget) error {
	request, err := self.codec.EncodeListenRequest(target)
	if err != nil {
		return err
	}
	return stream.Send(request)
}

// PersistentStreamDelegate

func (self *ListenStream) OnStreamOpen(stream *LogicalStream, credentials *StreamCredentials) error {
	self.stateLock.Lock()
	self.current = stream
	targets := map[int32]*ListenTarget{}
	for targetId, target := range self.targets {
		targets[targetId] = target
	}
	self.stateLock.Unlock()

	// replay every registered target exactly once
	for _, targetId := range sortedTargetIds(targets) {
		if err := self.sendAddTarget(stream, targets[targetId]); err != nil {
			return err
		}
	}
	glog.V(1).Infof("[listen]open, replayed %d targets\n", len(targets))
	return nil
}

func (self *ListenStream) OnStreamMessage(payload []byte) error {
	change, err := self.codec.DecodeWatchChange(payload)
	if err != nil {
		return err
	}

	if targetChange, ok := change.(*WatchTargetChange); ok {
		self.updateResumeTokens(targetChange)
	}

	return self.delegate.OnWatchChange(change)
}

func (self *ListenStream) OnStreamClose(err error) {
	self.stateLock.Lock()
	self.current = nil
	self.stateLock.Unlock()

	self.delegate.OnListenStreamClose(err)
}

// updateResumeTokens stores a non-empty resume token on the affected
// targets (or all registered targets if the change names none), so a later
// reconnect resumes from the latest acknowledged point.
func (self *ListenStream) updateResumeTokens(change *WatchTargetChange) {
	if len(change.ResumeToken) == 0 {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	targetIds := change.TargetIds
	if len(targetIds) == 0 {
		targetIds = sortedTargetIds(self.targets)
	}
	for _, targetId := range targetIds {
		if target, ok := self.targets[targetId]; ok {
			target.ResumeToken = change.ResumeToken
		}
	}
}
