package remote

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// OfflineCause is one independent reason the network is unusable. The
// network is usable only while the set of causes is empty, so concurrent
// reasons to go offline compose without races re-enabling prematurely.
type OfflineCause string

const (
	OfflineCauseUser         OfflineCause = "user"
	OfflineCauseCredentials  OfflineCause = "credentials"
	OfflineCauseConnectivity OfflineCause = "connectivity"
	OfflineCauseShutdown     OfflineCause = "shutdown"
)

// ConnectFunc dials one physical transport. The remote store calls it
// lazily whenever a stream needs a connection and none is alive.
type ConnectFunc func(ctx context.Context) (Transport, error)

type RemoteStoreSettings struct {
	// maximum in-flight mutation batches
	WritePipelineDepth int
	Mux                *MuxConnectionSettings
	ListenBackoff      *BackoffSettings
	WriteBackoff       *BackoffSettings
}

func DefaultRemoteStoreSettings() *RemoteStoreSettings {
	return &RemoteStoreSettings{
		WritePipelineDepth: 10,
		Mux:                DefaultMuxConnectionSettings(),
		ListenBackoff:      DefaultBackoffSettings(),
		WriteBackoff:       DefaultBackoffSettings(),
	}
}

// RemoteStore is the top-level orchestrator: it owns the active listen
// targets and the bounded write pipeline, manages online/offline
// transitions, restarts streams on error, and re-issues target resets as
// unwatch+watch pairs.
type RemoteStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	codec    *Codec
	connect  ConnectFunc
	tokens   TokenProvider
	syncer   *Syncer
	settings *RemoteStoreSettings

	listenStream *ListenStream
	writeStream  *WriteStream

	// serializes every batch send onto the write stream, so dispatches hit
	// the wire in ascending batch id order and a fill can never race the
	// post-handshake resend
	dispatchLock sync.Mutex

	stateLock     sync.Mutex
	offlineCauses map[OfflineCause]struct{}
	listenTargets map[int32]*ListenTarget
	conn          *MuxConnection
	listenHandle  *PersistentStream
	writeHandle   *PersistentStream
	aggregator    *WatchChangeAggregator
	// in-flight batches, ascending by id. Batches stay queued in the syncer
	// until acknowledged; the pipeline only tracks what was dispatched.
	pipeline            []*MutationBatch
	highestDispatchedId int64
	handshakeSeen       bool
}

func NewRemoteStoreWithDefaults(
	ctx context.Context,
	databaseName string,
	connect ConnectFunc,
	tokens TokenProvider,
	delegate Delegate,
) *RemoteStore {
	return NewRemoteStore(ctx, databaseName, connect, tokens, delegate, DefaultRemoteStoreSettings())
}

func NewRemoteStore(
	ctx context.Context,
	databaseName string,
	connect ConnectFunc,
	tokens TokenProvider,
	delegate Delegate,
	settings *RemoteStoreSettings,
) *RemoteStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	codec := NewCodec(databaseName)
	syncer := NewSyncer(delegate)
	store := &RemoteStore{
		ctx:      cancelCtx,
		cancel:   cancel,
		codec:    codec,
		connect:  connect,
		tokens:   tokens,
		syncer:   syncer,
		settings: settings,
		offlineCauses: map[OfflineCause]struct{}{
			// starts offline until the caller enables the network
			OfflineCauseUser: {},
		},
		listenTargets: map[int32]*ListenTarget{},
	}
	store.listenStream = NewListenStream(codec, store)
	store.writeStream = NewWriteStream(codec, store)
	store.aggregator = NewWatchChangeAggregator(syncer)
	return store
}

// Syncer returns the bridge, through which callers enqueue mutation
// batches and the delegate is reached.
func (self *RemoteStore) Syncer() *Syncer {
	return self.syncer
}

func (self *RemoteStore) Codec() *Codec {
	return self.codec
}

// network state

func (self *RemoteStore) networkUsable() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.offlineCauses) == 0
}

// EnableNetwork removes one offline cause. When the last cause is removed,
// streams restart as demand requires.
func (self *RemoteStore) EnableNetwork(cause OfflineCause) {
	self.stateLock.Lock()
	delete(self.offlineCauses, cause)
	usable := len(self.offlineCauses) == 0
	hasTargets := 0 < len(self.listenTargets)
	self.stateLock.Unlock()

	if !usable {
		return
	}
	glog.V(1).Infof("[store]network enabled\n")
	if hasTargets {
		self.ensureListenHandle()
	}
	self.FillWritePipeline()
}

// DisableNetwork adds one offline cause and, on the transition to offline,
// tears down both streams and the connection. In-flight batches stay in the
// pipeline and are re-sent after the next handshake.
func (self *RemoteStore) DisableNetwork(cause OfflineCause) {
	self.stateLock.Lock()
	wasUsable := len(self.offlineCauses) == 0
	self.offlineCauses[cause] = struct{}{}
	listenHandle := self.listenHandle
	writeHandle := self.writeHandle
	conn := self.conn
	self.listenHandle = nil
	self.writeHandle = nil
	self.conn = nil
	self.handshakeSeen = false
	self.stateLock.Unlock()

	if !wasUsable {
		return
	}
	glog.V(1).Infof("[store]network disabled = %s\n", cause)
	if listenHandle != nil {
		listenHandle.Stop()
	}
	if writeHandle != nil {
		writeHandle.Stop()
	}
	if conn != nil {
		conn.Close()
	}
}

// HandleCredentialChange notifies the delegate, forces both streams closed,
// then re-enables the network. No in-flight request can continue using an
// invalidated token: every stream open fetches credentials fresh.
func (self *RemoteStore) HandleCredentialChange() {
	self.syncer.HandleCredentialChange()
	self.DisableNetwork(OfflineCauseCredentials)
	self.EnableNetwork(OfflineCauseCredentials)
}

// Shutdown permanently stops the store.
func (self *RemoteStore) Shutdown() {
	self.DisableNetwork(OfflineCauseShutdown)
	self.cancel()
}

// connection

func (self *RemoteStore) openLogicalStream(ctx context.Context, metadata []byte) (*LogicalStream, error) {
	conn, err := self.ensureConnection(ctx)
	if err != nil {
		return nil, err
	}
	return conn.OpenStream(metadata)
}

func (self *RemoteStore) ensureConnection(ctx context.Context) (*MuxConnection, error) {
	self.stateLock.Lock()
	conn := self.conn
	usable := len(self.offlineCauses) == 0
	self.stateLock.Unlock()

	if !usable {
		return nil, NewStatusError(CodeUnavailable, "network disabled")
	}
	if conn != nil {
		select {
		case <-conn.Done():
		default:
			return conn, nil
		}
	}

	// dial outside the lock
	transport, err := self.connect(ctx)
	if err != nil {
		return nil, NewStatusError(CodeUnavailable, "connect failed: %s", err)
	}

	self.stateLock.Lock()
	if self.conn != nil {
		select {
		case <-self.conn.Done():
		default:
			// another opener connected concurrently
			existing := self.conn
			self.stateLock.Unlock()
			transport.Close()
			return existing, nil
		}
	}
	conn = NewMuxConnection(self.ctx, transport, self.settings.Mux)
	self.conn = conn
	self.stateLock.Unlock()
	glog.V(1).Infof("[store]connected %s\n", conn.ConnectionId())
	return conn, nil
}

// listen targets

// Listen registers a target and starts the watch stream if none is running
// and the network is usable. If a stream is already open, the target is
// sent immediately.
func (self *RemoteStore) Listen(target *ListenTarget) error {
	self.stateLock.Lock()
	if _, ok := self.listenTargets[target.TargetId]; ok {
		self.stateLock.Unlock()
		return NewStatusError(CodeInvalidArgument, "target id %d is already active", target.TargetId)
	}
	self.listenTargets[target.TargetId] = target
	usable := len(self.offlineCauses) == 0
	self.stateLock.Unlock()

	self.syncer.TrackTarget(target)
	if err := self.listenStream.Watch(target); err != nil {
		return err
	}
	if usable {
		self.ensureListenHandle()
	}
	return nil
}

// Unlisten removes a target and, if connected, sends the corresponding
// removal. The last removal stops the watch stream.
func (self *RemoteStore) Unlisten(targetId int32) error {
	self.stateLock.Lock()
	_, ok := self.listenTargets[targetId]
	delete(self.listenTargets, targetId)
	remaining := len(self.listenTargets)
	listenHandle := self.listenHandle
	if remaining == 0 {
		self.listenHandle = nil
	}
	if self.aggregator != nil {
		self.aggregator.RemoveTarget(targetId)
	}
	self.stateLock.Unlock()

	if !ok {
		return NewStatusError(CodeInvalidArgument, "target id %d is not active", targetId)
	}
	err := self.listenStream.Unwatch(targetId)
	self.syncer.UntrackTarget(targetId)
	if remaining == 0 && listenHandle != nil {
		listenHandle.Stop()
	}
	return err
}

func (self *RemoteStore) listenDemand() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.offlineCauses) == 0 && 0 < len(self.listenTargets)
}

func (self *RemoteStore) ensureListenHandle() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.listenHandle != nil && self.listenHandle.State() != StreamStopped {
		return
	}
	self.listenHandle = NewPersistentStream(
		self.ctx,
		"listen",
		self.openLogicalStream,
		self.tokens,
		self.listenStream,
		&PersistentStreamSettings{
			Backoff:        self.settings.ListenBackoff,
			ShouldContinue: self.listenDemand,
		},
	)
}

// ListenStreamDelegate

func (self *RemoteStore) OnWatchChange(change WatchChange) error {
	switch c := change.(type) {
	case *WatchTargetChange:
		if c.Cause != nil {
			self.rejectTargets(c.TargetIds, c.Cause)
			return nil
		}

		self.stateLock.Lock()
		err := self.aggregator.HandleTargetChange(c)
		var event *RemoteEvent
		if err == nil && c.State == TargetNoChange && len(c.TargetIds) == 0 && !c.ReadTime.IsZero() {
			// a global no-change with a read time marks a consistent
			// snapshot across every target
			event = self.aggregator.Drain(c.ReadTime)
		}
		self.stateLock.Unlock()

		if err != nil {
			return err
		}
		if event != nil {
			return self.processRemoteEvent(event)
		}
		return nil

	case *WatchDocumentChange:
		self.stateLock.Lock()
		self.aggregator.HandleDocumentChange(c)
		self.stateLock.Unlock()
		return nil

	case *WatchExistenceFilter:
		self.stateLock.Lock()
		self.aggregator.HandleExistenceFilter(c)
		self.stateLock.Unlock()
		return nil

	default:
		return NewStatusError(CodeInternal, "unknown watch change %T", change)
	}
}

func (self *RemoteStore) OnListenStreamClose(err error) {
	// accumulated aggregation state cannot be trusted across a stream loss.
	// targets replay on the next open with their resume tokens.
	self.stateLock.Lock()
	self.aggregator = NewWatchChangeAggregator(self.syncer)
	self.stateLock.Unlock()

	if err != nil {
		glog.V(1).Infof("[store]listen stream closed = %s\n", err)
	}
}

// rejectTargets drops cause-bearing targets from active tracking and
// surfaces the rejection. The targets stay dropped until the caller
// re-issues a listen.
func (self *RemoteStore) rejectTargets(targetIds []int32, cause error) {
	for _, targetId := range targetIds {
		self.stateLock.Lock()
		_, ok := self.listenTargets[targetId]
		delete(self.listenTargets, targetId)
		self.aggregator.RemoveTarget(targetId)
		self.stateLock.Unlock()

		if !ok {
			continue
		}
		// the backend already removed the target; no unwatch is sent
		self.listenStream.ForgetTarget(targetId)
		self.syncer.RejectListen(targetId, cause)
	}
}

// processRemoteEvent re-establishes reset targets as unwatch+watch pairs on
// the current stream, then hands the event to the syncer.
func (self *RemoteStore) processRemoteEvent(event *RemoteEvent) error {
	for _, targetId := range sortedTargetIds(event.TargetResets) {
		self.stateLock.Lock()
		target := self.listenTargets[targetId]
		self.stateLock.Unlock()
		if target == nil {
			continue
		}
		// the reset discards all accumulated progress
		target.ResumeToken = nil
		if err := self.listenStream.Unwatch(targetId); err != nil {
			return err
		}
		if err := self.listenStream.Watch(target); err != nil {
			return err
		}
		self.ensureListenHandle()
	}
	return self.syncer.ApplyRemoteEvent(event)
}

// write pipeline

// FillWritePipeline lazily pulls mutation batches from the syncer, in
// ascending id order strictly after the last dispatched id, while capacity
// exists and the network is usable. The write stream is started on first
// demand; batches are written only once the handshake is complete.
func (self *RemoteStore) FillWritePipeline() {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()
	self.fillPipeline()
}

// fillPipeline requires dispatchLock.
func (self *RemoteStore) fillPipeline() {
	for {
		self.stateLock.Lock()
		usable := len(self.offlineCauses) == 0
		capacity := len(self.pipeline) < self.settings.WritePipelineDepth
		threshold := self.highestDispatchedId
		handshakeSeen := self.handshakeSeen
		self.stateLock.Unlock()

		if !usable || !capacity {
			return
		}

		batch := self.syncer.NextMutationBatchAfter(threshold)
		if batch == nil {
			return
		}

		self.stateLock.Lock()
		self.pipeline = append(self.pipeline, batch)
		self.highestDispatchedId = batch.BatchId
		self.stateLock.Unlock()

		self.ensureWriteHandle()
		if handshakeSeen {
			// batches appended before the handshake stay pending; the
			// handshake hook sends the whole pipeline
			if err := self.writeStream.Write(batch.Writes); err != nil {
				glog.Infof("[store]write batch %d failed = %s\n", batch.BatchId, err)
				return
			}
		}
	}
}

func (self *RemoteStore) writeDemand() bool {
	return self.networkUsable() && 0 < self.syncer.BatchCount()
}

func (self *RemoteStore) ensureWriteHandle() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.writeHandle != nil && self.writeHandle.State() != StreamStopped {
		return
	}
	self.writeHandle = NewPersistentStream(
		self.ctx,
		"write",
		self.openLogicalStream,
		self.tokens,
		self.writeStream,
		&PersistentStreamSettings{
			Backoff:        self.settings.WriteBackoff,
			ShouldContinue: self.writeDemand,
		},
	)
}

// WriteStreamDelegate

func (self *RemoteStore) OnHandshakeComplete() {
	self.dispatchLock.Lock()
	defer self.dispatchLock.Unlock()

	self.stateLock.Lock()
	self.handshakeSeen = true
	pipeline := make([]*MutationBatch, len(self.pipeline))
	copy(pipeline, self.pipeline)
	self.stateLock.Unlock()

	// send everything already dispatched, in order. This covers both
	// batches from before the stream was lost and batches appended while
	// the handshake was pending.
	for _, batch := range pipeline {
		if err := self.writeStream.Write(batch.Writes); err != nil {
			glog.Infof("[store]re-send batch %d failed = %s\n", batch.BatchId, err)
			return
		}
	}
	self.fillPipeline()
}

func (self *RemoteStore) OnWriteResponse(response *WriteResponse) error {
	self.stateLock.Lock()
	if len(self.pipeline) == 0 {
		self.stateLock.Unlock()
		return NewStatusError(CodeInternal, "write response with empty pipeline")
	}
	batch := self.pipeline[0]
	self.pipeline = self.pipeline[1:]
	self.stateLock.Unlock()

	result, err := NewMutationBatchResult(batch, response.CommitVersion, response.WriteResults)
	if err != nil {
		// unrecoverable bookkeeping error. The batch still must reach a
		// terminal state.
		if failErr := self.syncer.ApplyFailedWrite(batch.BatchId, err); failErr != nil {
			return failErr
		}
		return err
	}
	if err := self.syncer.ApplySuccessfulWrite(result); err != nil {
		return err
	}
	self.FillWritePipeline()
	return nil
}

func (self *RemoteStore) OnStreamTokenChange(token []byte) {
	self.syncer.NotifyStreamTokenChange(token)
}

func (self *RemoteStore) OnWriteStreamClose(err error) {
	self.stateLock.Lock()
	handshakeSeen := self.handshakeSeen
	self.handshakeSeen = false
	var failed *MutationBatch
	if handshakeSeen && 0 < len(self.pipeline) && err != nil && !IsRetryable(ErrorCode(err)) {
		// a permanent error after a completed handshake rejects the batch
		// at the head of the pipeline
		failed = self.pipeline[0]
		self.pipeline = self.pipeline[1:]
	}
	self.stateLock.Unlock()

	if err != nil {
		glog.V(1).Infof("[store]write stream closed = %s\n", err)
	}
	if failed != nil {
		if applyErr := self.syncer.ApplyFailedWrite(failed.BatchId, err); applyErr != nil {
			glog.Infof("[store]failed write apply error = %s\n", applyErr)
		}
	}
}
