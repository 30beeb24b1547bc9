package remote

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// Delegate is the local-persistence side of the sync engine. Every method
// is invoked at most once per logical event and must not block its calling
// task indefinitely.
type Delegate interface {
	HandleRemoteEvent(event *RemoteEvent) error
	HandleRejectedListen(targetId int32, cause error)
	HandleSuccessfulWrite(result *MutationBatchResult) error
	HandleFailedWrite(batchId int64, cause error)
	HandleCredentialChange()
	NotifyStreamTokenChange(token []byte)
	RecordWriteResults(result *MutationBatchResult)
	UpdateTargetMetadata(targetId int32, change *TargetChangeEvent)
	ResetTargetMetadata(targetId int32)
	RecordResolvedLimboDocuments(keys map[DocumentKey]struct{})
}

// Syncer couples the remote store to the delegate. It owns the ordered
// mutation queue and the per-target remote-key snapshots, and updates both
// before any event reaches the delegate, so no consumer can observe
// delegate state that is stale relative to syncer state.
type Syncer struct {
	delegate Delegate

	stateLock sync.Mutex
	// ascending by batch id
	batches  []*MutationBatch
	batchIds map[int64]*MutationBatch

	activeTargets map[int32]*ListenTarget
	remoteKeys    map[int32]map[DocumentKey]struct{}

	lastBatchId int64
}

func NewSyncer(delegate Delegate) *Syncer {
	return &Syncer{
		delegate:      delegate,
		batchIds:      map[int64]*MutationBatch{},
		activeTargets: map[int32]*ListenTarget{},
		remoteKeys:    map[int32]map[DocumentKey]struct{}{},
	}
}

// mutation queue

// CreateBatch assigns the next batch id and enqueues the writes as one
// batch. The id assignment and the insert share one critical section, so
// concurrent callers never collide on an id.
func (self *Syncer) CreateBatch(localWriteTime Timestamp, baseWrites []Write, writes []Write) (*MutationBatch, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	batch := &MutationBatch{
		BatchId:        self.lastBatchId + 1,
		LocalWriteTime: localWriteTime,
		BaseWrites:     baseWrites,
		Writes:         writes,
	}
	if err := self.enqueueBatch(batch); err != nil {
		return nil, err
	}
	return batch, nil
}

// EnqueueBatch inserts a batch into the queue. A duplicate batch id is an
// internal error: batch ids increase monotonically per session.
func (self *Syncer) EnqueueBatch(batch *MutationBatch) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.enqueueBatch(batch)
}

// enqueueBatch requires stateLock.
func (self *Syncer) enqueueBatch(batch *MutationBatch) error {
	if _, ok := self.batchIds[batch.BatchId]; ok {
		return NewStatusError(CodeInternal, "duplicate batch id %d", batch.BatchId)
	}
	self.batchIds[batch.BatchId] = batch
	i, _ := slices.BinarySearchFunc(self.batches, batch, func(a *MutationBatch, b *MutationBatch) int {
		switch {
		case a.BatchId < b.BatchId:
			return -1
		case b.BatchId < a.BatchId:
			return 1
		default:
			return 0
		}
	})
	self.batches = slices.Insert(self.batches, i, batch)
	if self.lastBatchId < batch.BatchId {
		self.lastBatchId = batch.BatchId
	}
	return nil
}

// NextMutationBatchAfter returns the queued batch with the smallest id
// strictly greater than the threshold, or nil. This establishes strict FIFO
// submission order.
func (self *Syncer) NextMutationBatchAfter(batchId int64) *MutationBatch {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, batch := range self.batches {
		if batchId < batch.BatchId {
			return batch
		}
	}
	return nil
}

func (self *Syncer) BatchCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.batches)
}

func (self *Syncer) removeBatch(batchId int64) (*MutationBatch, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	batch, ok := self.batchIds[batchId]
	if !ok {
		return nil, NewStatusError(CodeInternal, "batch %d acknowledged but not queued", batchId)
	}
	delete(self.batchIds, batchId)
	i := slices.Index(self.batches, batch)
	self.batches = slices.Delete(self.batches, i, i+1)
	return batch, nil
}

// ApplySuccessfulWrite removes the acknowledged batch from the queue before
// the delegate is notified, so the delegate never observes a still-queued
// batch as completed.
func (self *Syncer) ApplySuccessfulWrite(result *MutationBatchResult) error {
	if _, err := self.removeBatch(result.Batch.BatchId); err != nil {
		return err
	}
	self.delegate.RecordWriteResults(result)
	return self.delegate.HandleSuccessfulWrite(result)
}

// ApplyFailedWrite removes the rejected batch from the queue before the
// delegate is notified.
func (self *Syncer) ApplyFailedWrite(batchId int64, cause error) error {
	if _, err := self.removeBatch(batchId); err != nil {
		return err
	}
	glog.Infof("[syncer]batch %d failed = %s\n", batchId, cause)
	self.delegate.HandleFailedWrite(batchId, cause)
	return nil
}

// target tracking

func (self *Syncer) TrackTarget(target *ListenTarget) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.activeTargets[target.TargetId] = target
	if _, ok := self.remoteKeys[target.TargetId]; !ok {
		self.remoteKeys[target.TargetId] = map[DocumentKey]struct{}{}
	}
}

func (self *Syncer) UntrackTarget(targetId int32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.activeTargets, targetId)
	delete(self.remoteKeys, targetId)
}

func (self *Syncer) ActiveTarget(targetId int32) *ListenTarget {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.activeTargets[targetId]
}

// TargetMetadataProvider

func (self *Syncer) IsActiveTarget(targetId int32) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.activeTargets[targetId]
	return ok
}

func (self *Syncer) RemoteKeysForTarget(targetId int32) map[DocumentKey]struct{} {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys := map[DocumentKey]struct{}{}
	for key := range self.remoteKeys[targetId] {
		keys[key] = struct{}{}
	}
	return keys
}

// events

// ApplyRemoteEvent updates the per-target remote-key snapshots, then
// forwards the event and the target-metadata deltas to the delegate.
func (self *Syncer) ApplyRemoteEvent(event *RemoteEvent) error {
	self.stateLock.Lock()
	for targetId, change := range event.TargetChanges {
		keys, ok := self.remoteKeys[targetId]
		if !ok {
			continue
		}
		for key := range change.AddedDocuments {
			keys[key] = struct{}{}
		}
		for key := range change.ModifiedDocuments {
			keys[key] = struct{}{}
		}
		for key := range change.RemovedDocuments {
			delete(keys, key)
		}
	}
	for targetId := range event.TargetResets {
		if _, ok := self.remoteKeys[targetId]; ok {
			self.remoteKeys[targetId] = map[DocumentKey]struct{}{}
		}
	}
	self.stateLock.Unlock()

	for _, targetId := range sortedTargetIds(event.TargetChanges) {
		self.delegate.UpdateTargetMetadata(targetId, event.TargetChanges[targetId])
	}
	for _, targetId := range sortedTargetIds(event.TargetResets) {
		self.delegate.ResetTargetMetadata(targetId)
	}
	if 0 < len(event.ResolvedLimboDocuments) {
		self.delegate.RecordResolvedLimboDocuments(event.ResolvedLimboDocuments)
	}
	return self.delegate.HandleRemoteEvent(event)
}

// RejectListen drops a target after a backend-reported rejection and
// surfaces the cause to the delegate. The target stays dropped until the
// caller re-issues a listen.
func (self *Syncer) RejectListen(targetId int32, cause error) {
	self.UntrackTarget(targetId)
	glog.Infof("[syncer]listen %d rejected = %s\n", targetId, cause)
	self.delegate.HandleRejectedListen(targetId, cause)
}

func (self *Syncer) HandleCredentialChange() {
	self.delegate.HandleCredentialChange()
}

func (self *Syncer) NotifyStreamTokenChange(token []byte) {
	self.delegate.NotifyStreamTokenChange(token)
}
