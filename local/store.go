// Package local is the reference delegate for the remote sync engine: an
// in-memory document store with latency-compensation overlays and an
// optional on-disk cache. It illustrates the delegate contract; production
// callers supply their own persistence.
package local

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/meridiandb/sync/remote"
)

// SnapshotListener observes the overlaid view of one document after every
// change. A nil document means it is deleted in the current view.
type SnapshotListener func(key remote.DocumentKey, document *remote.Document)

// WriteListener observes the terminal state of one mutation batch.
type WriteListener func(batchId int64, err error)

// Store tracks the last known remote document state, acknowledgements, and
// the queued local batches whose writes overlay that state, so the view
// shown to the application reflects local writes before the server
// acknowledges them.
type Store struct {
	remoteStore *remote.RemoteStore
	cache       *Cache

	stateLock sync.Mutex
	// last known remote state. nil value = known deleted.
	documents map[remote.DocumentKey]*remote.Document
	// local batches awaiting acknowledgement, ascending by id
	queued []*remote.MutationBatch
	// per-target membership per the last remote event
	targetKeys  map[int32]map[remote.DocumentKey]struct{}
	streamToken []byte

	snapshotListeners []SnapshotListener
	writeListeners    []WriteListener
}

func NewStore() *Store {
	return &Store{
		documents:  map[remote.DocumentKey]*remote.Document{},
		targetKeys: map[int32]map[remote.DocumentKey]struct{}{},
	}
}

// NewStoreWithCache restores the last known remote documents from the cache
// and persists every later change back to it.
func NewStoreWithCache(cache *Cache) (*Store, error) {
	store := NewStore()
	store.cache = cache
	documents, err := cache.LoadDocuments()
	if err != nil {
		return nil, err
	}
	store.documents = documents
	return store, nil
}

// Attach binds the store to the remote store whose delegate it is.
func (self *Store) Attach(remoteStore *remote.RemoteStore) {
	self.remoteStore = remoteStore
}

func (self *Store) AddSnapshotListener(listener SnapshotListener) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.snapshotListeners = append(self.snapshotListeners, listener)
}

func (self *Store) AddWriteListener(listener WriteListener) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.writeListeners = append(self.writeListeners, listener)
}

// Write enqueues one batch of writes for delivery and returns its batch id.
// The local view reflects the writes immediately.
func (self *Store) Write(writes ...remote.Write) (int64, error) {
	if self.remoteStore == nil {
		return 0, remote.NewStatusError(remote.CodeInternal, "store is not attached")
	}
	now := remote.TimestampFromTime(time.Now())
	batch, err := self.remoteStore.Syncer().CreateBatch(now, nil, writes)
	if err != nil {
		return 0, err
	}

	self.stateLock.Lock()
	self.queued = append(self.queued, batch)
	listeners := self.snapshotListenersLocked()
	views := map[remote.DocumentKey]*remote.Document{}
	for key := range batch.Keys() {
		views[key] = self.viewLocked(key)
	}
	self.stateLock.Unlock()

	for key, view := range views {
		for _, listener := range listeners {
			listener(key, view)
		}
	}

	self.remoteStore.FillWritePipeline()
	return batch.BatchId, nil
}

// Document returns the overlaid view of one document: the last known remote
// state with every queued local write applied on top, in batch order.
func (self *Store) Document(key remote.DocumentKey) *remote.Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.viewLocked(key)
}

// TargetDocuments returns the overlaid views of every document currently in
// a target's result set.
func (self *Store) TargetDocuments(targetId int32) map[remote.DocumentKey]*remote.Document {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	views := map[remote.DocumentKey]*remote.Document{}
	for key := range self.targetKeys[targetId] {
		views[key] = self.viewLocked(key)
	}
	return views
}

func (self *Store) StreamToken() []byte {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.streamToken
}

func (self *Store) viewLocked(key remote.DocumentKey) *remote.Document {
	document := self.documents[key]
	for _, batch := range self.queued {
		for _, write := range batch.Writes {
			if write.Key == key {
				document = applyWrite(document, write, batch.LocalWriteTime)
			}
		}
	}
	return document
}

func (self *Store) snapshotListenersLocked() []SnapshotListener {
	listeners := make([]SnapshotListener, len(self.snapshotListeners))
	copy(listeners, self.snapshotListeners)
	return listeners
}

func (self *Store) writeListenersLocked() []WriteListener {
	listeners := make([]WriteListener, len(self.writeListeners))
	copy(listeners, self.writeListeners)
	return listeners
}

// applyWrite overlays one write on a base document. The version of an
// overlaid document is the local write time until the server acknowledges.
func applyWrite(base *remote.Document, write remote.Write, localWriteTime remote.Timestamp) *remote.Document {
	switch write.Kind {
	case remote.WriteDelete:
		return nil
	case remote.WriteSet:
		fields := map[string]remote.Value{}
		if 0 < len(write.FieldMask) && base != nil {
			for name, value := range base.Fields {
				fields[name] = value
			}
			for _, name := range write.FieldMask {
				if value, ok := write.Fields[name]; ok {
					fields[name] = value
				} else {
					delete(fields, name)
				}
			}
		} else {
			for name, value := range write.Fields {
				fields[name] = value
			}
		}
		return &remote.Document{
			Key:     write.Key,
			Version: localWriteTime,
			Fields:  fields,
		}
	case remote.WriteUpdate:
		if base == nil {
			// update of a missing document fails server-side; locally the
			// view stays missing
			return nil
		}
		fields := map[string]remote.Value{}
		for name, value := range base.Fields {
			fields[name] = value
		}
		for _, name := range write.FieldMask {
			if value, ok := write.Fields[name]; ok {
				fields[name] = value
			} else {
				delete(fields, name)
			}
		}
		return &remote.Document{
			Key:     write.Key,
			Version: localWriteTime,
			Fields:  fields,
		}
	default:
		return base
	}
}

// remote.Delegate

func (self *Store) HandleRemoteEvent(event *remote.RemoteEvent) error {
	self.stateLock.Lock()
	for key, document := range event.DocumentUpdates {
		existing := self.documents[key]
		if document == nil {
			if existing != nil && event.SnapshotVersion.Compare(existing.Version) < 0 {
				// stale delete
				continue
			}
			self.documents[key] = nil
		} else {
			if existing != nil && document.Version.Compare(existing.Version) < 0 {
				continue
			}
			self.documents[key] = document
		}
		if self.cache != nil {
			if err := self.cache.SaveDocument(key, self.documents[key]); err != nil {
				glog.Infof("[local]cache save %s = %s\n", key, err)
			}
		}
	}
	listeners := self.snapshotListenersLocked()
	views := map[remote.DocumentKey]*remote.Document{}
	for key := range event.DocumentUpdates {
		views[key] = self.viewLocked(key)
	}
	self.stateLock.Unlock()

	for key, view := range views {
		for _, listener := range listeners {
			listener(key, view)
		}
	}
	return nil
}

func (self *Store) HandleRejectedListen(targetId int32, cause error) {
	glog.Infof("[local]listen %d rejected = %s\n", targetId, cause)
	self.stateLock.Lock()
	delete(self.targetKeys, targetId)
	self.stateLock.Unlock()
}

func (self *Store) HandleSuccessfulWrite(result *remote.MutationBatchResult) error {
	self.finishBatch(result.Batch.BatchId, nil)
	return nil
}

func (self *Store) HandleFailedWrite(batchId int64, cause error) {
	self.finishBatch(batchId, cause)
}

func (self *Store) finishBatch(batchId int64, cause error) {
	self.stateLock.Lock()
	var batch *remote.MutationBatch
	for i, queued := range self.queued {
		if queued.BatchId == batchId {
			batch = queued
			self.queued = append(self.queued[:i], self.queued[i+1:]...)
			break
		}
	}
	listeners := self.snapshotListenersLocked()
	writeListeners := self.writeListenersLocked()
	views := map[remote.DocumentKey]*remote.Document{}
	if batch != nil {
		for key := range batch.Keys() {
			views[key] = self.viewLocked(key)
		}
	}
	self.stateLock.Unlock()

	for key, view := range views {
		for _, listener := range listeners {
			listener(key, view)
		}
	}
	for _, listener := range writeListeners {
		listener(batchId, cause)
	}
}

func (self *Store) HandleCredentialChange() {
	glog.V(1).Infof("[local]credential change\n")
}

func (self *Store) NotifyStreamTokenChange(token []byte) {
	self.stateLock.Lock()
	self.streamToken = token
	cache := self.cache
	self.stateLock.Unlock()

	if cache != nil {
		if err := cache.SaveStreamToken(token); err != nil {
			glog.Infof("[local]cache stream token = %s\n", err)
		}
	}
}

// RecordWriteResults applies the acknowledged versions to the last known
// remote state, so the base documents reflect the commit even before the
// next watch snapshot arrives.
func (self *Store) RecordWriteResults(result *remote.MutationBatchResult) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, write := range result.Batch.Writes {
		version := result.DocumentVersions[write.Key]
		base := self.documents[write.Key]
		document := applyWrite(base, write, result.Batch.LocalWriteTime)
		if document != nil {
			document.Version = version
		}
		self.documents[write.Key] = document
		if self.cache != nil {
			if err := self.cache.SaveDocument(write.Key, document); err != nil {
				glog.Infof("[local]cache save %s = %s\n", write.Key, err)
			}
		}
	}
}

func (self *Store) UpdateTargetMetadata(targetId int32, change *remote.TargetChangeEvent) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	keys, ok := self.targetKeys[targetId]
	if !ok {
		keys = map[remote.DocumentKey]struct{}{}
		self.targetKeys[targetId] = keys
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

func (self *Store) ResetTargetMetadata(targetId int32) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.targetKeys[targetId] = map[remote.DocumentKey]struct{}{}
}

func (self *Store) RecordResolvedLimboDocuments(keys map[remote.DocumentKey]struct{}) {
	glog.V(1).Infof("[local]resolved %d limbo documents\n", len(keys))
}
