package remote

import (
	"golang.org/x/exp/maps"
)

type TargetChangeState int

const (
	TargetNoChange TargetChangeState = iota
	TargetAdd
	TargetRemove
	TargetCurrent
	TargetReset
)

func (self TargetChangeState) String() string {
	switch self {
	case TargetNoChange:
		return "no_change"
	case TargetAdd:
		return "add"
	case TargetRemove:
		return "remove"
	case TargetCurrent:
		return "current"
	case TargetReset:
		return "reset"
	default:
		return "unknown"
	}
}

// WatchChange is one decoded message from the watch stream.
type WatchChange interface {
	isWatchChange()
}

// WatchTargetChange is a lifecycle change for a set of targets. An empty
// TargetIds applies to every active target.
type WatchTargetChange struct {
	State       TargetChangeState
	TargetIds   []int32
	ResumeToken []byte
	ReadTime    Timestamp
	// backend-reported rejection. Set only with State == TargetRemove.
	Cause error
}

func (self *WatchTargetChange) isWatchChange() {}

// WatchDocumentChange updates the believed membership of the affected
// targets. Document is nil when the backend reported a delete or removal
// without contents.
type WatchDocumentChange struct {
	UpdatedTargetIds []int32
	RemovedTargetIds []int32
	Key              DocumentKey
	Document         *Document
	ReadTime         Timestamp
}

func (self *WatchDocumentChange) isWatchChange() {}

// WatchExistenceFilter reports the backend's document count for a target.
// This layer cannot validate the count locally, so every filter is treated
// as cause for a full target reset.
type WatchExistenceFilter struct {
	TargetId int32
	Count    int32
}

func (self *WatchExistenceFilter) isWatchChange() {}

// TargetChangeEvent is the per-target delta of one RemoteEvent.
type TargetChangeEvent struct {
	AddedDocuments    map[DocumentKey]struct{}
	ModifiedDocuments map[DocumentKey]struct{}
	RemovedDocuments  map[DocumentKey]struct{}
	ResumeToken       []byte
	// the target's view is authoritative as of the snapshot version
	Current bool
}

func newTargetChangeEvent() *TargetChangeEvent {
	return &TargetChangeEvent{
		AddedDocuments:    map[DocumentKey]struct{}{},
		ModifiedDocuments: map[DocumentKey]struct{}{},
		RemovedDocuments:  map[DocumentKey]struct{}{},
	}
}

// RemoteEvent is one coherent application-visible snapshot of everything the
// watch stream reported since the previous drain. It is never partially
// visible to the delegate.
type RemoteEvent struct {
	SnapshotVersion Timestamp
	TargetChanges   map[int32]*TargetChangeEvent
	// targets that must be dropped and re-established from a clean state
	TargetResets map[int32]struct{}
	// nil value means the document was deleted
	DocumentUpdates        map[DocumentKey]*Document
	ResolvedLimboDocuments map[DocumentKey]struct{}
}

// TargetMetadataProvider exposes the sync layer's current belief about
// target membership, so the aggregator can classify a document as added
// versus modified and ignore changes for targets that are no longer active.
type TargetMetadataProvider interface {
	RemoteKeysForTarget(targetId int32) map[DocumentKey]struct{}
	IsActiveTarget(targetId int32) bool
}

type aggregatorTargetState struct {
	// pending membership deltas since the last drain
	added    map[DocumentKey]struct{}
	modified map[DocumentKey]struct{}
	removed  map[DocumentKey]struct{}

	current     bool
	resumeToken []byte

	// anything changed since the last drain
	pending bool
}

func newAggregatorTargetState() *aggregatorTargetState {
	return &aggregatorTargetState{
		added:    map[DocumentKey]struct{}{},
		modified: map[DocumentKey]struct{}{},
		removed:  map[DocumentKey]struct{}{},
	}
}

func (self *aggregatorTargetState) clearDeltas() {
	self.added = map[DocumentKey]struct{}{}
	self.modified = map[DocumentKey]struct{}{}
	self.removed = map[DocumentKey]struct{}{}
}

// WatchChangeAggregator folds raw watch changes into RemoteEvents. Changes
// accumulate until Drain, so one event covers everything observed since the
// previous drain. Not safe for concurrent use; the remote store serializes
// access under its own lock.
type WatchChangeAggregator struct {
	metadata TargetMetadataProvider

	targetStates    map[int32]*aggregatorTargetState
	documentUpdates map[DocumentKey]*Document
	targetResets    map[int32]struct{}
}

func NewWatchChangeAggregator(metadata TargetMetadataProvider) *WatchChangeAggregator {
	return &WatchChangeAggregator{
		metadata:        metadata,
		targetStates:    map[int32]*aggregatorTargetState{},
		documentUpdates: map[DocumentKey]*Document{},
		targetResets:    map[int32]struct{}{},
	}
}

func (self *WatchChangeAggregator) targetState(targetId int32) *aggregatorTargetState {
	state, ok := self.targetStates[targetId]
	if !ok {
		state = newAggregatorTargetState()
		self.targetStates[targetId] = state
	}
	return state
}

// HandleTargetChange accumulates one target lifecycle change. A change with
// a cause must not reach the aggregator; the caller rejects the listen
// instead.
func (self *WatchChangeAggregator) HandleTargetChange(change *WatchTargetChange) error {
	if change.Cause != nil {
		return NewStatusError(CodeInternal, "cause-bearing target change passed to aggregator: %s", change.Cause)
	}

	targetIds := change.TargetIds
	if len(targetIds) == 0 {
		// applies to every target the aggregator knows about
		targetIds = maps.Keys(self.targetStates)
	}

	for _, targetId := range targetIds {
		switch change.State {
		case TargetNoChange:
			// progress marker only. The resume token is recorded below.
		case TargetAdd:
			state := newAggregatorTargetState()
			self.targetStates[targetId] = state
		case TargetRemove:
			delete(self.targetStates, targetId)
			delete(self.targetResets, targetId)
			continue
		case TargetCurrent:
			if self.metadata.IsActiveTarget(targetId) {
				state := self.targetState(targetId)
				state.current = true
				state.pending = true
			}
		case TargetReset:
			state := self.targetState(targetId)
			state.clearDeltas()
			state.current = false
			self.targetResets[targetId] = struct{}{}
		default:
			return NewStatusError(CodeInternal, "unknown target change state %d", change.State)
		}

		if 0 < len(change.ResumeToken) && self.metadata.IsActiveTarget(targetId) {
			state := self.targetState(targetId)
			state.resumeToken = change.ResumeToken
			state.pending = true
		}
	}
	return nil
}

// HandleDocumentChange updates the believed membership of every affected
// target. A document newly in a target's result set is added if previously
// absent and modified if previously present; a document leaving the result
// set is removed.
func (self *WatchChangeAggregator) HandleDocumentChange(change *WatchDocumentChange) {
	for _, targetId := range change.UpdatedTargetIds {
		if !self.metadata.IsActiveTarget(targetId) {
			continue
		}
		state := self.targetState(targetId)
		remoteKeys := self.metadata.RemoteKeysForTarget(targetId)
		_, present := remoteKeys[change.Key]
		if _, pendingAdd := state.added[change.Key]; pendingAdd {
			present = false
		}
		delete(state.removed, change.Key)
		if present {
			state.modified[change.Key] = struct{}{}
		} else {
			state.added[change.Key] = struct{}{}
		}
		state.pending = true
	}

	for _, targetId := range change.RemovedTargetIds {
		if !self.metadata.IsActiveTarget(targetId) {
			continue
		}
		state := self.targetState(targetId)
		delete(state.added, change.Key)
		delete(state.modified, change.Key)
		state.removed[change.Key] = struct{}{}
		state.pending = true
	}

	if 0 < len(change.UpdatedTargetIds) || change.Document != nil {
		self.documentUpdates[change.Key] = change.Document
	} else {
		// removal without contents. Record the delete only if nothing newer
		// was already accumulated for this key.
		if _, ok := self.documentUpdates[change.Key]; !ok {
			self.documentUpdates[change.Key] = nil
		}
	}
}

// HandleExistenceFilter schedules a full reset of the filtered target.
// Local document counts are not tracked, so the conservative move is to
// always discard and re-establish the target's listen.
func (self *WatchChangeAggregator) HandleExistenceFilter(filter *WatchExistenceFilter) {
	if !self.metadata.IsActiveTarget(filter.TargetId) {
		return
	}
	state := self.targetState(filter.TargetId)
	state.clearDeltas()
	state.current = false
	self.targetResets[filter.TargetId] = struct{}{}
}

// RemoveTarget forgets all accumulated state for a target, e.g. after the
// caller rejected its listen.
func (self *WatchChangeAggregator) RemoveTarget(targetId int32) {
	delete(self.targetStates, targetId)
	delete(self.targetResets, targetId)
}

// Drain produces one RemoteEvent covering everything accumulated since the
// previous drain, then clears the per-target deltas. A target appears in
// the event only if it has deltas or became current.
func (self *WatchChangeAggregator) Drain(snapshotVersion Timestamp) *RemoteEvent {
	targetChanges := map[int32]*TargetChangeEvent{}
	for targetId, state := range self.targetStates {
		if !self.metadata.IsActiveTarget(targetId) {
			continue
		}
		if _, reset := self.targetResets[targetId]; reset {
			continue
		}
		if !state.pending {
			continue
		}
		targetChanges[targetId] = &TargetChangeEvent{
			AddedDocuments:    state.added,
			ModifiedDocuments: state.modified,
			RemovedDocuments:  state.removed,
			ResumeToken:       state.resumeToken,
			Current:           state.current,
		}
		state.clearDeltas()
		state.pending = false
	}

	resolvedLimboDocuments := map[DocumentKey]struct{}{}
	for key, document := range self.documentUpdates {
		if document == nil {
			resolvedLimboDocuments[key] = struct{}{}
		}
	}

	event := &RemoteEvent{
		SnapshotVersion:        snapshotVersion,
		TargetChanges:          targetChanges,
		TargetResets:           self.targetResets,
		DocumentUpdates:        self.documentUpdates,
		ResolvedLimboDocuments: resolvedLimboDocuments,
	}

	self.documentUpdates = map[DocumentKey]*Document{}
	self.targetResets = map[int32]struct{}{}
	return event
}
