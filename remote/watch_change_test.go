package remote

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestAggregatorDocumentAdded(t *testing.T) {
	targets := newStaticTargets(1)
	aggregator := NewWatchChangeAggregator(targets)

	document := &Document{
		Key:     "cities/sf",
		Version: NewTimestamp(1700000000, 0),
		Fields:  map[string]Value{"name": "San Francisco"},
	}
	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{1},
		Key:              "cities/sf",
		Document:         document,
	})

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	change := event.TargetChanges[1]
	assert.NotEqual(t, nil, change)
	assert.Equal(t, map[DocumentKey]struct{}{"cities/sf": {}}, change.AddedDocuments)
	assert.Equal(t, 0, len(change.ModifiedDocuments))
	assert.Equal(t, document, event.DocumentUpdates["cities/sf"])
	assert.Equal(t, 0, len(event.ResolvedLimboDocuments))

	// nothing pending after the drain
	second := aggregator.Drain(NewTimestamp(1700000002, 0))
	assert.Equal(t, 0, len(second.TargetChanges))
	assert.Equal(t, 0, len(second.DocumentUpdates))
}

func TestAggregatorDocumentModifiedWhenAlreadyKnown(t *testing.T) {
	targets := newStaticTargets(1)
	targets.keys[1]["cities/sf"] = struct{}{}
	aggregator := NewWatchChangeAggregator(targets)

	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{1},
		Key:              "cities/sf",
		Document: &Document{
			Key:     "cities/sf",
			Version: NewTimestamp(1700000000, 0),
			Fields:  map[string]Value{"population": int64(875000)},
		},
	})

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	change := event.TargetChanges[1]
	assert.Equal(t, 0, len(change.AddedDocuments))
	assert.Equal(t, map[DocumentKey]struct{}{"cities/sf": {}}, change.ModifiedDocuments)
}

func TestAggregatorDocumentRemoval(t *testing.T) {
	targets := newStaticTargets(1)
	targets.keys[1]["cities/sf"] = struct{}{}
	aggregator := NewWatchChangeAggregator(targets)

	aggregator.HandleDocumentChange(&WatchDocumentChange{
		RemovedTargetIds: []int32{1},
		Key:              "cities/sf",
	})

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	change := event.TargetChanges[1]
	assert.Equal(t, map[DocumentKey]struct{}{"cities/sf": {}}, change.RemovedDocuments)
	update, recorded := event.DocumentUpdates["cities/sf"]
	assert.Equal(t, true, recorded)
	assert.Equal(t, (*Document)(nil), update)
	assert.Equal(t, map[DocumentKey]struct{}{"cities/sf": {}}, event.ResolvedLimboDocuments)
}

func TestAggregatorRemovalKeepsNewerContents(t *testing.T) {
	targets := newStaticTargets(1, 2)
	aggregator := NewWatchChangeAggregator(targets)

	document := &Document{
		Key:     "cities/sf",
		Version: NewTimestamp(1700000000, 0),
		Fields:  map[string]Value{"name": "San Francisco"},
	}
	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{1},
		Key:              "cities/sf",
		Document:         document,
	})
	// the same document leaves another target without contents. The contents
	// already accumulated must win.
	aggregator.HandleDocumentChange(&WatchDocumentChange{
		RemovedTargetIds: []int32{2},
		Key:              "cities/sf",
	})

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	assert.Equal(t, document, event.DocumentUpdates["cities/sf"])
	assert.Equal(t, 0, len(event.ResolvedLimboDocuments))
}

func TestAggregatorCurrentAndResumeToken(t *testing.T) {
	targets := newStaticTargets(1, 2)
	aggregator := NewWatchChangeAggregator(targets)

	err := aggregator.HandleTargetChange(&WatchTargetChange{
		State:     TargetCurrent,
		TargetIds: []int32{1},
	})
	assert.Equal(t, nil, err)
	err = aggregator.HandleTargetChange(&WatchTargetChange{
		State:       TargetNoChange,
		TargetIds:   []int32{1},
		ResumeToken: []byte{1, 2, 3},
	})
	assert.Equal(t, nil, err)

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	change := event.TargetChanges[1]
	assert.Equal(t, true, change.Current)
	assert.Equal(t, []byte{1, 2, 3}, change.ResumeToken)
	_, hasOther := event.TargetChanges[2]
	assert.Equal(t, false, hasOther)
}

func TestAggregatorGlobalChangeAppliesToKnownTargets(t *testing.T) {
	targets := newStaticTargets(1, 2)
	aggregator := NewWatchChangeAggregator(targets)

	// make both targets known to the aggregator first
	for _, targetId := range []int32{1, 2} {
		err := aggregator.HandleTargetChange(&WatchTargetChange{
			State:     TargetCurrent,
			TargetIds: []int32{targetId},
		})
		assert.Equal(t, nil, err)
	}

	err := aggregator.HandleTargetChange(&WatchTargetChange{
		State:       TargetNoChange,
		ResumeToken: []byte{9},
	})
	assert.Equal(t, nil, err)

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	assert.Equal(t, []byte{9}, event.TargetChanges[1].ResumeToken)
	assert.Equal(t, []byte{9}, event.TargetChanges[2].ResumeToken)
}

func TestAggregatorExistenceFilterResetsTarget(t *testing.T) {
	targets := newStaticTargets(1)
	aggregator := NewWatchChangeAggregator(targets)

	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{1},
		Key:              "cities/sf",
		Document: &Document{
			Key:     "cities/sf",
			Version: NewTimestamp(1700000000, 0),
			Fields:  map[string]Value{},
		},
	})
	aggregator.HandleExistenceFilter(&WatchExistenceFilter{
		TargetId: 1,
		Count:    5,
	})

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	assert.Equal(t, map[int32]struct{}{1: {}}, event.TargetResets)
	// a reset target produces no delta
	_, hasChange := event.TargetChanges[1]
	assert.Equal(t, false, hasChange)

	// the reset is consumed by the drain
	second := aggregator.Drain(NewTimestamp(1700000002, 0))
	assert.Equal(t, 0, len(second.TargetResets))
}

func TestAggregatorTargetReset(t *testing.T) {
	targets := newStaticTargets(1)
	aggregator := NewWatchChangeAggregator(targets)

	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{1},
		Key:              "cities/sf",
		Document: &Document{
			Key:     "cities/sf",
			Version: NewTimestamp(1700000000, 0),
			Fields:  map[string]Value{},
		},
	})
	err := aggregator.HandleTargetChange(&WatchTargetChange{
		State:     TargetReset,
		TargetIds: []int32{1},
	})
	assert.Equal(t, nil, err)

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	assert.Equal(t, map[int32]struct{}{1: {}}, event.TargetResets)
	_, hasChange := event.TargetChanges[1]
	assert.Equal(t, false, hasChange)
}

func TestAggregatorRemoveForgetsTarget(t *testing.T) {
	targets := newStaticTargets(1)
	aggregator := NewWatchChangeAggregator(targets)

	err := aggregator.HandleTargetChange(&WatchTargetChange{
		State:     TargetCurrent,
		TargetIds: []int32{1},
	})
	assert.Equal(t, nil, err)
	aggregator.RemoveTarget(1)

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	assert.Equal(t, 0, len(event.TargetChanges))
}

func TestAggregatorRejectsCauseBearingChange(t *testing.T) {
	aggregator := NewWatchChangeAggregator(newStaticTargets(1))
	err := aggregator.HandleTargetChange(&WatchTargetChange{
		State:     TargetRemove,
		TargetIds: []int32{1},
		Cause:     NewStatusError(CodePermissionDenied, "denied"),
	})
	assert.Equal(t, CodeInternal, ErrorCode(err))
}

func TestAggregatorIgnoresInactiveTargets(t *testing.T) {
	targets := newStaticTargets(1)
	targets.active[1] = false
	aggregator := NewWatchChangeAggregator(targets)

	aggregator.HandleDocumentChange(&WatchDocumentChange{
		UpdatedTargetIds: []int32{1},
		Key:              "cities/sf",
		Document: &Document{
			Key:     "cities/sf",
			Version: NewTimestamp(1700000000, 0),
			Fields:  map[string]Value{},
		},
	})
	aggregator.HandleExistenceFilter(&WatchExistenceFilter{TargetId: 1, Count: 1})

	event := aggregator.Drain(NewTimestamp(1700000001, 0))
	assert.Equal(t, 0, len(event.TargetChanges))
	assert.Equal(t, 0, len(event.TargetResets))
}
