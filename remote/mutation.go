package remote

type WriteKind int

const (
	WriteSet WriteKind = iota
	WriteUpdate
	WriteDelete
)

type TransformKind int

const (
	TransformServerTimestamp TransformKind = iota
	TransformIncrement
)

// FieldTransform is a server-side transform applied to a single field as
// part of a write.
type FieldTransform struct {
	FieldPath string
	Kind      TransformKind
	// increment operand, nil for server timestamp
	Operand Value
}

// Write is one mutation of one document. Immutable once constructed.
type Write struct {
	Kind WriteKind
	Key  DocumentKey
	// set and update payload
	Fields map[string]Value
	// for a set, the optional mask limiting which fields are written.
	// for an update, the field paths being updated (required).
	FieldMask  []string
	Transforms []FieldTransform
}

func NewSetWrite(key DocumentKey, fields map[string]Value, transforms ...FieldTransform) Write {
	return Write{
		Kind:       WriteSet,
		Key:        key,
		Fields:     fields,
		Transforms: transforms,
	}
}

func NewUpdateWrite(key DocumentKey, fields map[string]Value, fieldMask []string, transforms ...FieldTransform) Write {
	return Write{
		Kind:       WriteUpdate,
		Key:        key,
		Fields:     fields,
		FieldMask:  fieldMask,
		Transforms: transforms,
	}
}

func NewDeleteWrite(key DocumentKey) Write {
	return Write{
		Kind: WriteDelete,
		Key:  key,
	}
}

// MutationBatch is a client-ordered group of writes submitted and
// acknowledged as a unit. Batch ids increase monotonically per session.
// The mutation queue owns a batch exclusively until it is acknowledged or
// rejected, at which point it is removed and ownership moves to the
// result/error path.
type MutationBatch struct {
	BatchId        int64
	LocalWriteTime Timestamp
	// applied locally for latency compensation, never sent to the backend
	BaseWrites []Write
	Writes     []Write
}

func (self *MutationBatch) Keys() map[DocumentKey]struct{} {
	keys := map[DocumentKey]struct{}{}
	for _, write := range self.Writes {
		keys[write.Key] = struct{}{}
	}
	return keys
}

type WriteResult struct {
	UpdateTime       Timestamp
	TransformResults []Value
}

type MutationBatchResult struct {
	Batch         *MutationBatch
	CommitVersion Timestamp
	WriteResults  []WriteResult
	// resolved version per written document
	DocumentVersions map[DocumentKey]Timestamp
}

// NewMutationBatchResult pairs a batch with the backend acknowledgement.
// The result count must equal the write count; a mismatch means the backend
// acknowledged a batch the client never sent in this shape.
func NewMutationBatchResult(batch *MutationBatch, commitVersion Timestamp, writeResults []WriteResult) (*MutationBatchResult, error) {
	if len(writeResults) != len(batch.Writes) {
		return nil, NewStatusError(
			CodeInternal,
			"batch %d has %d writes but %d results",
			batch.BatchId,
			len(batch.Writes),
			len(writeResults),
		)
	}
	documentVersions := map[DocumentKey]Timestamp{}
	for i, write := range batch.Writes {
		version := writeResults[i].UpdateTime
		if version.IsZero() {
			// deletes carry no update time. The commit version stands in.
			version = commitVersion
		}
		documentVersions[write.Key] = version
	}
	return &MutationBatchResult{
		Batch:            batch,
		CommitVersion:    commitVersion,
		WriteResults:     writeResults,
		DocumentVersions: documentVersions,
	}, nil
}
