package remote

type FilterOp string

const (
	FilterLessThan           FilterOp = "LESS_THAN"
	FilterLessThanOrEqual    FilterOp = "LESS_THAN_OR_EQUAL"
	FilterGreaterThan        FilterOp = "GREATER_THAN"
	FilterGreaterThanOrEqual FilterOp = "GREATER_THAN_OR_EQUAL"
	FilterEqual              FilterOp = "EQUAL"
	FilterNotEqual           FilterOp = "NOT_EQUAL"
	FilterArrayContains      FilterOp = "ARRAY_CONTAINS"
	FilterIn                 FilterOp = "IN"
)

type Filter struct {
	FieldPath string
	Op        FilterOp
	Value     Value
}

type Direction string

const (
	DirectionAscending  Direction = "ASCENDING"
	DirectionDescending Direction = "DESCENDING"
)

type Order struct {
	FieldPath string
	Direction Direction
}

type Cursor struct {
	Values []Value
	Before bool
}

// Query is the structured query payload of a listen target: a single
// collection scope with filters, ordering, limit, cursors, and an optional
// projection. Query evaluation itself happens on the backend; this type only
// needs to encode losslessly.
type Query struct {
	// parent resource path, e.g. the database documents root
	Parent       string
	CollectionId string
	Filters      []Filter
	OrderBy      []Order
	// 0 means no limit
	Limit      int32
	StartAt    *Cursor
	EndAt      *Cursor
	Projection []string
}

func NewCollectionQuery(collectionId string) *Query {
	return &Query{
		CollectionId: collectionId,
	}
}

// ListenTarget is one server-side subscription, identified by a
// caller-chosen target id that is unique while the target is active.
// Exactly one of Query or Documents is set. ResumeToken is updated in place
// as the backend acknowledges progress, so a reconnect resumes from the
// latest acknowledged point.
type ListenTarget struct {
	TargetId  int32
	Query     *Query
	Documents []DocumentKey
	// opaque backend-issued marker, empty until the first acknowledgement
	ResumeToken []byte
	Labels      map[string]string
	// server removes the target after the first complete snapshot
	Once bool
}

func NewQueryTarget(targetId int32, query *Query) *ListenTarget {
	return &ListenTarget{
		TargetId: targetId,
		Query:    query,
	}
}

func NewDocumentsTarget(targetId int32, keys ...DocumentKey) *ListenTarget {
	return &ListenTarget{
		TargetId:  targetId,
		Documents: keys,
	}
}
