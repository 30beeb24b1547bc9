package remote

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// DocumentKey is a slash-separated path identifying exactly one document.
// Paths always have an even number of segments (collection/document pairs).
// Keys order lexicographically by path, which is the total order used by
// every map and queue in this package.
type DocumentKey string

func NewDocumentKey(path string) (DocumentKey, error) {
	segments := strings.Split(path, "/")
	if len(segments) == 0 || len(segments)%2 != 0 {
		return "", NewStatusError(CodeInvalidArgument, "document path must have an even number of segments: %s", path)
	}
	for _, segment := range segments {
		if segment == "" {
			return "", NewStatusError(CodeInvalidArgument, "document path has an empty segment: %s", path)
		}
	}
	return DocumentKey(path), nil
}

func RequireDocumentKey(path string) DocumentKey {
	key, err := NewDocumentKey(path)
	if err != nil {
		panic(err)
	}
	return key
}

func (self DocumentKey) CollectionPath() string {
	i := strings.LastIndex(string(self), "/")
	return string(self)[:i]
}

func (self DocumentKey) DocumentId() string {
	i := strings.LastIndex(string(self), "/")
	return string(self)[i+1:]
}

func (self DocumentKey) Compare(other DocumentKey) int {
	return strings.Compare(string(self), string(other))
}

// Timestamp is seconds+nanos since the unix epoch, normalized so that
// nanos is in [0, 1e9).
type Timestamp struct {
	Seconds int64
	Nanos   int32
}

func NewTimestamp(seconds int64, nanos int32) Timestamp {
	for nanos < 0 {
		seconds -= 1
		nanos += 1e9
	}
	for 1e9 <= nanos {
		seconds += 1
		nanos -= 1e9
	}
	return Timestamp{
		Seconds: seconds,
		Nanos:   nanos,
	}
}

func TimestampFromTime(t time.Time) Timestamp {
	return NewTimestamp(t.Unix(), int32(t.Nanosecond()))
}

func (self Timestamp) Time() time.Time {
	return time.Unix(self.Seconds, int64(self.Nanos)).UTC()
}

func (self Timestamp) IsZero() bool {
	return self.Seconds == 0 && self.Nanos == 0
}

func (self Timestamp) Compare(other Timestamp) int {
	if self.Seconds != other.Seconds {
		if self.Seconds < other.Seconds {
			return -1
		}
		return 1
	}
	if self.Nanos != other.Nanos {
		if self.Nanos < other.Nanos {
			return -1
		}
		return 1
	}
	return 0
}

func (self Timestamp) After(other Timestamp) bool {
	return 0 < self.Compare(other)
}

func (self Timestamp) String() string {
	return self.Time().Format(time.RFC3339Nano)
}

type GeoPoint struct {
	Latitude  float64
	Longitude float64
}

// Value is one node of the document value model. The dynamic type is one of:
//
//	nil, bool, int64, float64, Timestamp, string, []byte,
//	DocumentKey (reference), GeoPoint, []Value, map[string]Value
//
// The codec rejects every other type with an invalid argument error.
type Value = any

// Document is the decoded remote state of one document at a version.
type Document struct {
	Key     DocumentKey
	Version Timestamp
	Fields  map[string]Value
}

func (self *Document) String() string {
	return fmt.Sprintf("doc[%s@%s]", self.Key, self.Version)
}
