package remote

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestValueRoundTrip(t *testing.T) {
	values := []Value{
		nil,
		true,
		false,
		int64(0),
		int64(42),
		int64(-9007199254740993),
		3.5,
		"",
		"salt lake city",
		[]byte{0x01, 0x02, 0x03},
		NewTimestamp(1700000000, 123456789),
		RequireDocumentKey("cities/sf"),
		GeoPoint{Latitude: 37.7749, Longitude: -122.4194},
		[]Value{int64(1), "two", nil},
		map[string]Value{
			"name":       "sf",
			"population": int64(815201),
			"tags":       []Value{"bay", "fog"},
			"location": map[string]Value{
				"state": "CA",
			},
		},
	}

	for _, value := range values {
		encoded, err := EncodeValue(value)
		assert.Equal(t, nil, err)
		encodedBytes, err := json.Marshal(encoded)
		assert.Equal(t, nil, err)
		decoded, err := DecodeValue(encodedBytes)
		assert.Equal(t, nil, err)
		assert.Equal(t, value, decoded)
	}
}

func TestIntegerEncodedAsDecimalString(t *testing.T) {
	encoded, err := EncodeValue(int64(1 << 60))
	assert.Equal(t, nil, err)
	assert.Equal(t, "1152921504606846976", encoded["integerValue"])
}

func TestTimestampRoundTripNanosecondPrecision(t *testing.T) {
	timestamps := []Timestamp{
		NewTimestamp(0, 0),
		NewTimestamp(1, 1),
		NewTimestamp(1700000000, 999999999),
		TimestampFromTime(time.Date(2031, 7, 14, 3, 4, 5, 678901234, time.UTC)),
	}
	for _, timestamp := range timestamps {
		decoded, err := DecodeTimestamp(EncodeTimestamp(timestamp))
		assert.Equal(t, nil, err)
		assert.Equal(t, timestamp, decoded)
	}
}

func TestTimestampNormalization(t *testing.T) {
	assert.Equal(t, NewTimestamp(2, 0), NewTimestamp(1, 1e9))
	assert.Equal(t, NewTimestamp(0, 999999999), NewTimestamp(1, -1))
	assert.Equal(t, -1, NewTimestamp(1, 0).Compare(NewTimestamp(1, 1)))
	assert.Equal(t, 1, NewTimestamp(2, 0).Compare(NewTimestamp(1, 999999999)))
}

func TestDecodeMalformedValue(t *testing.T) {
	malformed := []string{
		`"plain"`,
		`{}`,
		`{"integerValue": "not a number"}`,
		`{"integerValue": "1", "stringValue": "two"}`,
		`{"unknownValue": 1}`,
		`{"timestampValue": "not a time"}`,
	}
	for _, payload := range malformed {
		_, err := DecodeValue(json.RawMessage(payload))
		assert.NotEqual(t, nil, err)
		assert.Equal(t, CodeInternal, ErrorCode(err))
	}
}

func TestEncodeStructuredQuery(t *testing.T) {
	query := NewCollectionQuery("cities")
	query.Filters = []Filter{
		{FieldPath: "state", Op: FilterEqual, Value: "CA"},
	}
	query.OrderBy = []Order{
		{FieldPath: "population", Direction: DirectionDescending},
	}
	query.Limit = 10

	structured, err := EncodeStructuredQuery(query)
	assert.Equal(t, nil, err)

	from := structured["from"].([]any)
	assert.Equal(t, 1, len(from))
	assert.Equal(t, "cities", from[0].(map[string]any)["collectionId"])

	// one filter stays a bare field filter
	where := structured["where"].(map[string]any)
	fieldFilter := where["fieldFilter"].(map[string]any)
	assert.Equal(t, "EQUAL", fieldFilter["op"])

	// two filters compose under AND
	query.Filters = append(query.Filters, Filter{FieldPath: "population", Op: FilterGreaterThan, Value: int64(1000)})
	structured, err = EncodeStructuredQuery(query)
	assert.Equal(t, nil, err)
	where = structured["where"].(map[string]any)
	composite := where["compositeFilter"].(map[string]any)
	assert.Equal(t, "AND", composite["op"])
	assert.Equal(t, 2, len(composite["filters"].([]any)))
}

func TestEncodeListenRequest(t *testing.T) {
	codec := NewCodec("projects/p/databases/d")

	target := NewQueryTarget(1, NewCollectionQuery("cities"))
	target.ResumeToken = []byte{0xaa, 0xbb}
	target.Labels = map[string]string{"channel": "primary"}

	request, err := codec.EncodeListenRequest(target)
	assert.Equal(t, nil, err)

	var decoded map[string]any
	assert.Equal(t, nil, json.Unmarshal(request, &decoded))
	assert.Equal(t, "projects/p/databases/d", decoded["database"])
	addTarget := decoded["addTarget"].(map[string]any)
	assert.Equal(t, float64(1), addTarget["targetId"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0xaa, 0xbb}), addTarget["resumeToken"])
	queryTarget := addTarget["query"].(map[string]any)
	assert.Equal(t, "projects/p/databases/d/documents", queryTarget["parent"])
	labels := decoded["labels"].(map[string]any)
	assert.Equal(t, "primary", labels["channel"])

	unlisten, err := codec.EncodeUnlistenRequest(1)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, json.Unmarshal(unlisten, &decoded))
	assert.Equal(t, float64(1), decoded["removeTarget"])
}

func TestEncodeDocumentsTarget(t *testing.T) {
	codec := NewCodec("projects/p/databases/d")

	target := NewDocumentsTarget(7, RequireDocumentKey("cities/sf"), RequireDocumentKey("cities/la"))
	request, err := codec.EncodeListenRequest(target)
	assert.Equal(t, nil, err)

	var decoded map[string]any
	assert.Equal(t, nil, json.Unmarshal(request, &decoded))
	addTarget := decoded["addTarget"].(map[string]any)
	documents := addTarget["documents"].(map[string]any)["documents"].([]any)
	assert.Equal(t, 2, len(documents))
	assert.Equal(t, "projects/p/databases/d/documents/cities/sf", documents[0])
}

func TestDecodeWatchChanges(t *testing.T) {
	codec := NewCodec("projects/p/databases/d")

	change, err := codec.DecodeWatchChange([]byte(`{
		"targetChange": {
			"targetChangeType": "CURRENT",
			"targetIds": [1, 2],
			"resumeToken": "AQID",
			"readTime": "2031-07-14T03:04:05.678901234Z"
		}
	}`))
	assert.Equal(t, nil, err)
	targetChange := change.(*WatchTargetChange)
	assert.Equal(t, TargetCurrent, targetChange.State)
	assert.Equal(t, []int32{1, 2}, targetChange.TargetIds)
	assert.Equal(t, []byte{1, 2, 3}, targetChange.ResumeToken)
	assert.Equal(t, false, targetChange.ReadTime.IsZero())

	change, err = codec.DecodeWatchChange([]byte(`{
		"documentChange": {
			"document": {
				"name": "projects/p/databases/d/documents/cities/sf",
				"fields": {"name": {"stringValue": "sf"}},
				"updateTime": "2031-07-14T03:04:05Z"
			},
			"targetIds": [1]
		}
	}`))
	assert.Equal(t, nil, err)
	documentChange := change.(*WatchDocumentChange)
	assert.Equal(t, RequireDocumentKey("cities/sf"), documentChange.Key)
	assert.Equal(t, []int32{1}, documentChange.UpdatedTargetIds)
	assert.Equal(t, "sf", documentChange.Document.Fields["name"])

	change, err = codec.DecodeWatchChange([]byte(`{
		"documentDelete": {
			"document": "projects/p/databases/d/documents/cities/sf",
			"removedTargetIds": [1]
		}
	}`))
	assert.Equal(t, nil, err)
	documentDelete := change.(*WatchDocumentChange)
	assert.Equal(t, []int32{1}, documentDelete.RemovedTargetIds)
	if documentDelete.Document != nil {
		t.Fatal("delete must carry no document")
	}

	change, err = codec.DecodeWatchChange([]byte(`{
		"filter": {"targetId": 1, "count": 5}
	}`))
	assert.Equal(t, nil, err)
	filter := change.(*WatchExistenceFilter)
	assert.Equal(t, int32(1), filter.TargetId)
	assert.Equal(t, int32(5), filter.Count)

	change, err = codec.DecodeWatchChange([]byte(`{
		"targetChange": {
			"targetChangeType": "REMOVE",
			"targetIds": [1],
			"cause": {"code": 7, "message": "not allowed"}
		}
	}`))
	assert.Equal(t, nil, err)
	rejected := change.(*WatchTargetChange)
	assert.NotEqual(t, nil, rejected.Cause)
	assert.Equal(t, CodePermissionDenied, ErrorCode(rejected.Cause))
}

func TestDecodeMalformedWatchChange(t *testing.T) {
	codec := NewCodec("projects/p/databases/d")

	malformed := []string{
		`not json`,
		`{}`,
		`{"targetChange": {"targetChangeType": "WAT"}}`,
		`{"documentChange": {"targetIds": [1]}}`,
		`{"documentChange": {"document": {"name": "projects/other/databases/d/documents/cities/sf", "updateTime": "2031-07-14T03:04:05Z"}, "targetIds": [1]}}`,
	}
	for _, payload := range malformed {
		_, err := codec.DecodeWatchChange([]byte(payload))
		assert.NotEqual(t, nil, err)
		assert.Equal(t, CodeInternal, ErrorCode(err))
	}
}

func TestEncodeWriteRequest(t *testing.T) {
	codec := NewCodec("projects/p/databases/d")

	handshake, err := codec.EncodeWriteHandshake()
	assert.Equal(t, nil, err)
	var decoded map[string]any
	assert.Equal(t, nil, json.Unmarshal(handshake, &decoded))
	assert.Equal(t, "projects/p/databases/d", decoded["database"])
	if _, ok := decoded["writes"]; ok {
		t.Fatal("handshake must carry no writes")
	}

	writes := []Write{
		NewSetWrite(RequireDocumentKey("cities/sf"), map[string]Value{"name": "sf"}),
		NewUpdateWrite(RequireDocumentKey("cities/la"), map[string]Value{"name": "la"}, []string{"name"}),
		NewDeleteWrite(RequireDocumentKey("cities/nyc")),
	}
	request, err := codec.EncodeWriteRequest([]byte{1, 2, 3}, writes)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, json.Unmarshal(request, &decoded))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), decoded["streamToken"])
	encodedWrites := decoded["writes"].([]any)
	assert.Equal(t, 3, len(encodedWrites))

	update := encodedWrites[1].(map[string]any)
	assert.Equal(t, true, update["currentDocument"].(map[string]any)["exists"])
	mask := update["updateMask"].(map[string]any)["fieldPaths"].([]any)
	assert.Equal(t, 1, len(mask))

	del := encodedWrites[2].(map[string]any)
	assert.Equal(t, "projects/p/databases/d/documents/cities/nyc", del["delete"])
}

func TestDecodeWriteResponse(t *testing.T) {
	codec := NewCodec("projects/p/databases/d")

	response, err := codec.DecodeWriteResponse([]byte(`{
		"streamToken": "AQID",
		"commitTime": "2031-07-14T03:04:05Z",
		"writeResults": [
			{"updateTime": "2031-07-14T03:04:05Z"},
			{}
		]
	}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte{1, 2, 3}, response.StreamToken)
	assert.Equal(t, 2, len(response.WriteResults))
	assert.Equal(t, true, response.WriteResults[1].UpdateTime.IsZero())

	_, err = codec.DecodeWriteResponse([]byte(`not json`))
	assert.Equal(t, CodeInternal, ErrorCode(err))
}

func TestMutationBatchResultCountMismatch(t *testing.T) {
	batch := &MutationBatch{
		BatchId: 1,
		Writes: []Write{
			NewDeleteWrite(RequireDocumentKey("cities/sf")),
		},
	}
	_, err := NewMutationBatchResult(batch, NewTimestamp(1, 0), []WriteResult{{}, {}})
	assert.Equal(t, CodeInternal, ErrorCode(err))

	result, err := NewMutationBatchResult(batch, NewTimestamp(1, 0), []WriteResult{{}})
	assert.Equal(t, nil, err)
	// a delete has no update time; the commit version stands in
	assert.Equal(t, NewTimestamp(1, 0), result.DocumentVersions[RequireDocumentKey("cities/sf")])
}
