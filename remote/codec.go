package remote

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// The codec translates between the in-memory model and the JSON wire shapes
// of the listen and write protocols. Decode failures are always internal
// errors: a malformed payload means the backend and client disagree about
// the protocol, which no retry can fix.

// Codec encodes and decodes payloads for one database. The database name is
// the fully qualified resource path, e.g. "projects/p/databases/(default)".
type Codec struct {
	databaseName string
}

func NewCodec(databaseName string) *Codec {
	return &Codec{
		databaseName: databaseName,
	}
}

func (self *Codec) DatabaseName() string {
	return self.databaseName
}

// values

func EncodeTimestamp(t Timestamp) string {
	return t.Time().Format(time.RFC3339Nano)
}

func DecodeTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Timestamp{}, NewStatusError(CodeInternal, "malformed timestamp %q: %s", s, err)
	}
	return TimestampFromTime(t), nil
}

// EncodeValue encodes one value-model node into its wire shape. Integers
// are encoded as decimal strings so 64 bit precision survives JSON.
func EncodeValue(value Value) (map[string]any, error) {
	switch v := value.(type) {
	case nil:
		return map[string]any{"nullValue": nil}, nil
	case bool:
		return map[string]any{"booleanValue": v}, nil
	case int:
		return map[string]any{"integerValue": strconv.FormatInt(int64(v), 10)}, nil
	case int64:
		return map[string]any{"integerValue": strconv.FormatInt(v, 10)}, nil
	case float64:
		return map[string]any{"doubleValue": v}, nil
	case Timestamp:
		return map[string]any{"timestampValue": EncodeTimestamp(v)}, nil
	case string:
		return map[string]any{"stringValue": v}, nil
	case []byte:
		return map[string]any{"bytesValue": base64.StdEncoding.EncodeToString(v)}, nil
	case DocumentKey:
		return map[string]any{"referenceValue": string(v)}, nil
	case GeoPoint:
		return map[string]any{"geoPointValue": map[string]any{
			"latitude":  v.Latitude,
			"longitude": v.Longitude,
		}}, nil
	case []Value:
		values := []any{}
		for _, item := range v {
			encoded, err := EncodeValue(item)
			if err != nil {
				return nil, err
			}
			values = append(values, encoded)
		}
		return map[string]any{"arrayValue": map[string]any{"values": values}}, nil
	case map[string]Value:
		fields, err := encodeFields(v)
		if err != nil {
			return nil, err
		}
		return map[string]any{"mapValue": map[string]any{"fields": fields}}, nil
	default:
		return nil, NewStatusError(CodeInvalidArgument, "unsupported value type %T", value)
	}
}

func DecodeValue(raw json.RawMessage) (Value, error) {
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, NewStatusError(CodeInternal, "malformed value: %s", err)
	}
	if len(wire) != 1 {
		return nil, NewStatusError(CodeInternal, "value must have exactly one variant, has %d", len(wire))
	}
	kind := maps.Keys(wire)[0]
	payload := wire[kind]

	switch kind {
	case "nullValue":
		return nil, nil
	case "booleanValue":
		var v bool
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed booleanValue: %s", err)
		}
		return v, nil
	case "integerValue":
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed integerValue: %s", err)
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, NewStatusError(CodeInternal, "malformed integerValue %q: %s", s, err)
		}
		return v, nil
	case "doubleValue":
		var v float64
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed doubleValue: %s", err)
		}
		return v, nil
	case "timestampValue":
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed timestampValue: %s", err)
		}
		return DecodeTimestamp(s)
	case "stringValue":
		var v string
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed stringValue: %s", err)
		}
		return v, nil
	case "bytesValue":
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed bytesValue: %s", err)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, NewStatusError(CodeInternal, "malformed bytesValue: %s", err)
		}
		return b, nil
	case "referenceValue":
		var s string
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed referenceValue: %s", err)
		}
		return DocumentKey(s), nil
	case "geoPointValue":
		var v struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed geoPointValue: %s", err)
		}
		return GeoPoint{Latitude: v.Latitude, Longitude: v.Longitude}, nil
	case "arrayValue":
		var v struct {
			Values []json.RawMessage `json:"values"`
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed arrayValue: %s", err)
		}
		values := []Value{}
		for _, item := range v.Values {
			decoded, err := DecodeValue(item)
			if err != nil {
				return nil, err
			}
			values = append(values, decoded)
		}
		return values, nil
	case "mapValue":
		var v struct {
			Fields map[string]json.RawMessage `json:"fields"`
		}
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, NewStatusError(CodeInternal, "malformed mapValue: %s", err)
		}
		return decodeFields(v.Fields)
	default:
		return nil, NewStatusError(CodeInternal, "unknown value variant %q", kind)
	}
}

func encodeFields(fields map[string]Value) (map[string]any, error) {
	encoded := map[string]any{}
	for name, value := range fields {
		wire, err := EncodeValue(value)
		if err != nil {
			return nil, err
		}
		encoded[name] = wire
	}
	return encoded, nil
}

func decodeFields(fields map[string]json.RawMessage) (map[string]Value, error) {
	decoded := map[string]Value{}
	for name, raw := range fields {
		value, err := DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		decoded[name] = value
	}
	return decoded, nil
}

// document names

func (self *Codec) encodeDocumentName(key DocumentKey) string {
	return fmt.Sprintf("%s/documents/%s", self.databaseName, key)
}

func (self *Codec) decodeDocumentName(name string) (DocumentKey, error) {
	prefix := self.databaseName + "/documents/"
	if !strings.HasPrefix(name, prefix) {
		return "", NewStatusError(CodeInternal, "document name %q is not in database %q", name, self.databaseName)
	}
	return NewDocumentKey(strings.TrimPrefix(name, prefix))
}

// queries

// EncodeStructuredQuery produces the structuredQuery wire shape. Multiple
// filters are AND-composed under a compositeFilter.
func EncodeStructuredQuery(query *Query) (map[string]any, error) {
	structured := map[string]any{
		"from": []any{
			map[string]any{"collectionId": query.CollectionId},
		},
	}

	if 0 < len(query.Filters) {
		filters := []any{}
		for _, filter := range query.Filters {
			value, err := EncodeValue(filter.Value)
			if err != nil {
				return nil, err
			}
			filters = append(filters, map[string]any{
				"fieldFilter": map[string]any{
					"field": map[string]any{"fieldPath": filter.FieldPath},
					"op":    string(filter.Op),
					"value": value,
				},
			})
		}
		if len(filters) == 1 {
			structured["where"] = filters[0]
		} else {
			structured["where"] = map[string]any{
				"compositeFilter": map[string]any{
					"op":      "AND",
					"filters": filters,
				},
			}
		}
	}

	if 0 < len(query.OrderBy) {
		orders := []any{}
		for _, order := range query.OrderBy {
			orders = append(orders, map[string]any{
				"field":     map[string]any{"fieldPath": order.FieldPath},
				"direction": string(order.Direction),
			})
		}
		structured["orderBy"] = orders
	}

	if 0 < query.Limit {
		structured["limit"] = query.Limit
	}

	encodeCursor := func(cursor *Cursor) (map[string]any, error) {
		values := []any{}
		for _, value := range cursor.Values {
			encoded, err := EncodeValue(value)
			if err != nil {
				return nil, err
			}
			values = append(values, encoded)
		}
		return map[string]any{
			"values": values,
			"before": cursor.Before,
		}, nil
	}
	if query.StartAt != nil {
		cursor, err := encodeCursor(query.StartAt)
		if err != nil {
			return nil, err
		}
		structured["startAt"] = cursor
	}
	if query.EndAt != nil {
		cursor, err := encodeCursor(query.EndAt)
		if err != nil {
			return nil, err
		}
		structured["endAt"] = cursor
	}

	if 0 < len(query.Projection) {
		fields := []any{}
		for _, fieldPath := range query.Projection {
			fields = append(fields, map[string]any{"fieldPath": fieldPath})
		}
		structured["select"] = map[string]any{"fields": fields}
	}

	return structured, nil
}

// listen protocol

// EncodeListenRequest encodes an add-target request for one target.
func (self *Codec) EncodeListenRequest(target *ListenTarget) ([]byte, error) {
	addTarget := map[string]any{
		"targetId": target.TargetId,
	}
	if target.Query != nil {
		structured, err := EncodeStructuredQuery(target.Query)
		if err != nil {
			return nil, err
		}
		parent := target.Query.Parent
		if parent == "" {
			parent = self.databaseName + "/documents"
		}
		addTarget["query"] = map[string]any{
			"parent":          parent,
			"structuredQuery": structured,
		}
	} else {
		names := []any{}
		for _, key := range target.Documents {
			names = append(names, self.encodeDocumentName(key))
		}
		addTarget["documents"] = map[string]any{"documents": names}
	}
	if 0 < len(target.ResumeToken) {
		addTarget["resumeToken"] = base64.StdEncoding.EncodeToString(target.ResumeToken)
	}
	if target.Once {
		addTarget["once"] = true
	}

	request := map[string]any{
		"database":  self.databaseName,
		"addTarget": addTarget,
	}
	if 0 < len(target.Labels) {
		request["labels"] = target.Labels
	}
	return json.Marshal(request)
}

func (self *Codec) EncodeUnlistenRequest(targetId int32) ([]byte, error) {
	return json.Marshal(map[string]any{
		"database":     self.databaseName,
		"removeTarget": targetId,
	})
}

type wireTargetChange struct {
	TargetChangeType string  `json:"targetChangeType"`
	TargetIds        []int32 `json:"targetIds"`
	ResumeToken      []byte  `json:"resumeToken"`
	ReadTime         string  `json:"readTime"`
	Cause            *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"cause"`
}

type wireDocument struct {
	Name       string                     `json:"name"`
	Fields     map[string]json.RawMessage `json:"fields"`
	UpdateTime string                     `json:"updateTime"`
}

type wireWatchResponse struct {
	TargetChange   *wireTargetChange `json:"targetChange"`
	DocumentChange *struct {
		Document         *wireDocument `json:"document"`
		TargetIds        []int32       `json:"targetIds"`
		RemovedTargetIds []int32       `json:"removedTargetIds"`
	} `json:"documentChange"`
	DocumentDelete *struct {
		Document         string  `json:"document"`
		RemovedTargetIds []int32 `json:"removedTargetIds"`
		ReadTime         string  `json:"readTime"`
	} `json:"documentDelete"`
	DocumentRemove *struct {
		Document         string  `json:"document"`
		RemovedTargetIds []int32 `json:"removedTargetIds"`
		ReadTime         string  `json:"readTime"`
	} `json:"documentRemove"`
	Filter *struct {
		TargetId int32 `json:"targetId"`
		Count    int32 `json:"count"`
	} `json:"filter"`
}

func (self *Codec) decodeDocument(wire *wireDocument) (*Document, error) {
	key, err := self.decodeDocumentName(wire.Name)
	if err != nil {
		return nil, err
	}
	version, err := DecodeTimestamp(wire.UpdateTime)
	if err != nil {
		return nil, err
	}
	fields, err := decodeFields(wire.Fields)
	if err != nil {
		return nil, err
	}
	return &Document{
		Key:     key,
		Version: version,
		Fields:  fields,
	}, nil
}

// DecodeWatchChange decodes one watch response payload into exactly one
// WatchChange variant.
func (self *Codec) DecodeWatchChange(payload []byte) (WatchChange, error) {
	var wire wireWatchResponse
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, NewStatusError(CodeInternal, "malformed watch response: %s", err)
	}

	switch {
	case wire.TargetChange != nil:
		change := &WatchTargetChange{
			TargetIds:   wire.TargetChange.TargetIds,
			ResumeToken: wire.TargetChange.ResumeToken,
		}
		switch wire.TargetChange.TargetChangeType {
		case "", "NO_CHANGE":
			change.State = TargetNoChange
		case "ADD":
			change.State = TargetAdd
		case "REMOVE":
			change.State = TargetRemove
		case "CURRENT":
			change.State = TargetCurrent
		case "RESET":
			change.State = TargetReset
		default:
			return nil, NewStatusError(CodeInternal, "unknown target change type %q", wire.TargetChange.TargetChangeType)
		}
		if wire.TargetChange.ReadTime != "" {
			readTime, err := DecodeTimestamp(wire.TargetChange.ReadTime)
			if err != nil {
				return nil, err
			}
			change.ReadTime = readTime
		}
		if wire.TargetChange.Cause != nil {
			change.Cause = NewStatusError(
				codeForWireStatus(wire.TargetChange.Cause.Code),
				"%s",
				wire.TargetChange.Cause.Message,
			)
		}
		return change, nil

	case wire.DocumentChange != nil:
		if wire.DocumentChange.Document == nil {
			return nil, NewStatusError(CodeInternal, "documentChange without document")
		}
		document, err := self.decodeDocument(wire.DocumentChange.Document)
		if err != nil {
			return nil, err
		}
		return &WatchDocumentChange{
			UpdatedTargetIds: wire.DocumentChange.TargetIds,
			RemovedTargetIds: wire.DocumentChange.RemovedTargetIds,
			Key:              document.Key,
			Document:         document,
		}, nil

	case wire.DocumentDelete != nil:
		key, err := self.decodeDocumentName(wire.DocumentDelete.Document)
		if err != nil {
			return nil, err
		}
		change := &WatchDocumentChange{
			RemovedTargetIds: wire.DocumentDelete.RemovedTargetIds,
			Key:              key,
		}
		if wire.DocumentDelete.ReadTime != "" {
			change.ReadTime, err = DecodeTimestamp(wire.DocumentDelete.ReadTime)
			if err != nil {
				return nil, err
			}
		}
		return change, nil

	case wire.DocumentRemove != nil:
		key, err := self.decodeDocumentName(wire.DocumentRemove.Document)
		if err != nil {
			return nil, err
		}
		change := &WatchDocumentChange{
			RemovedTargetIds: wire.DocumentRemove.RemovedTargetIds,
			Key:              key,
		}
		if wire.DocumentRemove.ReadTime != "" {
			change.ReadTime, err = DecodeTimestamp(wire.DocumentRemove.ReadTime)
			if err != nil {
				return nil, err
			}
		}
		return change, nil

	case wire.Filter != nil:
		return &WatchExistenceFilter{
			TargetId: wire.Filter.TargetId,
			Count:    wire.Filter.Count,
		}, nil

	default:
		return nil, NewStatusError(CodeInternal, "watch response has no recognized variant")
	}
}

// write protocol

func (self *Codec) encodeWrite(write Write) (map[string]any, error) {
	encodeTransforms := func(transforms []FieldTransform) ([]any, error) {
		encoded := []any{}
		for _, transform := range transforms {
			fieldTransform := map[string]any{
				"fieldPath": transform.FieldPath,
			}
			switch transform.Kind {
			case TransformServerTimestamp:
				fieldTransform["setToServerValue"] = "REQUEST_TIME"
			case TransformIncrement:
				operand, err := EncodeValue(transform.Operand)
				if err != nil {
					return nil, err
				}
				fieldTransform["increment"] = operand
			default:
				return nil, NewStatusError(CodeInvalidArgument, "unknown transform kind %d", transform.Kind)
			}
			encoded = append(encoded, fieldTransform)
		}
		return encoded, nil
	}

	switch write.Kind {
	case WriteSet, WriteUpdate:
		fields, err := encodeFields(write.Fields)
		if err != nil {
			return nil, err
		}
		encoded := map[string]any{
			"update": map[string]any{
				"name":   self.encodeDocumentName(write.Key),
				"fields": fields,
			},
		}
		if write.Kind == WriteUpdate {
			if len(write.FieldMask) == 0 {
				return nil, NewStatusError(CodeInvalidArgument, "update write requires field paths")
			}
			encoded["updateMask"] = map[string]any{"fieldPaths": write.FieldMask}
			encoded["currentDocument"] = map[string]any{"exists": true}
		} else if 0 < len(write.FieldMask) {
			encoded["updateMask"] = map[string]any{"fieldPaths": write.FieldMask}
		}
		if 0 < len(write.Transforms) {
			transforms, err := encodeTransforms(write.Transforms)
			if err != nil {
				return nil, err
			}
			encoded["updateTransforms"] = transforms
		}
		return encoded, nil
	case WriteDelete:
		return map[string]any{
			"delete": self.encodeDocumentName(write.Key),
		}, nil
	default:
		return nil, NewStatusError(CodeInvalidArgument, "unknown write kind %d", write.Kind)
	}
}

// EncodeWriteHandshake encodes the first request of a write stream: the
// database name only, no writes.
func (self *Codec) EncodeWriteHandshake() ([]byte, error) {
	return json.Marshal(map[string]any{
		"database": self.databaseName,
	})
}

func (self *Codec) EncodeWriteRequest(streamToken []byte, writes []Write) ([]byte, error) {
	encodedWrites := []any{}
	for _, write := range writes {
		encoded, err := self.encodeWrite(write)
		if err != nil {
			return nil, err
		}
		encodedWrites = append(encodedWrites, encoded)
	}
	return json.Marshal(map[string]any{
		"database":    self.databaseName,
		"streamToken": base64.StdEncoding.EncodeToString(streamToken),
		"writes":      encodedWrites,
	})
}

type WriteResponse struct {
	StreamToken   []byte
	CommitVersion Timestamp
	WriteResults  []WriteResult
}

func (self *Codec) DecodeWriteResponse(payload []byte) (*WriteResponse, error) {
	var wire struct {
		StreamToken  []byte `json:"streamToken"`
		CommitTime   string `json:"commitTime"`
		WriteResults []struct {
			UpdateTime       string            `json:"updateTime"`
			TransformResults []json.RawMessage `json:"transformResults"`
		} `json:"writeResults"`
	}
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, NewStatusError(CodeInternal, "malformed write response: %s", err)
	}

	response := &WriteResponse{
		StreamToken: wire.StreamToken,
	}
	if wire.CommitTime != "" {
		commitVersion, err := DecodeTimestamp(wire.CommitTime)
		if err != nil {
			return nil, err
		}
		response.CommitVersion = commitVersion
	}
	for _, wireResult := range wire.WriteResults {
		result := WriteResult{}
		if wireResult.UpdateTime != "" {
			updateTime, err := DecodeTimestamp(wireResult.UpdateTime)
			if err != nil {
				return nil, err
			}
			result.UpdateTime = updateTime
		}
		for _, raw := range wireResult.TransformResults {
			value, err := DecodeValue(raw)
			if err != nil {
				return nil, err
			}
			result.TransformResults = append(result.TransformResults, value)
		}
		response.WriteResults = append(response.WriteResults, result)
	}
	return response, nil
}

// stream metadata

// EncodeStreamMetadata encodes the credential envelope carried on the open
// frame of every logical stream. Credentials are fetched fresh per stream
// open and never reused across reconnects.
func EncodeStreamMetadata(credentials *StreamCredentials) ([]byte, error) {
	metadata := map[string]any{}
	if credentials.AuthToken != "" {
		metadata["authorization"] = "Bearer " + credentials.AuthToken
	}
	if credentials.AppCheckToken != "" {
		metadata["appCheck"] = credentials.AppCheckToken
	}
	if credentials.HeartbeatHeader != "" {
		metadata["clientHeartbeat"] = credentials.HeartbeatHeader
	}
	return json.Marshal(metadata)
}

// sortedTargetIds is a stable iteration helper for registries keyed by
// target id. Replay order does not matter to the backend, but deterministic
// order keeps logs and tests sane.
func sortedTargetIds[V any](targets map[int32]V) []int32 {
	targetIds := maps.Keys(targets)
	slices.Sort(targetIds)
	return targetIds
}
