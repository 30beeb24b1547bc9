package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type recordingWriteDelegate struct {
	handshakes chan struct{}
	responses  chan *WriteResponse
	tokens     chan []byte
	closes     chan error
}

func newRecordingWriteDelegate() *recordingWriteDelegate {
	return &recordingWriteDelegate{
		handshakes: make(chan struct{}, 16),
		responses:  make(chan *WriteResponse, 16),
		tokens:     make(chan []byte, 16),
		closes:     make(chan error, 16),
	}
}

func (self *recordingWriteDelegate) OnHandshakeComplete() {
	self.handshakes <- struct{}{}
}

func (self *recordingWriteDelegate) OnWriteResponse(response *WriteResponse) error {
	self.responses <- response
	return nil
}

func (self *recordingWriteDelegate) OnStreamTokenChange(token []byte) {
	self.tokens <- token
}

func (self *recordingWriteDelegate) OnWriteStreamClose(err error) {
	self.closes <- err
}

func handshakeAck(t *testing.T, token []byte) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"streamToken": base64.StdEncoding.EncodeToString(token),
	})
	assert.Equal(t, nil, err)
	return payload
}

func TestWriteStreamRejectsWriteBeforeHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := NewCodec("projects/p/databases/d")
	delegate := newRecordingWriteDelegate()
	writeStream := NewWriteStream(codec, delegate)

	writes := []Write{NewSetWrite("cities/sf", map[string]Value{"name": "SF"})}

	// no stream at all
	err := writeStream.Write(writes)
	assert.Equal(t, CodeInternal, ErrorCode(err))

	stream, server := openTestStream(t, ctx)
	assert.Equal(t, nil, writeStream.OnStreamOpen(stream, &StreamCredentials{}))

	// open sends the handshake: the database name and no writes
	_, handshake := server.nextDataFrame(t)
	assert.Equal(t, "projects/p/databases/d", handshake["database"])
	_, hasWrites := handshake["writes"]
	assert.Equal(t, false, hasWrites)

	// handshake pending: still a programming error, nothing on the wire
	err = writeStream.Write(writes)
	assert.Equal(t, CodeInternal, ErrorCode(err))
	server.expectNoFrame(t, 50*time.Millisecond)
}

func TestWriteStreamTokenFlow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := NewCodec("projects/p/databases/d")
	delegate := newRecordingWriteDelegate()
	writeStream := NewWriteStream(codec, delegate)

	stream, server := openTestStream(t, ctx)
	assert.Equal(t, nil, writeStream.OnStreamOpen(stream, &StreamCredentials{}))
	server.nextDataFrame(t)

	// the first inbound message is the handshake acknowledgement
	assert.Equal(t, nil, writeStream.OnStreamMessage(handshakeAck(t, []byte{1, 2, 3})))
	receive(t, delegate.handshakes, "handshake")
	assert.Equal(t, []byte{1, 2, 3}, receive(t, delegate.tokens, "token"))
	assert.Equal(t, true, writeStream.HandshakeComplete())

	// the next write carries the acknowledged token
	writes := []Write{NewSetWrite("cities/sf", map[string]Value{"name": "SF"})}
	assert.Equal(t, nil, writeStream.Write(writes))
	_, request := server.nextDataFrame(t)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), request["streamToken"])
	assert.Equal(t, 1, len(request["writes"].([]any)))

	// a later response refreshes the token and reaches the delegate
	response, err := json.Marshal(map[string]any{
		"streamToken": base64.StdEncoding.EncodeToString([]byte{4, 5}),
		"commitTime":  "2025-03-01T10:00:00.000000001Z",
		"writeResults": []map[string]any{
			{"updateTime": "2025-03-01T10:00:00.000000001Z"},
		},
	})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, writeStream.OnStreamMessage(response))
	assert.Equal(t, []byte{4, 5}, receive(t, delegate.tokens, "refreshed token"))
	writeResponse := receive(t, delegate.responses, "write response")
	assert.Equal(t, 1, len(writeResponse.WriteResults))
	assert.Equal(t, []byte{4, 5}, writeStream.StreamToken())
}

func TestWriteStreamTokenSurvivesReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	codec := NewCodec("projects/p/databases/d")
	delegate := newRecordingWriteDelegate()
	writeStream := NewWriteStream(codec, delegate)

	stream, server := openTestStream(t, ctx)
	assert.Equal(t, nil, writeStream.OnStreamOpen(stream, &StreamCredentials{}))
	server.nextDataFrame(t)
	assert.Equal(t, nil, writeStream.OnStreamMessage(handshakeAck(t, []byte{7})))
	receive(t, delegate.handshakes, "handshake")
	receive(t, delegate.tokens, "token")

	writeStream.OnStreamClose(NewStatusError(CodeUnavailable, "lost"))
	receive(t, delegate.closes, "close")

	// the token survives, the handshake does not
	assert.Equal(t, []byte{7}, writeStream.StreamToken())
	assert.Equal(t, false, writeStream.HandshakeComplete())
	err := writeStream.Write([]Write{NewDeleteWrite("cities/sf")})
	assert.Equal(t, CodeInternal, ErrorCode(err))

	stream2, server2 := openTestStream(t, ctx)
	assert.Equal(t, nil, writeStream.OnStreamOpen(stream2, &StreamCredentials{}))
	_, handshake := server2.nextDataFrame(t)
	assert.Equal(t, "projects/p/databases/d", handshake["database"])
}
