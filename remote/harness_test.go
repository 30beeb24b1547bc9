package remote

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

func fastBackoffSettings() *BackoffSettings {
	return &BackoffSettings{
		InitialDelay: 5 * time.Millisecond,
		Multiplier:   1.5,
		MaxDelay:     50 * time.Millisecond,
	}
}

// testServer drives the server side of a pipe transport: it reads raw
// frames off the transport and answers with hand-crafted payloads.
type testServer struct {
	transport *PipeTransport
	frames    chan *Frame
}

func newTestServer(ctx context.Context, transport *PipeTransport) *testServer {
	server := &testServer{
		transport: transport,
		frames:    make(chan *Frame, 64),
	}
	go func() {
		for {
			frame, err := transport.NextFrame()
			if err != nil {
				close(server.frames)
				return
			}
			select {
			case <-ctx.Done():
				return
			case server.frames <- frame:
			}
		}
	}()
	return server
}

func (self *testServer) nextFrame(t *testing.T) *Frame {
	t.Helper()
	select {
	case frame, ok := <-self.frames:
		if !ok {
			t.Fatal("server transport closed")
		}
		return frame
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

// nextDataFrame skips open frames and returns the next data frame decoded
// as a generic JSON object.
func (self *testServer) nextDataFrame(t *testing.T) (uint32, map[string]any) {
	t.Helper()
	for {
		frame := self.nextFrame(t)
		if frame.Kind != FrameData {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			t.Fatalf("malformed data frame: %s", err)
		}
		return frame.StreamId, payload
	}
}

func (self *testServer) send(t *testing.T, streamId uint32, payload any) {
	t.Helper()
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	err = self.transport.Send(&Frame{
		StreamId: streamId,
		Kind:     FrameData,
		Payload:  payloadBytes,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// expectNoFrame asserts transport silence for the given window.
func (self *testServer) expectNoFrame(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case frame, ok := <-self.frames:
		if ok {
			t.Fatalf("unexpected frame: stream %d %s", frame.StreamId, frame.Kind)
		}
	case <-time.After(window):
	}
}

// testConnector hands out fresh pipe transports and exposes the server
// sides, so reconnects can be observed.
type testConnector struct {
	ctx     context.Context
	servers chan *testServer
}

func newTestConnector(ctx context.Context) *testConnector {
	return &testConnector{
		ctx:     ctx,
		servers: make(chan *testServer, 8),
	}
}

func (self *testConnector) connect(ctx context.Context) (Transport, error) {
	client, server := NewPipeTransport()
	self.servers <- newTestServer(self.ctx, server)
	return client, nil
}

func (self *testConnector) nextServer(t *testing.T) *testServer {
	t.Helper()
	select {
	case server := <-self.servers:
		return server
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func (self *testConnector) expectNoConnection(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case <-self.servers:
		t.Fatal("unexpected connection")
	case <-time.After(window):
	}
}

// recordingDelegate records every delegate invocation on channels.
type recordingDelegate struct {
	remoteEvents      chan *RemoteEvent
	rejectedListens   chan int32
	successfulWrites  chan *MutationBatchResult
	failedWrites      chan int64
	credentialChanges chan struct{}
	streamTokens      chan []byte
	writeResults      chan *MutationBatchResult
	targetMetadata    chan int32
	targetResets      chan int32
	limboDocuments    chan map[DocumentKey]struct{}
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		remoteEvents:      make(chan *RemoteEvent, 16),
		rejectedListens:   make(chan int32, 16),
		successfulWrites:  make(chan *MutationBatchResult, 16),
		failedWrites:      make(chan int64, 16),
		credentialChanges: make(chan struct{}, 16),
		streamTokens:      make(chan []byte, 16),
		writeResults:      make(chan *MutationBatchResult, 16),
		targetMetadata:    make(chan int32, 16),
		targetResets:      make(chan int32, 16),
		limboDocuments:    make(chan map[DocumentKey]struct{}, 16),
	}
}

func (self *recordingDelegate) HandleRemoteEvent(event *RemoteEvent) error {
	self.remoteEvents <- event
	return nil
}

func (self *recordingDelegate) HandleRejectedListen(targetId int32, cause error) {
	self.rejectedListens <- targetId
}

func (self *recordingDelegate) HandleSuccessfulWrite(result *MutationBatchResult) error {
	self.successfulWrites <- result
	return nil
}

func (self *recordingDelegate) HandleFailedWrite(batchId int64, cause error) {
	self.failedWrites <- batchId
}

func (self *recordingDelegate) HandleCredentialChange() {
	self.credentialChanges <- struct{}{}
}

func (self *recordingDelegate) NotifyStreamTokenChange(token []byte) {
	self.streamTokens <- token
}

func (self *recordingDelegate) RecordWriteResults(result *MutationBatchResult) {
	self.writeResults <- result
}

func (self *recordingDelegate) UpdateTargetMetadata(targetId int32, change *TargetChangeEvent) {
	self.targetMetadata <- targetId
}

func (self *recordingDelegate) ResetTargetMetadata(targetId int32) {
	self.targetResets <- targetId
}

func (self *recordingDelegate) RecordResolvedLimboDocuments(keys map[DocumentKey]struct{}) {
	self.limboDocuments <- keys
}

func receive[T any](t *testing.T, c chan T, what string) T {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for %s", what)
		var zero T
		return zero
	}
}

// staticTargets is a TargetMetadataProvider for aggregator tests.
type staticTargets struct {
	active map[int32]bool
	keys   map[int32]map[DocumentKey]struct{}
}

func newStaticTargets(targetIds ...int32) *staticTargets {
	targets := &staticTargets{
		active: map[int32]bool{},
		keys:   map[int32]map[DocumentKey]struct{}{},
	}
	for _, targetId := range targetIds {
		targets.active[targetId] = true
		targets.keys[targetId] = map[DocumentKey]struct{}{}
	}
	return targets
}

func (self *staticTargets) IsActiveTarget(targetId int32) bool {
	return self.active[targetId]
}

func (self *staticTargets) RemoteKeysForTarget(targetId int32) map[DocumentKey]struct{} {
	keys := map[DocumentKey]struct{}{}
	for key := range self.keys[targetId] {
		keys[key] = struct{}{}
	}
	return keys
}
