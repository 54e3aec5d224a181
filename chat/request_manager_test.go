package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testSentFrame struct {
	frameType FrameType
	body      map[string]any
}

type testRequestSocket struct {
	open       atomic.Bool
	reconnects atomic.Int32

	stateLock          sync.Mutex
	frames             []*testSentFrame
	lastDataFromServer time.Time
	sendErr            error
}

func newTestRequestSocket() *testRequestSocket {
	socket := &testRequestSocket{
		lastDataFromServer: time.Now(),
	}
	socket.open.Store(true)
	return socket
}

func (self *testRequestSocket) IsOpen() bool {
	return self.open.Load()
}

func (self *testRequestSocket) SendFrame(frameType FrameType, body map[string]any) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sendErr != nil {
		return self.sendErr
	}
	self.frames = append(self.frames, &testSentFrame{
		frameType: frameType,
		body:      body,
	})
	return nil
}

func (self *testRequestSocket) LastDataFromServer() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastDataFromServer
}

func (self *testRequestSocket) SetLastDataFromServer(lastDataFromServer time.Time) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastDataFromServer = lastDataFromServer
}

func (self *testRequestSocket) Reconnect() {
	self.reconnects.Add(1)
}

func (self *testRequestSocket) Frames() []*testSentFrame {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*testSentFrame{}, self.frames...)
}

func testRequestManagerSettings() *RequestManagerSettings {
	settings := DefaultRequestManagerSettings()
	// sweeps are driven by the tests
	settings.CleanupInterval = time.Hour
	return settings
}

func testResponseFrame(t *testing.T, body map[string]any) *Frame {
	frameBytes, err := EncodeFrame(FrameTypeResponse, body)
	assert.Equal(t, err, nil)
	frame, err := DecodeFrame(frameBytes)
	assert.Equal(t, err, nil)
	return frame
}

type testResults struct {
	stateLock sync.Mutex
	results   []*RequestResult
}

func (self *testResults) Callback() RequestCallback {
	return func(result *RequestResult) {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.results = append(self.results, result)
	}
}

func (self *testResults) Results() []*RequestResult {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]*RequestResult{}, self.results...)
}

func TestRequestRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := newTestRequestSocket()
	requestManager := NewRequestManager(ctx, socket, testRequestManagerSettings())
	defer requestManager.Close()

	results := &testResults{}
	requestId := requestManager.SendRequest(
		"Conversation.mark_all_read",
		map[string]any{"position": 4},
		false,
		results.Callback(),
	)
	assert.NotEqual(t, requestId, Id{})
	assert.Equal(t, requestManager.PendingCount(), 1)

	frames := socket.Frames()
	assert.Equal(t, len(frames), 1)
	assert.Equal(t, frames[0].frameType, FrameTypeRequest)
	assert.Equal(t, frames[0].body["request_id"], requestId.String())
	assert.Equal(t, frames[0].body["method"], "Conversation.mark_all_read")

	// unmatched responses are ignored
	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": NewId().String(),
		"success":    true,
	}))
	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": "nope",
		"success":    true,
	}))
	assert.Equal(t, len(results.Results()), 0)
	assert.Equal(t, requestManager.PendingCount(), 1)

	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": requestId.String(),
		"success":    true,
		"data":       map[string]any{"position": 4},
	}))
	assert.Equal(t, len(results.Results()), 1)
	result := results.Results()[0]
	assert.Equal(t, result.Success, true)
	assert.Equal(t, result.Data, map[string]any{"position": float64(4)})
	assert.Equal(t, result.FullData["type"], "response")
	assert.Equal(t, requestManager.PendingCount(), 0)

	// a repeated response is unmatched
	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": requestId.String(),
		"success":    true,
	}))
	assert.Equal(t, len(results.Results()), 1)
}

func TestRequestFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := newTestRequestSocket()
	requestManager := NewRequestManager(ctx, socket, testRequestManagerSettings())
	defer requestManager.Close()

	results := &testResults{}
	requestId := requestManager.SendRequest("Message.create", nil, false, results.Callback())
	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": requestId.String(),
		"success":    false,
		"data": map[string]any{
			"id":      ServerErrorIdNotFound,
			"code":    102,
			"message": "The conversation was not found.",
		},
	}))

	assert.Equal(t, len(results.Results()), 1)
	result := results.Results()[0]
	assert.Equal(t, result.Success, false)
	var serverError *ServerError
	assert.Equal(t, errors.As(result.Err, &serverError), true)
	assert.Equal(t, serverError.Code, 102)
	assert.Equal(t, serverError.IsNotFound(), true)
}

func TestRequestNotConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := newTestRequestSocket()
	socket.open.Store(false)
	requestManager := NewRequestManager(ctx, socket, testRequestManagerSettings())
	defer requestManager.Close()

	results := &testResults{}
	requestId := requestManager.SendRequest("Message.create", nil, false, results.Callback())
	assert.Equal(t, requestId, Id{})
	// synchronous
	assert.Equal(t, len(results.Results()), 1)
	assert.Equal(t, errors.Is(results.Results()[0].Err, ErrNotConnected), true)
	assert.Equal(t, requestManager.PendingCount(), 0)
	assert.Equal(t, len(socket.Frames()), 0)

	// a failed write is not retained
	socket.open.Store(true)
	socket.sendErr = errors.New("write")
	requestId = requestManager.SendRequest("Message.create", nil, false, results.Callback())
	assert.Equal(t, requestId, Id{})
	assert.Equal(t, len(results.Results()), 2)
	assert.Equal(t, errors.Is(results.Results()[1].Err, ErrNotConnected), true)
	assert.Equal(t, requestManager.PendingCount(), 0)
}

func TestRequestCleanupSweep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := newTestRequestSocket()
	requestManager := NewRequestManager(ctx, socket, testRequestManagerSettings())
	defer requestManager.Close()

	now := time.Now()
	ages := []time.Duration{0, time.Hour, time.Hour, 0}
	results := make([]*testResults, len(ages))
	requestIds := make([]Id, len(ages))
	for i := range ages {
		results[i] = &testResults{}
		requestIds[i] = requestManager.SendRequest("Event.replay", nil, false, results[i].Callback())
	}
	func() {
		requestManager.stateLock.Lock()
		defer requestManager.stateLock.Unlock()
		for i, age := range ages {
			requestManager.requests[requestIds[i]].createdAt = now.Add(-age)
		}
	}()

	socket.SetLastDataFromServer(now)
	requestManager.cleanupSweep(now)

	assert.Equal(t, requestManager.PendingCount(), 2)
	for i, age := range ages {
		if age == 0 {
			assert.Equal(t, len(results[i].Results()), 0)
		} else {
			assert.Equal(t, len(results[i].Results()), 1)
			assert.Equal(t, errors.Is(results[i].Results()[0].Err, ErrRequestTimeout), true)
		}
	}
	assert.Equal(t, int(socket.reconnects.Load()), 0)

	// no data from the server: reconnect, and keep the requests
	socket.SetLastDataFromServer(now.Add(-time.Hour))
	requestManager.cleanupSweep(now.Add(time.Hour))
	assert.Equal(t, int(socket.reconnects.Load()), 1)
	assert.Equal(t, requestManager.PendingCount(), 2)
	assert.Equal(t, len(results[0].Results()), 0)
}

func TestRequestCancelOperation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := newTestRequestSocket()
	requestManager := NewRequestManager(ctx, socket, testRequestManagerSettings())
	defer requestManager.Close()

	results := &testResults{}
	requestManager.SendRequest("Conversation.typing", nil, false, results.Callback())
	requestManager.SendRequest("Conversation.typing", nil, false, results.Callback())
	keepId := requestManager.SendRequest("Message.create", nil, false, results.Callback())

	assert.Equal(t, requestManager.CancelOperation("Conversation.typing"), 2)
	assert.Equal(t, requestManager.CancelOperation("Conversation.typing"), 0)
	assert.Equal(t, requestManager.PendingCount(), 1)
	assert.Equal(t, len(results.Results()), 0)

	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": keepId.String(),
		"success":    true,
	}))
	assert.Equal(t, len(results.Results()), 1)
}

func TestRequestCallbackPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := newTestRequestSocket()
	requestManager := NewRequestManager(ctx, socket, testRequestManagerSettings())
	defer requestManager.Close()

	requestId := requestManager.SendRequest("Message.create", nil, false, func(result *RequestResult) {
		panic("consumer")
	})
	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": requestId.String(),
		"success":    true,
	}))
	assert.Equal(t, requestManager.PendingCount(), 0)
}

func TestRequestBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := newTestRequestSocket()
	requestManager := NewRequestManager(ctx, socket, testRequestManagerSettings())
	defer requestManager.Close()

	results := &testResults{}
	requestId := requestManager.SendRequest("Event.replay", nil, false, results.Callback())

	// parts arrive out of order
	for _, index := range []int{2, 0} {
		requestManager.HandleResponse(testResponseFrame(t, map[string]any{
			"request_id": requestId.String(),
			"success":    true,
			"data":       []any{index * 10, index*10 + 1},
			"batch":      map[string]any{"index": index, "count": 3},
		}))
	}
	assert.Equal(t, len(results.Results()), 0)
	assert.Equal(t, requestManager.PendingCount(), 1)

	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": requestId.String(),
		"success":    true,
		"data":       []any{10, 11},
		"batch":      map[string]any{"index": 1, "count": 3},
	}))
	assert.Equal(t, len(results.Results()), 1)
	assert.Equal(t, results.Results()[0].Data, []any{
		float64(0), float64(1), float64(10), float64(11), float64(20), float64(21),
	})
	assert.Equal(t, requestManager.PendingCount(), 0)
}

func TestRequestResetOnDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socket := newTestRequestSocket()
	requestManager := NewRequestManager(ctx, socket, testRequestManagerSettings())
	defer requestManager.Close()

	results := &testResults{}
	requestId := requestManager.SendRequest("Message.create", nil, false, results.Callback())
	requestManager.HandleSocketState(SocketStateConnecting)
	assert.Equal(t, requestManager.PendingCount(), 1)

	requestManager.HandleSocketState(SocketStateDisconnected)
	assert.Equal(t, requestManager.PendingCount(), 0)

	requestManager.HandleResponse(testResponseFrame(t, map[string]any{
		"request_id": requestId.String(),
		"success":    true,
	}))
	assert.Equal(t, len(results.Results()), 0)
}
