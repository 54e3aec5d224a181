package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type RequestResult struct {
	Success bool
	// the response `data`. For a batched response, the concatenated parts.
	Data any
	// the full response frame
	FullData map[string]any
	Err      error
}

type RequestCallback = func(result *RequestResult)

// the socket surface the request manager needs
type RequestSocket interface {
	IsOpen() bool
	SendFrame(frameType FrameType, body map[string]any) error
	LastDataFromServer() time.Time
	Reconnect()
}

type RequestManagerSettings struct {
	// a request with no response in this time is expired
	RequestTimeout  time.Duration
	CleanupInterval time.Duration
}

func DefaultRequestManagerSettings() *RequestManagerSettings {
	return &RequestManagerSettings{
		RequestTimeout:  20 * time.Second,
		CleanupInterval: 5 * time.Second,
	}
}

type pendingRequest struct {
	requestId      Id
	createdAt      time.Time
	method         string
	isChangesArray bool
	callback       RequestCallback

	// batched responses
	batchCount int
	batchParts map[int]any
}

// correlates socket requests with their responses by `request_id`
type RequestManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	socket RequestSocket

	stateLock    sync.Mutex
	requests     map[Id]*pendingRequest
	cleanupTimer *time.Timer

	settings *RequestManagerSettings
}

func NewRequestManagerWithDefaults(ctx context.Context, socket RequestSocket) *RequestManager {
	return NewRequestManager(ctx, socket, DefaultRequestManagerSettings())
}

func NewRequestManager(ctx context.Context, socket RequestSocket, settings *RequestManagerSettings) *RequestManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	requestManager := &RequestManager{
		ctx:      cancelCtx,
		cancel:   cancel,
		socket:   socket,
		requests: map[Id]*pendingRequest{},
		settings: settings,
	}
	go func() {
		select {
		case <-cancelCtx.Done():
		}
		requestManager.Reset()
	}()
	return requestManager
}

func (self *RequestManager) IsConnected() bool {
	return self.socket.IsOpen()
}

// sends `{request_id, method, data}`. If the socket is not open the callback is
// invoked synchronously with `ErrNotConnected` and nothing is retained.
// Returns the request id, or the zero id if nothing was sent.
func (self *RequestManager) SendRequest(method string, data any, isChangesArray bool, callback RequestCallback) Id {
	if !self.socket.IsOpen() {
		self.invoke(callback, &RequestResult{Err: ErrNotConnected})
		return Id{}
	}

	requestId := NewId()
	request := &pendingRequest{
		requestId:      requestId,
		createdAt:      time.Now(),
		method:         method,
		isChangesArray: isChangesArray,
		callback:       callback,
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.requests[requestId] = request
		self.scheduleCleanup()
	}()

	body := map[string]any{
		"request_id": requestId.String(),
		"method":     method,
	}
	if data != nil {
		body["data"] = data
	}
	if err := self.socket.SendFrame(FrameTypeRequest, body); err != nil {
		if self.remove(requestId) != nil {
			self.invoke(callback, &RequestResult{Err: fmt.Errorf("%w: %w", ErrNotConnected, err)})
		}
		return Id{}
	}
	glog.V(2).Infof("[rm]-> %s %s\n", method, requestId)
	return requestId
}

// removes all pending requests for the method without invoking their callbacks
func (self *RequestManager) CancelOperation(method string) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	n := 0
	for requestId, request := range self.requests {
		if request.method == method {
			delete(self.requests, requestId)
			n += 1
		}
	}
	if 0 < n {
		glog.V(1).Infof("[rm]cancel %s (%d)\n", method, n)
	}
	return n
}

// handles a `response` frame. An unmatched `request_id` is ignored.
func (self *RequestManager) HandleResponse(frame *Frame) {
	requestIdStr, _ := frame.Body["request_id"].(string)
	requestId, err := ParseId(requestIdStr)
	if err != nil {
		glog.V(1).Infof("[rm]<- unmatched request_id %q\n", requestIdStr)
		return
	}

	success, _ := frame.Body["success"].(bool)
	data := frame.Body["data"]

	var request *pendingRequest
	var complete bool
	var result *RequestResult
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		var ok bool
		request, ok = self.requests[requestId]
		if !ok {
			return
		}

		if batch, ok := frame.Body["batch"].(map[string]any); ok && success {
			index, _ := batch["index"].(float64)
			count, _ := batch["count"].(float64)
			if 1 < int(count) {
				if request.batchParts == nil {
					request.batchParts = map[int]any{}
					request.batchCount = int(count)
				}
				request.batchParts[int(index)] = data
				// progress keeps the request alive
				request.createdAt = time.Now()
				if len(request.batchParts) < request.batchCount {
					return
				}
				results := []any{}
				for i := 0; i < request.batchCount; i += 1 {
					switch v := request.batchParts[i].(type) {
					case []any:
						results = append(results, v...)
					case nil:
					default:
						results = append(results, v)
					}
				}
				data = results
			}
		}

		delete(self.requests, requestId)
		complete = true
		result = &RequestResult{
			Success:  success,
			Data:     data,
			FullData: frame.Raw,
		}
		if !success {
			errorData, _ := data.(map[string]any)
			result.Err = ServerErrorFromMap(errorData, 0)
		}
	}()

	if request == nil {
		glog.V(1).Infof("[rm]<- unmatched request_id %s\n", requestId)
		return
	}
	if !complete {
		glog.V(2).Infof("[rm]<- %s partial\n", requestId)
		return
	}
	glog.V(2).Infof("[rm]<- %s %s success=%t\n", request.method, requestId, success)
	self.invoke(request.callback, result)
}

// clears all pending requests. A new connection invalidates all outstanding request ids.
func (self *RequestManager) Reset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < len(self.requests) {
		glog.V(1).Infof("[rm]reset (%d)\n", len(self.requests))
	}
	self.requests = map[Id]*pendingRequest{}
	if self.cleanupTimer != nil {
		self.cleanupTimer.Stop()
		self.cleanupTimer = nil
	}
}

func (self *RequestManager) HandleSocketState(state SocketState) {
	switch state {
	case SocketStateConnected, SocketStateConnecting:
	case SocketStateDisconnected, SocketStateSessionExpired:
		self.Reset()
	}
}

func (self *RequestManager) PendingCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.requests)
}

func (self *RequestManager) Close() {
	self.cancel()
}

// must be called with the state lock
func (self *RequestManager) scheduleCleanup() {
	if self.cleanupTimer != nil {
		return
	}
	self.cleanupTimer = time.AfterFunc(self.settings.CleanupInterval, func() {
		self.cleanupSweep(time.Now())
	})
}

// if the socket received data recently, each expired request is failed with `ErrRequestTimeout`.
// if the socket received no data recently, the socket is reconnected and no request is failed.
func (self *RequestManager) cleanupSweep(now time.Time) {
	reconnect := false
	expired := []*pendingRequest{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		self.cleanupTimer = nil
		if len(self.requests) == 0 {
			return
		}

		if self.settings.RequestTimeout < now.Sub(self.socket.LastDataFromServer()) {
			reconnect = true
		} else {
			for requestId, request := range self.requests {
				if self.settings.RequestTimeout < now.Sub(request.createdAt) {
					delete(self.requests, requestId)
					expired = append(expired, request)
				}
			}
		}

		if 0 < len(self.requests) {
			select {
			case <-self.ctx.Done():
			default:
				self.scheduleCleanup()
			}
		}
	}()

	if reconnect {
		glog.Infof("[rm]no data from server in %s. Reconnecting.\n", self.settings.RequestTimeout)
		self.socket.Reconnect()
		return
	}
	for _, request := range expired {
		glog.Infof("[rm]timeout %s %s\n", request.method, request.requestId)
		self.invoke(request.callback, &RequestResult{Err: ErrRequestTimeout})
	}
}

func (self *RequestManager) remove(requestId Id) *pendingRequest {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	request := self.requests[requestId]
	delete(self.requests, requestId)
	return request
}

func (self *RequestManager) invoke(callback RequestCallback, result *RequestResult) {
	if callback == nil {
		return
	}
	HandleError(func() {
		callback(result)
	})
}
