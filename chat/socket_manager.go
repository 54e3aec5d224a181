package chat

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// connection state machine is:
// SocketStateDisconnected -> SocketStateConnecting -> SocketStateConnected
// SocketStateConnected -> SocketStateDisconnected on any transport error or close
// any -> SocketStateSessionExpired when the session token expires. A new token resumes.
type SocketState string

const (
	SocketStateDisconnected   SocketState = "disconnected"
	SocketStateConnecting     SocketState = "connecting"
	SocketStateConnected      SocketState = "connected"
	SocketStateSessionExpired SocketState = "session_expired"
)

const SocketSubprotocol = "layer-2.0"

type SocketManagerSettings struct {
	HandshakeTimeout time.Duration
	// a websocket ping is sent on this interval. The pong refreshes the liveness clock.
	PingInterval time.Duration
	WriteTimeout time.Duration
	// no data (including pongs) in this time surfaces as a read error
	ReadTimeout         time.Duration
	MaxReconnectSeconds float64
	SendBufferSize      int
}

func DefaultSocketManagerSettings() *SocketManagerSettings {
	return &SocketManagerSettings{
		HandshakeTimeout:    10 * time.Second,
		PingInterval:        15 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         60 * time.Second,
		MaxReconnectSeconds: 60,
		SendBufferSize:      32,
	}
}

type FrameFunction = func(frame *Frame)

type SocketStateFunction = func(state SocketState)

// owns one persistent websocket to the server and reconnects it with backoff
type SocketManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	// the instance id, sent as `client_id`
	clientId Id

	tokenMonitor *Monitor

	stateLock          sync.Mutex
	sessionToken       string
	state              SocketState
	send               chan []byte
	connCancel         context.CancelFunc
	lastDataFromServer time.Time
	reconnectAttempt   int

	frameCallbacks *CallbackList[FrameFunction]
	stateCallbacks *CallbackList[SocketStateFunction]

	settings *SocketManagerSettings
}

func NewSocketManagerWithDefaults(ctx context.Context, connectUrl string, clientId Id) *SocketManager {
	return NewSocketManager(ctx, connectUrl, clientId, DefaultSocketManagerSettings())
}

func NewSocketManager(ctx context.Context, connectUrl string, clientId Id, settings *SocketManagerSettings) *SocketManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	socketManager := &SocketManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		connectUrl:     connectUrl,
		clientId:       clientId,
		tokenMonitor:   NewMonitor(),
		state:          SocketStateDisconnected,
		frameCallbacks: NewCallbackList[FrameFunction](),
		stateCallbacks: NewCallbackList[SocketStateFunction](),
		settings:       settings,
	}
	go socketManager.run()
	return socketManager
}

// sets the session token and connects. A new token replaces the current connection.
func (self *SocketManager) Connect(sessionToken string) {
	var connCancel context.CancelFunc
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.sessionToken != sessionToken {
			self.sessionToken = sessionToken
			self.reconnectAttempt = 0
			connCancel = self.connCancel
		}
	}()
	if connCancel != nil {
		connCancel()
	}
	self.tokenMonitor.NotifyAll()
}

// closes the current connection. The run loop connects again immediately.
func (self *SocketManager) Reconnect() {
	var connCancel context.CancelFunc
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		connCancel = self.connCancel
		self.reconnectAttempt = 0
	}()
	glog.Infof("[ws]reconnect\n")
	if connCancel != nil {
		connCancel()
	}
	self.tokenMonitor.NotifyAll()
}

func (self *SocketManager) AddFrameCallback(frameCallback FrameFunction) func() {
	callbackId := self.frameCallbacks.Add(frameCallback)
	return func() {
		self.frameCallbacks.Remove(callbackId)
	}
}

func (self *SocketManager) AddStateCallback(stateCallback SocketStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *SocketManager) State() SocketState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *SocketManager) IsOpen() bool {
	return self.State() == SocketStateConnected
}

// the liveness clock. Updated on every inbound frame and pong.
func (self *SocketManager) LastDataFromServer() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastDataFromServer
}

func (self *SocketManager) SessionToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionToken
}

// fails fast if not connected
func (self *SocketManager) Send(message []byte) error {
	var send chan []byte
	var state SocketState
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		state = self.state
		if state == SocketStateConnected {
			send = self.send
		}
	}()
	if send == nil {
		if state == SocketStateSessionExpired {
			return fmt.Errorf("%w: %w", ErrNotConnected, ErrSessionExpired)
		}
		return ErrNotConnected
	}
	select {
	case <-self.ctx.Done():
		return ErrClosed
	case send <- message:
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("Send timeout.")
	}
}

func (self *SocketManager) SendFrame(frameType FrameType, body map[string]any) error {
	message, err := EncodeFrame(frameType, body)
	if err != nil {
		return err
	}
	return self.Send(message)
}

func (self *SocketManager) Close() {
	self.cancel()
}

func (self *SocketManager) setState(state SocketState) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.state != state {
			self.state = state
			changed = true
		}
	}()
	if changed {
		glog.V(1).Infof("[ws]state %s\n", state)
		for _, stateCallback := range self.stateCallbacks.Get() {
			HandleError(func() {
				stateCallback(state)
			})
		}
	}
}

func (self *SocketManager) touch() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.lastDataFromServer = time.Now()
}

func (self *SocketManager) nextReconnectDelay() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delay := BackoffDuration(self.settings.MaxReconnectSeconds, self.reconnectAttempt)
	self.reconnectAttempt += 1
	return delay
}

func (self *SocketManager) run() {
	defer func() {
		self.cancel()
		self.setState(SocketStateDisconnected)
	}()

	for {
		notify := self.tokenMonitor.NotifyChannel()
		sessionToken := self.SessionToken()

		if sessionToken == "" {
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
				continue
			}
		}

		if sessionJwt, err := ParseSessionJwtUnverified(sessionToken); err == nil && sessionJwt.IsExpired(time.Now()) {
			glog.Infof("[ws]session expired\n")
			self.setState(SocketStateSessionExpired)
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
				continue
			}
		}

		self.setState(SocketStateConnecting)
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError("[ws]connect", func() (*websocket.Conn, error) {
				return self.dial(sessionToken)
			})
		} else {
			ws, err = self.dial(sessionToken)
		}
		if err != nil {
			glog.Infof("[ws]connect error = %s\n", err)
			self.setState(SocketStateDisconnected)
			select {
			case <-self.ctx.Done():
				return
			case <-notify:
			case <-time.After(self.nextReconnectDelay()):
			}
			continue
		}

		if glog.V(2) {
			Trace("[ws]connect run", func() {
				self.handle(ws)
			})
		} else {
			self.handle(ws)
		}
		self.setState(SocketStateDisconnected)

		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		case <-time.After(self.nextReconnectDelay()):
		}
	}
}

func (self *SocketManager) dial(sessionToken string) (*websocket.Conn, error) {
	u, err := url.Parse(self.connectUrl)
	if err != nil {
		return nil, err
	}
	query := u.Query()
	query.Set("session_token", sessionToken)
	query.Set("client_id", self.clientId.String())
	u.RawQuery = query.Encode()

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
		Subprotocols:     []string{SocketSubprotocol},
	}
	ws, _, err := dialer.DialContext(self.ctx, u.String(), nil)
	return ws, err
}

// blocks until the connection ends
func (self *SocketManager) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	send := make(chan []byte, self.settings.SendBufferSize)

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.send = send
		self.connCancel = handleCancel
		self.reconnectAttempt = 0
		self.lastDataFromServer = time.Now()
	}()
	defer func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.send = nil
		self.connCancel = nil
	}()

	ws.SetPongHandler(func(string) error {
		self.touch()
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		self.touch()
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(self.settings.WriteTimeout))
	})

	go func() {
		defer handleCancel()

		pingTicker := time.NewTicker(self.settings.PingInterval)
		defer pingTicker.Stop()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ws]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ws]->\n")
			case <-pingTicker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					glog.Infof("[ws]ping error = %s\n", err)
					return
				}
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[ws]<- error = %s\n", err)
				return
			}
			self.touch()

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				frame, err := DecodeFrame(message)
				if err != nil {
					glog.Infof("[ws]drop <- error = %s\n", err)
					continue
				}
				glog.V(2).Infof("[ws]<- %s\n", frame.Type)
				for _, frameCallback := range self.frameCallbacks.Get() {
					HandleError(func() {
						frameCallback(frame)
					})
				}
			default:
				glog.V(2).Infof("[ws]other=%d <-\n", messageType)
			}
		}
	}()

	self.setState(SocketStateConnected)

	select {
	case <-handleCtx.Done():
	}
}
