package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/golang/glog"
)

const DefaultApiUrl = "https://api.layer.com"
const DefaultConnectUrl = "wss://websockets.layer.com"

type ClientSettings struct {
	ApiUrl     string
	ConnectUrl string
	AppId      string

	HttpTransportSettings  *HttpTransportSettings
	SocketManagerSettings  *SocketManagerSettings
	RequestManagerSettings *RequestManagerSettings
	SyncManagerSettings    *SyncManagerSettings
	OnlineManagerSettings  *OnlineManagerSettings
	ChangeManagerSettings  *ChangeManagerSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ApiUrl:                 DefaultApiUrl,
		ConnectUrl:             DefaultConnectUrl,
		HttpTransportSettings:  DefaultHttpTransportSettings(),
		SocketManagerSettings:  DefaultSocketManagerSettings(),
		RequestManagerSettings: DefaultRequestManagerSettings(),
		SyncManagerSettings:    DefaultSyncManagerSettings(),
		OnlineManagerSettings:  DefaultOnlineManagerSettings(),
		ChangeManagerSettings:  DefaultChangeManagerSettings(),
	}
}

// the client context. Every component is constructed here and handed its collaborators.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	// the instance id. Sent as the socket `client_id` and used as the durable lease owner.
	clientId Id

	cache          *Cache
	store          SyncEventStore
	httpTransport  *HttpTransport
	socketManager  *SocketManager
	requestManager *RequestManager
	onlineManager  *OnlineManager
	syncManager    *SyncManager
	changeManager  *ChangeManager

	stateLock  sync.Mutex
	sessionJwt *SessionJwt

	sessionExpiredCallbacks *CallbackList[func()]

	settings *ClientSettings
}

func NewClientWithDefaults(ctx context.Context, store SyncEventStore) *Client {
	return NewClient(ctx, store, DefaultClientSettings())
}

func NewClient(ctx context.Context, store SyncEventStore, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	clientId := NewId()
	cache := NewCache()
	httpTransport := NewHttpTransport(cancelCtx, settings.ApiUrl, settings.HttpTransportSettings)
	socketManager := NewSocketManager(cancelCtx, settings.ConnectUrl, clientId, settings.SocketManagerSettings)
	requestManager := NewRequestManager(cancelCtx, socketManager, settings.RequestManagerSettings)
	onlineManager := NewOnlineManager(cancelCtx, httpTransport.Ping, settings.OnlineManagerSettings)
	syncManager := NewSyncManager(
		cancelCtx,
		clientId,
		cache,
		store,
		&observedHttpClient{
			httpTransport: httpTransport,
			onlineManager: onlineManager,
		},
		requestManager,
		onlineManager,
		settings.SyncManagerSettings,
	)

	client := &Client{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		clientId:                clientId,
		cache:                   cache,
		store:                   store,
		httpTransport:           httpTransport,
		socketManager:           socketManager,
		requestManager:          requestManager,
		onlineManager:           onlineManager,
		syncManager:             syncManager,
		sessionExpiredCallbacks: NewCallbackList[func()](),
		settings:                settings,
	}
	client.changeManager = NewChangeManager(cache, client.fetch, settings.ChangeManagerSettings)

	socketManager.AddFrameCallback(client.handleFrame)
	socketManager.AddStateCallback(client.handleSocketState)
	onlineManager.AddStateCallback(syncManager.HandleOnlineState)

	return client
}

func (self *Client) handleFrame(frame *Frame) {
	switch frame.Type {
	case FrameTypeResponse:
		self.requestManager.HandleResponse(frame)
	case FrameTypeChange, FrameTypeOperation:
		self.changeManager.HandleFrame(frame)
	case FrameTypeRequest:
		glog.V(1).Infof("[ws]unexpected request frame\n")
	}
}

func (self *Client) handleSocketState(state SocketState) {
	self.requestManager.HandleSocketState(state)
	self.onlineManager.HandleSocketState(state)
	self.syncManager.HandleSocketState(state)
	if state == SocketStateSessionExpired {
		for _, sessionExpiredCallback := range self.sessionExpiredCallbacks.Get() {
			HandleError(sessionExpiredCallback)
		}
	}
}

// exchanges an identity token for a session token
func (self *Client) Authenticate(identityToken string) (string, error) {
	result, err := self.httpTransport.SessionSync(&SessionArgs{
		IdentityToken: identityToken,
		AppId:         self.settings.AppId,
	})
	if err != nil {
		return "", err
	}
	if result.SessionToken == "" {
		return "", fmt.Errorf("Authenticate: no session token.")
	}
	return result.SessionToken, nil
}

// sets the session token for both transports and connects the socket
func (self *Client) Connect(sessionToken string) error {
	sessionJwt, err := ParseSessionJwtUnverified(sessionToken)
	if err != nil {
		return fmt.Errorf("Connect: %w", err)
	}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.sessionJwt = sessionJwt
	}()
	glog.V(1).Infof("[c]connect %s\n", sessionJwt.IdentityId)
	self.httpTransport.SetSessionToken(sessionToken)
	self.socketManager.Connect(sessionToken)
	self.syncManager.Drain()
	return nil
}

// the identity of the connected session
func (self *Client) IdentityId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.sessionJwt == nil {
		return ""
	}
	return self.sessionJwt.IdentityId
}

func (self *Client) AddSessionExpiredCallback(sessionExpiredCallback func()) func() {
	callbackId := self.sessionExpiredCallbacks.Add(sessionExpiredCallback)
	return func() {
		self.sessionExpiredCallbacks.Remove(callbackId)
	}
}

// restores the durable sync events from a previous run
func (self *Client) LoadPersisted(ctx context.Context) (int, error) {
	return self.syncManager.LoadPersisted(ctx, func(syncEvent *SyncEvent) {
		switch syncEvent.Operation {
		case OperationPost, OperationPatch:
			syncEvent.DataFunction = self.sendData
		}
		syncEvent.Callback = func(syncEvent *SyncEvent, outcome *SyncOutcome) {
			if !outcome.Success {
				glog.Infof("[c]restored %s %s = %s\n", syncEvent.Operation, syncEvent.Target, outcome.Err)
			}
		}
	})
}

// creates a new object with a placeholder id and queues its create
func (self *Client) Create(objectType ObjectType, properties map[string]any, options ...SyncEventOption) (*CacheObject, *SyncEvent) {
	object := NewCacheObject(NewPlaceholderId(objectType), properties, SyncStatusNew)
	self.cache.Add(object)
	return object, self.Save(object, OperationPost, options...)
}

// creates a message in the conversation. The create is not sent until the conversation exists on the server.
func (self *Client) CreateMessage(conversationId string, parts []any, options ...SyncEventOption) (*CacheObject, *SyncEvent) {
	object := NewCacheObject(
		NewPlaceholderId(ObjectTypeMessage),
		map[string]any{
			"conversation": conversationId,
			"parts":        parts,
		},
		SyncStatusNew,
	)
	self.cache.Add(object)
	options = append([]SyncEventOption{
		SyncEventDataFunction(self.sendData),
		SyncEventDepends(conversationId),
	}, options...)
	syncEvent := NewXhrSyncEvent(
		OperationPost,
		object.Id(),
		fmt.Sprintf("/%s/messages", EntityPath(conversationId)),
		options...,
	)
	return object, self.syncManager.Enqueue(syncEvent)
}

// queues an operation for the object over the http transport.
// the payload is the object state at send time.
func (self *Client) Save(object *CacheObject, operation Operation, options ...SyncEventOption) *SyncEvent {
	target := object.Id()
	var url string
	switch operation {
	case OperationPost:
		url = "/" + object.Type().Collection()
	case OperationDelete:
		url = fmt.Sprintf("/%s?mode=%s", EntityPath(target), DeletionModeAll)
	default:
		url = "/" + EntityPath(target)
	}
	options = append([]SyncEventOption{SyncEventDataFunction(self.sendData)}, options...)
	syncEvent := NewXhrSyncEvent(operation, target, url, options...)
	return self.syncManager.Enqueue(syncEvent)
}

// queues an operation for the object as a socket request, e.g. `Conversation.mark_all_read`
func (self *Client) SaveWebsocket(object *CacheObject, operation Operation, method string, returnChangesArray bool, options ...SyncEventOption) *SyncEvent {
	syncEvent := NewWebsocketSyncEvent(operation, object.Id(), method, returnChangesArray, options...)
	return self.syncManager.Enqueue(syncEvent)
}

// loads the canonical state of the entity into the cache
func (self *Client) Load(ctx context.Context, entityId string) (*CacheObject, error) {
	data, err := self.httpTransport.Load(ctx, entityId)
	if err != nil {
		return nil, err
	}
	return self.cache.CreateFromServer(data, true)
}

func (self *Client) sendData(syncEvent *SyncEvent) any {
	switch syncEvent.Operation {
	case OperationDelete, OperationGet:
		return nil
	}
	object := self.cache.Get(syncEvent.Target)
	if object == nil {
		return nil
	}
	data := object.SendData()
	if syncEvent.IsCreate() && IsPlaceholderId(syncEvent.Target) {
		// the server assigns the id
		delete(data, "id")
	}
	return data
}

// fetch on miss for the change manager, as a queued read
func (self *Client) fetch(entityId string, callback func(err error)) {
	syncEvent := NewXhrSyncEvent(
		OperationGet,
		entityId,
		"/"+EntityPath(entityId),
		SyncEventCallback(func(syncEvent *SyncEvent, outcome *SyncOutcome) {
			callback(outcome.Err)
		}),
	)
	syncEvent.Transport.(*XhrTransport).Method = http.MethodGet
	self.syncManager.Enqueue(syncEvent)
}

func (self *Client) ClientId() Id {
	return self.clientId
}

func (self *Client) Cache() *Cache {
	return self.cache
}

func (self *Client) SyncManager() *SyncManager {
	return self.syncManager
}

func (self *Client) SocketManager() *SocketManager {
	return self.socketManager
}

func (self *Client) RequestManager() *RequestManager {
	return self.requestManager
}

func (self *Client) ChangeManager() *ChangeManager {
	return self.changeManager
}

func (self *Client) OnlineManager() *OnlineManager {
	return self.onlineManager
}

func (self *Client) HttpTransport() *HttpTransport {
	return self.httpTransport
}

// the store is owned by the caller and is not closed
func (self *Client) Close() {
	self.cancel()
	self.syncManager.Close()
	self.socketManager.Close()
	self.requestManager.Close()
	self.onlineManager.Close()
	self.httpTransport.Close()
}

// reports http reachability to the online manager
type observedHttpClient struct {
	httpTransport *HttpTransport
	onlineManager *OnlineManager
}

func (self *observedHttpClient) Do(ctx context.Context, request *HttpRequest) *HttpResponse {
	response := self.httpTransport.Do(ctx, request)
	self.observe(response.Err)
	return response
}

func (self *observedHttpClient) Load(ctx context.Context, entityId string) (map[string]any, error) {
	data, err := self.httpTransport.Load(ctx, entityId)
	self.observe(err)
	return data, err
}

func (self *observedHttpClient) observe(err error) {
	var serverError *ServerError
	switch {
	case err == nil:
		self.onlineManager.ReportSuccess()
	case errors.As(err, &serverError):
		// the server answered
		self.onlineManager.ReportSuccess()
	case errors.Is(err, context.Canceled):
	default:
		self.onlineManager.ReportFailure(err)
	}
}
