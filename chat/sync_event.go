package chat

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type Operation string

const (
	OperationPost   Operation = "POST"
	OperationPatch  Operation = "PATCH"
	OperationDelete Operation = "DELETE"
	OperationGet    Operation = "GET"
)

type SyncOutcome struct {
	Success bool
	// the response data
	Data any
	Err  error
}

// invoked exactly once per sync event with the terminal outcome
type SyncCallback = func(syncEvent *SyncEvent, outcome *SyncOutcome)

// computes the payload of a sync event immediately before it is transmitted
type SyncDataFunction = func(syncEvent *SyncEvent) any

type SyncEventKind string

const (
	SyncEventKindXhr       SyncEventKind = "xhr"
	SyncEventKindWebsocket SyncEventKind = "websocket"
)

// the wire transport of a sync event. Implemented only by `*XhrTransport` and `*WebsocketTransport`.
type SyncEventTransport interface {
	Kind() SyncEventKind
	syncEventTransport()
}

// sent with the http fallback
type XhrTransport struct {
	// relative to the api url, e.g. `/conversations/<uuid>`
	Url     string
	Method  string
	Headers map[string]string
}

func (self *XhrTransport) Kind() SyncEventKind {
	return SyncEventKindXhr
}

func (self *XhrTransport) syncEventTransport() {}

// sent as a socket request
type WebsocketTransport struct {
	// the application level method, e.g. `Message.create`
	Method string
	// the response is an array of patch operations for the target rather than a single object
	ReturnChangesArray bool
}

func (self *WebsocketTransport) Kind() SyncEventKind {
	return SyncEventKindWebsocket
}

func (self *WebsocketTransport) syncEventTransport() {}

// one pending mutation
type SyncEvent struct {
	Id        Id
	Operation Operation
	// id of the entity the operation concerns
	Target string
	// entity ids that must have a completed create before this event may be sent
	Depends []string
	// the last computed payload
	Data         any
	DataFunction SyncDataFunction
	Callback     SyncCallback
	CreatedAt    time.Time
	Transport    SyncEventTransport

	// the following are owned by the sync manager

	// the firing lease. Firing while `now < firingUntil`.
	firingUntil   time.Time
	inFlight      *syncAttempt
	attempt       int
	nextAttemptAt time.Time
	// set once the terminal outcome has been delivered
	done bool
}

// one transmission of a sync event
type syncAttempt struct {
	generation int
	// the object whose sync counter this attempt holds
	object  *CacheObject
	endOnce sync.Once
}

// releases the sync counter held by the attempt. Safe to call more than once.
func (self *syncAttempt) end() {
	self.endOnce.Do(func() {
		if self.object != nil {
			self.object.SyncState().SetSynced()
		}
	})
}

type SyncEventOption func(*SyncEvent)

func SyncEventDepends(depends ...string) SyncEventOption {
	return func(syncEvent *SyncEvent) {
		syncEvent.Depends = append(syncEvent.Depends, depends...)
	}
}

func SyncEventData(data any) SyncEventOption {
	return func(syncEvent *SyncEvent) {
		syncEvent.Data = data
	}
}

func SyncEventDataFunction(dataFunction SyncDataFunction) SyncEventOption {
	return func(syncEvent *SyncEvent) {
		syncEvent.DataFunction = dataFunction
	}
}

func SyncEventCallback(callback SyncCallback) SyncEventOption {
	return func(syncEvent *SyncEvent) {
		syncEvent.Callback = callback
	}
}

func NewXhrSyncEvent(operation Operation, target string, url string, options ...SyncEventOption) *SyncEvent {
	return newSyncEvent(operation, target, &XhrTransport{
		Url:     url,
		Method:  string(operation),
		Headers: map[string]string{},
	}, options...)
}

func NewWebsocketSyncEvent(operation Operation, target string, method string, returnChangesArray bool, options ...SyncEventOption) *SyncEvent {
	return newSyncEvent(operation, target, &WebsocketTransport{
		Method:             method,
		ReturnChangesArray: returnChangesArray,
	}, options...)
}

func newSyncEvent(operation Operation, target string, transport SyncEventTransport, options ...SyncEventOption) *SyncEvent {
	syncEvent := &SyncEvent{
		Id:        NewId(),
		Operation: operation,
		Target:    target,
		Depends:   []string{},
		Transport: transport,
	}
	for _, option := range options {
		option(syncEvent)
	}
	return syncEvent
}

func (self *SyncEvent) Kind() SyncEventKind {
	return self.Transport.Kind()
}

func (self *SyncEvent) IsCreate() bool {
	return self.Operation == OperationPost
}

func (self *SyncEvent) IsFiring(now time.Time) bool {
	return now.Before(self.firingUntil)
}

func (self *SyncEvent) Attempt() int {
	return self.attempt
}

// the data to transmit, recomputed from the current state of the target when possible.
// nil if there is no data function or it has nothing to send.
func (self *SyncEvent) computeData() any {
	if self.DataFunction == nil {
		return nil
	}
	var data any
	HandleError(func() {
		data = self.DataFunction(self)
	})
	return data
}

func (self *SyncEvent) dependsOn(entityId string) bool {
	return slices.Contains(self.Depends, entityId)
}

// rewrites placeholder references in place. Returns true if anything changed.
func (self *SyncEvent) replaceEntityId(oldId string, newId string) bool {
	changed := false
	if self.Target == oldId {
		self.Target = newId
		changed = true
	}
	for i, depend := range self.Depends {
		if depend == oldId {
			self.Depends[i] = newId
			changed = true
		}
	}
	if data, ok := self.Data.(map[string]any); ok {
		if replaceIdValues(data, oldId, newId) {
			changed = true
		}
	}
	if xhrTransport, ok := self.Transport.(*XhrTransport); ok {
		oldPath := EntityPath(oldId)
		if oldPath != "" && strings.Contains(xhrTransport.Url, oldPath) {
			xhrTransport.Url = strings.ReplaceAll(xhrTransport.Url, oldPath, EntityPath(newId))
			changed = true
		}
	}
	return changed
}

func replaceIdValues(m map[string]any, oldId string, newId string) bool {
	changed := false
	for key, value := range m {
		switch v := value.(type) {
		case string:
			if v == oldId {
				m[key] = newId
				changed = true
			}
		case map[string]any:
			if replaceIdValues(v, oldId, newId) {
				changed = true
			}
		case []any:
			for i, element := range v {
				switch e := element.(type) {
				case string:
					if e == oldId {
						v[i] = newId
						changed = true
					}
				case map[string]any:
					if replaceIdValues(e, oldId, newId) {
						changed = true
					}
				}
			}
		}
	}
	return changed
}

// the durable shape of a sync event: everything except the live callback and data function
type SyncEventRecord struct {
	Id                 Id
	Operation          Operation
	Target             string
	Depends            []string
	Data               any
	CreatedAt          time.Time
	Kind               SyncEventKind
	Url                string
	Method             string
	Headers            map[string]string
	ReturnChangesArray bool
	Attempt            int
	LeaseOwner         *Id
	LeaseExpiresAt     time.Time
}

func (self *SyncEvent) toRecord() *SyncEventRecord {
	record := &SyncEventRecord{
		Id:        self.Id,
		Operation: self.Operation,
		Target:    self.Target,
		Depends:   slices.Clone(self.Depends),
		Data:      normalizeValue(self.Data),
		CreatedAt: self.CreatedAt,
		Kind:      self.Kind(),
		Attempt:   self.attempt,
	}
	switch v := self.Transport.(type) {
	case *XhrTransport:
		record.Url = v.Url
		record.Method = v.Method
		record.Headers = maps.Clone(v.Headers)
	case *WebsocketTransport:
		record.Method = v.Method
		record.ReturnChangesArray = v.ReturnChangesArray
	}
	return record
}

// a reloaded sync event has no callback or data function; the owning layer re-arms it
func syncEventFromRecord(record *SyncEventRecord) *SyncEvent {
	var transport SyncEventTransport
	switch record.Kind {
	case SyncEventKindWebsocket:
		transport = &WebsocketTransport{
			Method:             record.Method,
			ReturnChangesArray: record.ReturnChangesArray,
		}
	default:
		headers := record.Headers
		if headers == nil {
			headers = map[string]string{}
		}
		transport = &XhrTransport{
			Url:     record.Url,
			Method:  record.Method,
			Headers: headers,
		}
	}
	depends := record.Depends
	if depends == nil {
		depends = []string{}
	}
	return &SyncEvent{
		Id:        record.Id,
		Operation: record.Operation,
		Target:    record.Target,
		Depends:   depends,
		Data:      record.Data,
		CreatedAt: record.CreatedAt,
		Transport: transport,
		attempt:   record.Attempt,
	}
}
