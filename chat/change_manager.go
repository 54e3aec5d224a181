package chat

import (
	"sync"

	"github.com/golang/glog"
)

// receives `operation` frames, e.g. a bulk mark-all-read
type OperationFunction = func(frame *Frame)

// whether an update to an uncached entity warrants a fetch of the full resource
type FetchPolicy = func(objectType ObjectType, entityId string) bool

// fetches the full resource and adds it to the cache. `callback` is called once when done.
type FetchFunction = func(entityId string, callback func(err error))

// announcements are broadcast, and an update to one that is not cached is never fetched
func DefaultFetchPolicy(objectType ObjectType, entityId string) bool {
	switch objectType {
	case ObjectTypeAnnouncement:
		return false
	default:
		return true
	}
}

type ChangeManagerSettings struct {
	FetchPolicy FetchPolicy
}

func DefaultChangeManagerSettings() *ChangeManagerSettings {
	return &ChangeManagerSettings{
		FetchPolicy: DefaultFetchPolicy,
	}
}

// applies server pushed create/update/delete notifications to the cache
type ChangeManager struct {
	cache *Cache
	fetch FetchFunction

	stateLock sync.Mutex
	// entity ids with a fetch in flight
	fetching map[string]bool

	operationCallbacks *CallbackList[OperationFunction]

	settings *ChangeManagerSettings
}

func NewChangeManagerWithDefaults(cache *Cache, fetch FetchFunction) *ChangeManager {
	return NewChangeManager(cache, fetch, DefaultChangeManagerSettings())
}

func NewChangeManager(cache *Cache, fetch FetchFunction, settings *ChangeManagerSettings) *ChangeManager {
	return &ChangeManager{
		cache:              cache,
		fetch:              fetch,
		fetching:           map[string]bool{},
		operationCallbacks: NewCallbackList[OperationFunction](),
		settings:           settings,
	}
}

func (self *ChangeManager) AddOperationCallback(operationCallback OperationFunction) func() {
	callbackId := self.operationCallbacks.Add(operationCallback)
	return func() {
		self.operationCallbacks.Remove(callbackId)
	}
}

func (self *ChangeManager) HandleFrame(frame *Frame) {
	switch frame.Type {
	case FrameTypeChange:
		changeFrame, err := ParseChangeFrame(frame)
		if err != nil {
			glog.Infof("[cm]drop change = %s\n", err)
			return
		}
		self.HandleChange(changeFrame)
	case FrameTypeOperation:
		glog.V(2).Infof("[cm]operation\n")
		for _, operationCallback := range self.operationCallbacks.Get() {
			HandleError(func() {
				operationCallback(frame)
			})
		}
	case FrameTypeRequest, FrameTypeResponse:
		// correlated by the request manager
	}
}

func (self *ChangeManager) HandleChange(changeFrame *ChangeFrame) {
	switch changeFrame.Operation {
	case ChangeOperationCreate:
		self.handleCreate(changeFrame)
	case ChangeOperationUpdate:
		self.handleUpdate(changeFrame)
	case ChangeOperationDelete:
		self.handleDelete(changeFrame)
	}
}

func (self *ChangeManager) handleCreate(changeFrame *ChangeFrame) {
	glog.V(2).Infof("[cm]create %s\n", changeFrame.ObjectId)
	data := changeFrame.Data
	if _, ok := data["id"]; !ok {
		data = normalizeValue(data).(map[string]any)
		data["id"] = changeFrame.ObjectId
	}
	if _, err := self.cache.CreateFromServer(data, true); err != nil {
		glog.Infof("[cm]create %s = %s\n", changeFrame.ObjectId, err)
	}
}

func (self *ChangeManager) handleUpdate(changeFrame *ChangeFrame) {
	object := self.cache.Get(changeFrame.ObjectId)
	if object != nil {
		changes := object.ApplyPatches(changeFrame.Patches)
		glog.V(2).Infof("[cm]update %s (%d patches, %d changes)\n", changeFrame.ObjectId, len(changeFrame.Patches), len(changes))
		return
	}

	objectType := ObjectTypeOf(changeFrame.ObjectId)
	if self.fetch == nil || !self.settings.FetchPolicy(objectType, changeFrame.ObjectId) {
		glog.V(2).Infof("[cm]update %s not cached\n", changeFrame.ObjectId)
		return
	}

	entityId := changeFrame.ObjectId
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.fetching[entityId] {
			entityId = ""
			return
		}
		self.fetching[entityId] = true
	}()
	if entityId == "" {
		return
	}

	glog.V(1).Infof("[cm]fetch %s\n", entityId)
	self.fetch(entityId, func(err error) {
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			delete(self.fetching, entityId)
		}()
		if err != nil {
			glog.Infof("[cm]fetch %s = %s\n", entityId, err)
		}
	})
}

func (self *ChangeManager) handleDelete(changeFrame *ChangeFrame) {
	object := self.cache.Get(changeFrame.ObjectId)
	if object == nil {
		return
	}
	mode := DeletionMode(changeFrame.DeletionMode)
	switch mode {
	case DeletionModeAll, DeletionModeMyDevices:
	default:
		mode = DeletionModeAll
	}
	glog.V(2).Infof("[cm]delete %s %s\n", changeFrame.ObjectId, mode)
	object.HandleServerDelete(mode)
	self.cache.Remove(changeFrame.ObjectId)
}

func (self *ChangeManager) IsFetching(entityId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.fetching[entityId]
}
