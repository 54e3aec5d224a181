package chat

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// sync state machine is:
// SyncStatusNew -> SyncStatusSaving -> SyncStatusSynced
// SyncStatusSynced -> SyncStatusSyncing -> SyncStatusSynced
// SyncStatusLoading -> SyncStatusSynced
type SyncStatus string

const (
	SyncStatusNew     SyncStatus = "NEW"
	SyncStatusSaving  SyncStatus = "SAVING"
	SyncStatusSyncing SyncStatus = "SYNCING"
	SyncStatusSynced  SyncStatus = "SYNCED"
	SyncStatusLoading SyncStatus = "LOADING"
)

// the sync state of one object.
// in flight saves are reference counted so that overlapping saves
// settle to synced only when the last outstanding save completes.
type SyncState struct {
	stateLock   sync.Mutex
	status      SyncStatus
	syncCounter int
}

func NewSyncState(status SyncStatus) *SyncState {
	return &SyncState{
		status: status,
	}
}

// call before each save attempt is sent
func (self *SyncState) SetSyncing() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.status {
	case SyncStatusNew:
		self.status = SyncStatusSaving
	case SyncStatusSynced:
		self.status = SyncStatusSyncing
	}
	self.syncCounter += 1
}

// call when a save attempt completes, successfully or not
func (self *SyncState) SetSynced() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if 0 < self.syncCounter {
		self.syncCounter -= 1
	}
	if self.syncCounter == 0 {
		self.status = SyncStatusSynced
	}
}

func (self *SyncState) SetLoading() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.syncCounter == 0 {
		self.status = SyncStatusLoading
	}
}

// ends a load started with `SetLoading`
func (self *SyncState) SetLoaded() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.status == SyncStatusLoading {
		self.status = SyncStatusSynced
	}
}

func (self *SyncState) Status() SyncStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *SyncState) SyncCounter() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.syncCounter
}

func (self *SyncState) IsSynced() bool {
	return self.Status() == SyncStatusSynced
}

type PropertyChange struct {
	Property string
	OldValue any
	NewValue any
}

// called once per changed top level property
type ChangeFunction = func(object *CacheObject, change *PropertyChange)

type DeletionMode string

const (
	// deleted for all participants
	DeletionModeAll DeletionMode = "all_participants"
	// deleted for this user's devices only
	DeletionModeMyDevices DeletionMode = "my_devices"
)

type DeleteFunction = func(object *CacheObject, mode DeletionMode)

// a cached conversation, channel, message, identity, membership or announcement.
// the domain classes are built on the property tree; this type carries the hooks
// the sync and change layers need.
type CacheObject struct {
	stateLock sync.Mutex

	id         string
	objectType ObjectType
	properties map[string]any
	destroyed  bool

	syncState *SyncState

	changeCallbacks *CallbackList[ChangeFunction]
	deleteCallbacks *CallbackList[DeleteFunction]
}

func NewCacheObject(id string, properties map[string]any, status SyncStatus) *CacheObject {
	tree, _ := normalizeValue(properties).(map[string]any)
	if tree == nil {
		tree = map[string]any{}
	}
	delete(tree, "id")
	return &CacheObject{
		id:              id,
		objectType:      ObjectTypeOf(id),
		properties:      tree,
		syncState:       NewSyncState(status),
		changeCallbacks: NewCallbackList[ChangeFunction](),
		deleteCallbacks: NewCallbackList[DeleteFunction](),
	}
}

func (self *CacheObject) Id() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.id
}

func (self *CacheObject) Type() ObjectType {
	return self.objectType
}

func (self *CacheObject) SyncState() *SyncState {
	return self.syncState
}

func (self *CacheObject) IsDestroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.destroyed
}

// a copy of the top level property
func (self *CacheObject) Get(property string) any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return normalizeValue(self.properties[property])
}

// a copy of the property tree including the id.
// this is the send data of the object: the latest state, computed at send time.
func (self *CacheObject) SendData() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	data := normalizeValue(self.properties).(map[string]any)
	data["id"] = self.id
	return data
}

func (self *CacheObject) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *CacheObject) AddDeleteCallback(deleteCallback DeleteFunction) func() {
	callbackId := self.deleteCallbacks.Add(deleteCallback)
	return func() {
		self.deleteCallbacks.Remove(callbackId)
	}
}

// a local (speculative) edit of a top level property
func (self *CacheObject) Set(property string, value any) *PropertyChange {
	var change *PropertyChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		oldValue := self.properties[property]
		newValue := normalizeValue(value)
		if reflect.DeepEqual(oldValue, newValue) {
			return
		}
		self.properties[property] = newValue
		change = &PropertyChange{
			Property: property,
			OldValue: normalizeValue(oldValue),
			NewValue: normalizeValue(newValue),
		}
	}()
	if change != nil {
		self.notifyChanges([]*PropertyChange{change})
	}
	return change
}

// applies the patches in order. One change is emitted per top level property
// whose value differs after the batch; patches that change nothing emit nothing.
func (self *CacheObject) ApplyPatches(patches []*PatchOperation) []*PropertyChange {
	var changes []*PropertyChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		roots := []string{}
		oldValues := map[string]any{}
		for _, patch := range patches {
			root := patch.Path.Root()
			if _, ok := oldValues[root]; !ok {
				roots = append(roots, root)
				oldValues[root] = normalizeValue(self.properties[root])
			}
		}

		for _, patch := range patches {
			if err := applyPatch(self.properties, patch); err != nil {
				glog.Infof("[cm]%s patch %s %s error = %s\n", self.id, patch.Operation, patch.Property, err)
			}
		}

		changes = diffRoots(roots, oldValues, self.properties)
	}()
	self.notifyChanges(changes)
	return changes
}

// replaces the property tree with the authoritative server state,
// emitting the delta between the local and server values per property
func (self *CacheObject) ApplyServerState(data map[string]any) []*PropertyChange {
	var changes []*PropertyChange
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		serverProperties, _ := normalizeValue(data).(map[string]any)
		if serverProperties == nil {
			serverProperties = map[string]any{}
		}
		delete(serverProperties, "id")

		rootSet := map[string]bool{}
		for property := range self.properties {
			rootSet[property] = true
		}
		for property := range serverProperties {
			rootSet[property] = true
		}
		roots := sortedKeys(rootSet)
		oldValues := maps.Clone(self.properties)

		self.properties = serverProperties
		changes = diffRoots(roots, oldValues, self.properties)
	}()
	self.notifyChanges(changes)
	return changes
}

func (self *CacheObject) HandleServerDelete(mode DeletionMode) {
	alreadyDestroyed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		alreadyDestroyed = self.destroyed
		self.destroyed = true
	}()
	if alreadyDestroyed {
		return
	}
	for _, deleteCallback := range self.deleteCallbacks.Get() {
		HandleError(func() {
			deleteCallback(self, mode)
		})
	}
}

func (self *CacheObject) setId(id string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.id = id
}

func (self *CacheObject) notifyChanges(changes []*PropertyChange) {
	if len(changes) == 0 {
		return
	}
	for _, change := range changes {
		for _, changeCallback := range self.changeCallbacks.Get() {
			HandleError(func() {
				changeCallback(self, change)
			})
		}
	}
}

func diffRoots(roots []string, oldValues map[string]any, properties map[string]any) []*PropertyChange {
	changes := []*PropertyChange{}
	for _, root := range roots {
		oldValue := oldValues[root]
		newValue := properties[root]
		if !reflect.DeepEqual(oldValue, newValue) {
			changes = append(changes, &PropertyChange{
				Property: root,
				OldValue: normalizeValue(oldValue),
				NewValue: normalizeValue(newValue),
			})
		}
	}
	return changes
}

type CacheObjectFunction = func(object *CacheObject)

// the in memory cache of domain objects, keyed by entity id
type Cache struct {
	stateLock sync.Mutex

	objects map[string]*CacheObject

	addCallbacks    *CallbackList[CacheObjectFunction]
	removeCallbacks *CallbackList[CacheObjectFunction]
}

func NewCache() *Cache {
	return &Cache{
		objects:         map[string]*CacheObject{},
		addCallbacks:    NewCallbackList[CacheObjectFunction](),
		removeCallbacks: NewCallbackList[CacheObjectFunction](),
	}
}

func (self *Cache) AddObjectAddCallback(callback CacheObjectFunction) func() {
	callbackId := self.addCallbacks.Add(callback)
	return func() {
		self.addCallbacks.Remove(callbackId)
	}
}

func (self *Cache) AddObjectRemoveCallback(callback CacheObjectFunction) func() {
	callbackId := self.removeCallbacks.Add(callback)
	return func() {
		self.removeCallbacks.Remove(callbackId)
	}
}

func (self *Cache) Get(id string) *CacheObject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.objects[id]
}

func (self *Cache) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.objects)
}

// adds a locally created object. Returns false if the id is already cached.
func (self *Cache) Add(object *CacheObject) bool {
	added := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if _, ok := self.objects[object.Id()]; ok {
			return
		}
		self.objects[object.Id()] = object
		added = true
	}()
	if added {
		self.notify(self.addCallbacks, object)
	}
	return added
}

// the generic cache object factory.
// for an id that is already cached:
//   - server originated data (`fromServer`) is applied to the cached object,
//     so a create notification for an object this client created does not duplicate it
//   - other data is suppressed and the cached object is returned unchanged
func (self *Cache) CreateFromServer(data map[string]any, fromServer bool) (*CacheObject, error) {
	id, _ := data["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("Object missing id.")
	}

	existing := self.Get(id)
	if existing != nil {
		if fromServer {
			existing.ApplyServerState(data)
			if existing.SyncState().SyncCounter() == 0 {
				existing.SyncState().SetSynced()
			}
		}
		return existing, nil
	}

	object := NewCacheObject(id, data, SyncStatusSynced)
	added := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if racing, ok := self.objects[id]; ok {
			object = racing
			return
		}
		self.objects[id] = object
		added = true
	}()
	if added {
		self.notify(self.addCallbacks, object)
	}
	return object, nil
}

func (self *Cache) Remove(id string) *CacheObject {
	var object *CacheObject
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		object = self.objects[id]
		delete(self.objects, id)
	}()
	if object != nil {
		self.notify(self.removeCallbacks, object)
	}
	return object
}

// re-keys an object when a placeholder id is resolved to the server id
func (self *Cache) ReplaceId(oldId string, newId string) *CacheObject {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	object, ok := self.objects[oldId]
	if !ok {
		return nil
	}
	delete(self.objects, oldId)
	object.setId(newId)
	self.objects[newId] = object
	return object
}

func (self *Cache) notify(callbacks *CallbackList[CacheObjectFunction], object *CacheObject) {
	for _, callback := range callbacks.Get() {
		HandleError(func() {
			callback(object)
		})
	}
}
