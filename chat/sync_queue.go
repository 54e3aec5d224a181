package chat

import (
	"golang.org/x/exp/slices"
)

// ordered by `CreatedAt`, ties broken by id (ulids are ordered by create time)
func compareSyncEvents(a *SyncEvent, b *SyncEvent) int {
	if a.CreatedAt.Before(b.CreatedAt) {
		return -1
	} else if b.CreatedAt.Before(a.CreatedAt) {
		return 1
	} else if a.Id.LessThan(b.Id) {
		return -1
	} else if b.Id.LessThan(a.Id) {
		return 1
	} else {
		return 0
	}
}

// the in memory queue of sync events, kept sorted in creation order.
// not safe for concurrent use; guarded by the sync manager state lock.
type syncQueue struct {
	orderedItems []*SyncEvent
	idItems      map[Id]*SyncEvent
}

func newSyncQueue() *syncQueue {
	return &syncQueue{
		orderedItems: []*SyncEvent{},
		idItems:      map[Id]*SyncEvent{},
	}
}

func (self *syncQueue) QueueSize() int {
	return len(self.orderedItems)
}

func (self *syncQueue) Add(item *SyncEvent) {
	if _, ok := self.idItems[item.Id]; ok {
		return
	}
	self.idItems[item.Id] = item
	// new events are almost always last
	i, _ := slices.BinarySearchFunc(self.orderedItems, item, compareSyncEvents)
	self.orderedItems = slices.Insert(self.orderedItems, i, item)
}

func (self *syncQueue) Contains(id Id) bool {
	_, ok := self.idItems[id]
	return ok
}

func (self *syncQueue) Remove(id Id) *SyncEvent {
	item, ok := self.idItems[id]
	if !ok {
		return nil
	}
	delete(self.idItems, id)
	i, found := slices.BinarySearchFunc(self.orderedItems, item, compareSyncEvents)
	if !found || self.orderedItems[i] != item {
		panic("Queue order broken.")
	}
	self.orderedItems = slices.Delete(self.orderedItems, i, i+1)
	return item
}

// a snapshot of all items in creation order. The queue may be modified while iterating the snapshot.
func (self *syncQueue) Ordered() []*SyncEvent {
	return slices.Clone(self.orderedItems)
}
