package chat

import (
	"math"
	mathrand "math/rand"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbacks      map[int]T
	// callback ids in add order
	order []int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
		order:     []int{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.order))
	for _, callbackId := range self.order {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbacks[callbackId] = callback
	self.order = append(self.order, callbackId)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		return
	}
	delete(self.callbacks, callbackId)
	if i := slices.Index(self.order, callbackId); 0 <= i {
		self.order = slices.Delete(slices.Clone(self.order), i, i+1)
	}
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// a notify channel that is closed and replaced on each `NotifyAll`
type Monitor struct {
	mutex  sync.Mutex
	notify chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		notify: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.notify
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.notify)
	self.notify = make(chan struct{})
}

const backoffUnitSeconds = 0.1

// cap the exponent so that large attempt counts stay finite
const backoffMaxExponent = 40

// the retry delay for the given attempt (0-based)
// the unit doubles per attempt starting at 0.1s and is capped at `maxSeconds`.
// jitter is up to half the capped value, at most one second.
func BackoffSeconds(maxSeconds float64, attempt int) float64 {
	if attempt < 0 {
		attempt = 0
	}
	exponent := min(attempt, backoffMaxExponent)
	seconds := min(backoffUnitSeconds*math.Pow(2, float64(exponent)), maxSeconds)
	jitter := mathrand.Float64() * min(seconds/2, 1)
	return seconds + jitter
}

func BackoffDuration(maxSeconds float64, attempt int) time.Duration {
	return time.Duration(BackoffSeconds(maxSeconds, attempt) * float64(time.Second))
}

// keys of a map in sorted order
func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
