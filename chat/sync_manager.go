package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the http surface the sync manager needs
type SyncHttpClient interface {
	Do(ctx context.Context, request *HttpRequest) *HttpResponse
	Load(ctx context.Context, entityId string) (map[string]any, error)
}

// the socket request surface the sync manager needs
type SyncRequestSender interface {
	IsConnected() bool
	SendRequest(method string, data any, isChangesArray bool, callback RequestCallback) Id
}

type OnlineState interface {
	IsOnline() bool
}

type SyncManagerSettings struct {
	// a firing sync event may be fired again after this time with no result
	LeaseDuration     time.Duration
	MaxBackoffSeconds float64
	// the number of sync events in flight at once
	MaxFiring int
	// drain runs at least on this interval
	PollInterval time.Duration
	StoreTimeout time.Duration
}

func DefaultSyncManagerSettings() *SyncManagerSettings {
	return &SyncManagerSettings{
		LeaseDuration:     2 * time.Minute,
		MaxBackoffSeconds: 60,
		MaxFiring:         4,
		PollInterval:      30 * time.Second,
		StoreTimeout:      10 * time.Second,
	}
}

// what to do with a sync event after a failed attempt
type syncAction int

const (
	syncActionComplete syncAction = iota
	// retry with backoff
	syncActionRetry
	// remove without a reload
	syncActionDrop
	// remove and reload the canonical state of the target
	syncActionReload
	// remove
	syncActionFail
)

// the action for a failed attempt:
//   - not found: drop a delete, since the entity is already gone. Reload otherwise.
//   - conflict or id in use: reload
//   - no server decision (network, not connected, timeout, session expired, 5xx): retry
//   - other rejections: reload a patch, fail others
func classifySyncFailure(operation Operation, err error) syncAction {
	var serverError *ServerError
	isServerError := errors.As(err, &serverError)
	switch {
	case isServerError && serverError.IsNotFound():
		if operation == OperationDelete {
			return syncActionDrop
		}
		return syncActionReload
	case isServerError && serverError.IsConflict():
		return syncActionReload
	case isTransientError(err):
		return syncActionRetry
	case operation == OperationPatch:
		return syncActionReload
	default:
		return syncActionFail
	}
}

type syncAttemptResult struct {
	success bool
	data    any
	err     error
}

// holds the ordered sync events, persists them, and drains them to the server
// respecting dependencies, per-target order, and the firing lease
type SyncManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	// the lease owner in the durable store
	ownerId Id

	cache         *Cache
	store         SyncEventStore
	httpClient    SyncHttpClient
	requestSender SyncRequestSender
	onlineState   OnlineState

	drainMonitor *Monitor

	stateLock sync.Mutex
	queue     *syncQueue
	// placeholder id -> server id
	resolvedIds   map[string]string
	lastCreatedAt time.Time

	settings *SyncManagerSettings
}

func NewSyncManagerWithDefaults(
	ctx context.Context,
	ownerId Id,
	cache *Cache,
	store SyncEventStore,
	httpClient SyncHttpClient,
	requestSender SyncRequestSender,
	onlineState OnlineState,
) *SyncManager {
	return NewSyncManager(
		ctx,
		ownerId,
		cache,
		store,
		httpClient,
		requestSender,
		onlineState,
		DefaultSyncManagerSettings(),
	)
}

func NewSyncManager(
	ctx context.Context,
	ownerId Id,
	cache *Cache,
	store SyncEventStore,
	httpClient SyncHttpClient,
	requestSender SyncRequestSender,
	onlineState OnlineState,
	settings *SyncManagerSettings,
) *SyncManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	syncManager := &SyncManager{
		ctx:           cancelCtx,
		cancel:        cancel,
		ownerId:       ownerId,
		cache:         cache,
		store:         store,
		httpClient:    httpClient,
		requestSender: requestSender,
		onlineState:   onlineState,
		drainMonitor:  NewMonitor(),
		queue:         newSyncQueue(),
		resolvedIds:   map[string]string{},
		settings:      settings,
	}
	go syncManager.run()
	return syncManager
}

func (self *SyncManager) run() {
	defer self.cancel()

	for {
		notify := self.drainMonitor.NotifyChannel()
		if glog.V(2) {
			Trace("[sm]drain", self.drain)
		} else {
			self.drain()
		}
		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		case <-time.After(self.settings.PollInterval):
		}
	}
}

// schedules a drain. Drains run serially on the manager goroutine.
func (self *SyncManager) Drain() {
	self.drainMonitor.NotifyAll()
}

// appends the sync event to the queue and persists it.
//   - a patch is merged into an unfired create or patch of the same target, when that
//     event recomputes its data at send time. The merged event is returned.
//   - a delete supersedes the unfired events of the same target. If that included the
//     create, the delete completes locally without transmission.
func (self *SyncManager) Enqueue(syncEvent *SyncEvent) *SyncEvent {
	closed := false
	var merged *SyncEvent
	var superseded []*SyncEvent
	completeLocally := false
	var record *SyncEventRecord
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		select {
		case <-self.ctx.Done():
			closed = true
			return
		default:
		}

		for oldId, newId := range self.resolvedIds {
			syncEvent.replaceEntityId(oldId, newId)
		}
		if syncEvent.CreatedAt.IsZero() {
			syncEvent.CreatedAt = self.nextCreatedAt()
		} else if self.lastCreatedAt.Before(syncEvent.CreatedAt) {
			self.lastCreatedAt = syncEvent.CreatedAt
		}
		now := time.Now()

		switch syncEvent.Operation {
		case OperationPatch:
			if last := self.lastForTarget(syncEvent.Target); last != nil && canMergeSyncEvents(last, syncEvent, now) {
				mergeSyncEvents(last, syncEvent)
				merged = last
				record = last.toRecord()
				return
			}
		case OperationDelete:
			createPending := false
			for _, pending := range self.queue.Ordered() {
				if pending.Target != syncEvent.Target {
					continue
				}
				if pending.IsFiring(now) {
					if pending.IsCreate() {
						createPending = true
					}
					continue
				}
				self.queue.Remove(pending.Id)
				pending.done = true
				superseded = append(superseded, pending)
				if pending.IsCreate() {
					completeLocally = true
				}
			}
			if !completeLocally && !createPending && IsPlaceholderId(syncEvent.Target) {
				// never created on the server
				completeLocally = true
			}
			if completeLocally {
				syncEvent.done = true
				return
			}
		}

		self.queue.Add(syncEvent)
		record = syncEvent.toRecord()
	}()

	if closed {
		self.complete(syncEvent, &SyncOutcome{Err: ErrClosed})
		return syncEvent
	}

	if 0 < len(superseded) {
		ids := make([]Id, 0, len(superseded))
		for _, pending := range superseded {
			ids = append(ids, pending.Id)
		}
		self.storeDelete(ids...)
		for _, pending := range superseded {
			glog.V(1).Infof("[sm]superseded %s %s\n", pending.Operation, pending.Target)
			self.complete(pending, &SyncOutcome{Err: ErrSuperseded})
		}
	}

	if record != nil {
		self.storePut(record)
	}

	if merged != nil {
		glog.V(2).Infof("[sm]merged %s %s\n", syncEvent.Operation, syncEvent.Target)
		self.Drain()
		return merged
	}
	if completeLocally {
		glog.V(1).Infof("[sm]delete %s completed locally\n", syncEvent.Target)
		self.complete(syncEvent, &SyncOutcome{Success: true})
		return syncEvent
	}

	glog.V(2).Infof("[sm]enqueue %s %s\n", syncEvent.Operation, syncEvent.Target)
	self.Drain()
	return syncEvent
}

func canMergeSyncEvents(last *SyncEvent, syncEvent *SyncEvent, now time.Time) bool {
	switch last.Operation {
	case OperationPost, OperationPatch:
	default:
		return false
	}
	return !last.IsFiring(now) &&
		last.inFlight == nil &&
		last.DataFunction != nil &&
		last.Kind() == syncEvent.Kind()
}

// must be called with the state lock
func mergeSyncEvents(into *SyncEvent, syncEvent *SyncEvent) {
	for _, depend := range syncEvent.Depends {
		if !into.dependsOn(depend) {
			into.Depends = append(into.Depends, depend)
		}
	}
	if syncEvent.Callback != nil {
		if previous := into.Callback; previous != nil {
			next := syncEvent.Callback
			into.Callback = func(e *SyncEvent, outcome *SyncOutcome) {
				HandleError(func() {
					previous(e, outcome)
				})
				next(e, outcome)
			}
		} else {
			into.Callback = syncEvent.Callback
		}
	}
	syncEvent.done = true
}

// rewrites every queued reference to the placeholder and re-keys the cached object
func (self *SyncManager) ResolveId(placeholderId string, serverId string) {
	if placeholderId == serverId {
		return
	}
	var records []*SyncEventRecord
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		records = self.resolveId(placeholderId, serverId)
	}()
	glog.V(1).Infof("[sm]resolve %s -> %s (%d)\n", placeholderId, serverId, len(records))
	if 0 < len(records) {
		self.storePut(records...)
	}
	self.Drain()
}

// must be called with the state lock.
// the cached object is re-keyed here so that no drain sees a rewritten target without its object.
func (self *SyncManager) resolveId(placeholderId string, serverId string) []*SyncEventRecord {
	records := []*SyncEventRecord{}
	self.resolvedIds[placeholderId] = serverId
	for _, syncEvent := range self.queue.Ordered() {
		if syncEvent.replaceEntityId(placeholderId, serverId) {
			records = append(records, syncEvent.toRecord())
		}
	}
	self.cache.ReplaceId(placeholderId, serverId)
	return records
}

// removes the queued events that target or depend on an entity that will never exist,
// then the events that depend on the creates removed this way.
// must be called with the state lock
func (self *SyncManager) removeDependents(entityId string) (removed []*SyncEvent, attempts []*syncAttempt) {
	failedIds := map[string]bool{
		entityId: true,
	}
	for {
		n := len(removed)
		for _, syncEvent := range self.queue.Ordered() {
			dependent := failedIds[syncEvent.Target]
			for _, depend := range syncEvent.Depends {
				if failedIds[depend] {
					dependent = true
				}
			}
			if !dependent {
				continue
			}
			self.queue.Remove(syncEvent.Id)
			syncEvent.done = true
			if syncEvent.inFlight != nil {
				attempts = append(attempts, syncEvent.inFlight)
				syncEvent.inFlight = nil
			}
			if syncEvent.IsCreate() {
				failedIds[syncEvent.Target] = true
			}
			removed = append(removed, syncEvent)
		}
		if n == len(removed) {
			return
		}
	}
}

// a create that failed with anything other than a conflict never made the entity.
// a conflict means an entity with the id already exists.
func createFailedPermanently(target string, err error) bool {
	if IsPlaceholderId(target) {
		return true
	}
	var serverError *ServerError
	return !(errors.As(err, &serverError) && serverError.IsConflict())
}

// the server id in a create response
func responseId(data any) string {
	if m, ok := data.(map[string]any); ok {
		id, _ := m["id"].(string)
		return id
	}
	return ""
}

// restores the durable sync events after a restart.
// callbacks are not durable; `rearm` sets the callback and data function of each restored event.
func (self *SyncManager) LoadPersisted(ctx context.Context, rearm func(syncEvent *SyncEvent)) (int, error) {
	records, err := self.store.All(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, record := range records {
		syncEvent := syncEventFromRecord(record)
		if rearm != nil {
			HandleError(func() {
				rearm(syncEvent)
			})
		}
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			if self.queue.Contains(syncEvent.Id) {
				return
			}
			for oldId, newId := range self.resolvedIds {
				syncEvent.replaceEntityId(oldId, newId)
			}
			if self.lastCreatedAt.Before(syncEvent.CreatedAt) {
				self.lastCreatedAt = syncEvent.CreatedAt
			}
			self.queue.Add(syncEvent)
			n += 1
		}()
	}
	glog.V(1).Infof("[sm]loaded %d persisted\n", n)
	self.Drain()
	return n, nil
}

// releases the leases of socket sync events. Their requests were dropped with the connection.
func (self *SyncManager) ReleaseWebsocketLeases() {
	released := []*SyncEvent{}
	attempts := []*syncAttempt{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		for _, syncEvent := range self.queue.Ordered() {
			if syncEvent.Kind() != SyncEventKindWebsocket || syncEvent.inFlight == nil {
				continue
			}
			attempts = append(attempts, syncEvent.inFlight)
			syncEvent.inFlight = nil
			syncEvent.firingUntil = time.Time{}
			released = append(released, syncEvent)
		}
	}()
	for _, attempt := range attempts {
		attempt.end()
	}
	for _, syncEvent := range released {
		self.storeRelease(syncEvent.Id)
	}
	if 0 < len(released) {
		glog.V(1).Infof("[sm]released %d socket leases\n", len(released))
	}
}

func (self *SyncManager) HandleSocketState(state SocketState) {
	switch state {
	case SocketStateConnected:
		self.Drain()
	case SocketStateConnecting:
	case SocketStateDisconnected, SocketStateSessionExpired:
		self.ReleaseWebsocketLeases()
	}
}

func (self *SyncManager) HandleOnlineState(online bool) {
	if online {
		self.Drain()
	}
}

// a snapshot of the queued sync events in creation order
func (self *SyncManager) Pending() []*SyncEvent {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.queue.Ordered()
}

func (self *SyncManager) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.queue.QueueSize()
}

func (self *SyncManager) Close() {
	self.cancel()
}

// must be called with the state lock
func (self *SyncManager) nextCreatedAt() time.Time {
	createdAt := time.Now()
	if !self.lastCreatedAt.Before(createdAt) {
		createdAt = self.lastCreatedAt.Add(time.Nanosecond)
	}
	self.lastCreatedAt = createdAt
	return createdAt
}

// must be called with the state lock
func (self *SyncManager) lastForTarget(target string) *SyncEvent {
	var last *SyncEvent
	for _, syncEvent := range self.queue.Ordered() {
		if syncEvent.Target == target {
			last = syncEvent
		}
	}
	return last
}

// must be called with the state lock
func (self *SyncManager) hasPendingForTarget(target string) bool {
	for _, syncEvent := range self.queue.orderedItems {
		if syncEvent.Target == target {
			return true
		}
	}
	return false
}

// a dependency is resolved when it is a server id with no queued create
func dependsResolved(syncEvent *SyncEvent, pendingCreates map[string]bool) bool {
	for _, depend := range syncEvent.Depends {
		if depend == syncEvent.Target && syncEvent.IsCreate() {
			continue
		}
		if IsPlaceholderId(depend) || pendingCreates[depend] {
			return false
		}
	}
	return true
}

func (self *SyncManager) drain() {
	if self.onlineState != nil && !self.onlineState.IsOnline() {
		glog.V(2).Infof("[sm]offline. Drain paused.\n")
		return
	}
	socketConnected := self.requestSender != nil && self.requestSender.IsConnected()

	now := time.Now()
	fire := []*SyncEvent{}
	attempts := []*syncAttempt{}
	unresolvable := []*SyncEvent{}
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		ordered := self.queue.Ordered()
		pendingCreates := map[string]bool{}
		firingCount := 0
		for _, syncEvent := range ordered {
			if syncEvent.IsCreate() {
				pendingCreates[syncEvent.Target] = true
			}
			if syncEvent.IsFiring(now) {
				firingCount += 1
			}
		}

		// the first pending event of each target blocks the later events of the target
		seenTargets := map[string]bool{}
		for _, syncEvent := range ordered {
			if seenTargets[syncEvent.Target] {
				continue
			}
			seenTargets[syncEvent.Target] = true

			if syncEvent.IsFiring(now) || now.Before(syncEvent.nextAttemptAt) {
				continue
			}
			if !syncEvent.IsCreate() && IsPlaceholderId(syncEvent.Target) && !pendingCreates[syncEvent.Target] {
				self.queue.Remove(syncEvent.Id)
				syncEvent.done = true
				unresolvable = append(unresolvable, syncEvent)
				continue
			}
			if !dependsResolved(syncEvent, pendingCreates) {
				continue
			}
			if syncEvent.Kind() == SyncEventKindWebsocket && !socketConnected {
				continue
			}
			if self.settings.MaxFiring <= firingCount {
				break
			}

			if previous := syncEvent.inFlight; previous != nil {
				// the lease expired with no result
				glog.Infof("[sm]lease expired %s %s\n", syncEvent.Operation, syncEvent.Target)
				attempts = append(attempts, previous)
			}
			syncEvent.firingUntil = now.Add(self.settings.LeaseDuration)
			syncEvent.inFlight = &syncAttempt{
				generation: syncEvent.attempt,
			}
			firingCount += 1
			fire = append(fire, syncEvent)
		}
	}()

	for _, attempt := range attempts {
		attempt.end()
	}

	if 0 < len(unresolvable) {
		ids := make([]Id, 0, len(unresolvable))
		for _, syncEvent := range unresolvable {
			ids = append(ids, syncEvent.Id)
		}
		self.storeDelete(ids...)
		for _, syncEvent := range unresolvable {
			if syncEvent.Operation == OperationDelete {
				self.complete(syncEvent, &SyncOutcome{Success: true})
			} else {
				glog.Infof("[sm]target never created %s %s\n", syncEvent.Operation, syncEvent.Target)
				self.complete(syncEvent, &SyncOutcome{Err: fmt.Errorf("Target %s was never created.", syncEvent.Target)})
			}
		}
	}

	for _, syncEvent := range fire {
		self.fire(syncEvent)
	}
}

func (self *SyncManager) fire(syncEvent *SyncEvent) {
	var attempt *syncAttempt
	var transport SyncEventTransport
	var target string
	var operation Operation
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		attempt = syncEvent.inFlight
		transport = syncEvent.Transport
		target = syncEvent.Target
		operation = syncEvent.Operation
	}()
	if attempt == nil {
		return
	}

	claimErr := func() error {
		storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
		defer storeCancel()
		return self.store.Claim(storeCtx, syncEvent.Id, self.ownerId, time.Now(), self.settings.LeaseDuration)
	}()
	switch {
	case claimErr == nil:
	case errors.Is(claimErr, ErrLeaseHeld):
		// another process is firing the event. Try again after the lease.
		glog.V(1).Infof("[sm]lease held %s %s\n", operation, target)
		time.AfterFunc(self.settings.LeaseDuration, self.Drain)
		return
	case errors.Is(claimErr, ErrSyncEventNotFound):
		// another process completed the event
		glog.V(1).Infof("[sm]completed elsewhere %s %s\n", operation, target)
		self.handleResult(syncEvent, attempt, &syncAttemptResult{success: true})
		return
	default:
		glog.Infof("[sm]claim error %s = %s\n", syncEvent.Id, claimErr)
	}

	// the attempt holds the sync counter of the target until it ends
	if object := self.cache.Get(target); object != nil {
		object.SyncState().SetSyncing()
		func() {
			self.stateLock.Lock()
			defer self.stateLock.Unlock()
			attempt.object = object
		}()
	}
	time.AfterFunc(self.settings.LeaseDuration, self.Drain)

	data := syncEvent.computeData()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if data != nil {
			syncEvent.Data = data
		} else {
			data = syncEvent.Data
		}
	}()

	glog.V(1).Infof("[sm]fire %s %s attempt %d\n", operation, target, attempt.generation)

	switch v := transport.(type) {
	case *XhrTransport:
		request := &HttpRequest{
			Method:  v.Method,
			Url:     v.Url,
			Headers: v.Headers,
			Data:    data,
		}
		if operation == OperationDelete || operation == OperationGet {
			request.Data = nil
		}
		go func() {
			response := self.httpClient.Do(self.ctx, request)
			self.handleResult(syncEvent, attempt, &syncAttemptResult{
				success: response.Success,
				data:    response.Data,
				err:     response.Err,
			})
		}()
	case *WebsocketTransport:
		self.requestSender.SendRequest(v.Method, data, v.ReturnChangesArray, func(result *RequestResult) {
			self.handleResult(syncEvent, attempt, &syncAttemptResult{
				success: result.Success,
				data:    result.Data,
				err:     result.Err,
			})
		})
	}
}

func (self *SyncManager) handleResult(syncEvent *SyncEvent, attempt *syncAttempt, result *syncAttemptResult) {
	attempt.end()

	if !result.success && result.err == nil {
		result.err = fmt.Errorf("Sync failed.")
	}

	stale := false
	var action syncAction
	var record *SyncEventRecord
	var retryDelay time.Duration
	hasLater := false
	var resolvedRecords []*SyncEventRecord
	var dependents []*SyncEvent
	var dependentAttempts []*syncAttempt
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if syncEvent.done || (!result.success && syncEvent.inFlight != attempt) {
			stale = true
			return
		}
		syncEvent.inFlight = nil
		syncEvent.firingUntil = time.Time{}

		if result.success {
			action = syncActionComplete
		} else {
			action = classifySyncFailure(syncEvent.Operation, result.err)
		}
		switch action {
		case syncActionRetry:
			retryDelay = BackoffDuration(self.settings.MaxBackoffSeconds, syncEvent.attempt)
			syncEvent.attempt += 1
			syncEvent.nextAttemptAt = time.Now().Add(retryDelay)
			record = syncEvent.toRecord()
		default:
			syncEvent.done = true
			self.queue.Remove(syncEvent.Id)
			if syncEvent.IsCreate() {
				if action == syncActionComplete {
					// resolve in the same step as the removal, so that no drain sees
					// the placeholder with neither a pending create nor a server id
					if serverId := responseId(result.data); serverId != "" && serverId != syncEvent.Target {
						resolvedRecords = self.resolveId(syncEvent.Target, serverId)
						glog.V(1).Infof("[sm]resolve %s -> %s (%d)\n", syncEvent.Target, serverId, len(resolvedRecords))
						syncEvent.Target = serverId
					}
				} else if createFailedPermanently(syncEvent.Target, result.err) {
					dependents, dependentAttempts = self.removeDependents(syncEvent.Target)
				}
			}
			hasLater = self.hasPendingForTarget(syncEvent.Target)
		}
	}()
	if stale {
		glog.V(1).Infof("[sm]stale result %s %s\n", syncEvent.Operation, syncEvent.Target)
		return
	}

	for _, dependentAttempt := range dependentAttempts {
		dependentAttempt.end()
	}
	// rewritten events are stored before the create is deleted
	if 0 < len(resolvedRecords) {
		self.storePut(resolvedRecords...)
	}

	if action == syncActionRetry {
		glog.V(1).Infof("[sm]retry %s %s in %s = %s\n", syncEvent.Operation, syncEvent.Target, retryDelay, result.err)
		self.storePut(record)
		self.storeRelease(syncEvent.Id)
		time.AfterFunc(retryDelay, self.Drain)
		return
	}

	// the remaining handling may reload over http, and must not block the socket read
	go HandleError(func() {
		defer self.Drain()

		self.storeDelete(syncEvent.Id)
		if 0 < len(dependents) {
			self.failDependents(syncEvent.Target, dependents)
		}

		switch action {
		case syncActionComplete:
			glog.V(1).Infof("[sm]complete %s %s\n", syncEvent.Operation, syncEvent.Target)
			self.applyResponse(syncEvent, result.data, hasLater)
			self.complete(syncEvent, &SyncOutcome{
				Success: true,
				Data:    result.data,
			})
		case syncActionDrop:
			glog.V(1).Infof("[sm]drop %s %s = %s\n", syncEvent.Operation, syncEvent.Target, result.err)
			self.complete(syncEvent, &SyncOutcome{
				Data: result.data,
				Err:  result.err,
			})
		case syncActionReload:
			glog.Infof("[sm]reload %s %s = %s\n", syncEvent.Operation, syncEvent.Target, result.err)
			self.reconcile(syncEvent.Target)
			self.complete(syncEvent, &SyncOutcome{
				Data: result.data,
				Err:  result.err,
			})
		case syncActionFail:
			glog.Infof("[sm]fail %s %s = %s\n", syncEvent.Operation, syncEvent.Target, result.err)
			self.complete(syncEvent, &SyncOutcome{
				Data: result.data,
				Err:  result.err,
			})
		}
	})
}

func (self *SyncManager) failDependents(entityId string, dependents []*SyncEvent) {
	ids := make([]Id, 0, len(dependents))
	for _, dependent := range dependents {
		ids = append(ids, dependent.Id)
	}
	self.storeDelete(ids...)
	for _, dependent := range dependents {
		glog.Infof("[sm]fail dependent %s %s on %s\n", dependent.Operation, dependent.Target, entityId)
		self.complete(dependent, &SyncOutcome{
			Err: fmt.Errorf("%w: %s was not created.", ErrDependencyFailed, entityId),
		})
	}
}

// applies the server response of a completed sync event to the cache.
// a response is not applied over local edits that are still queued for the target.
func (self *SyncManager) applyResponse(syncEvent *SyncEvent, data any, hasLater bool) {
	switch v := data.(type) {
	case map[string]any:
		if hasLater || syncEvent.Operation == OperationDelete {
			return
		}
		if _, ok := v["id"].(string); !ok {
			return
		}
		if _, err := self.cache.CreateFromServer(v, true); err != nil {
			glog.Infof("[sm]apply response %s = %s\n", syncEvent.Target, err)
		}
	case []any:
		websocketTransport, ok := syncEvent.Transport.(*WebsocketTransport)
		if !ok || !websocketTransport.ReturnChangesArray || hasLater {
			return
		}
		object := self.cache.Get(syncEvent.Target)
		if object == nil {
			return
		}
		patches, err := ParsePatchOperations(v)
		if err != nil {
			glog.Infof("[sm]apply changes %s = %s\n", syncEvent.Target, err)
			return
		}
		object.ApplyPatches(patches)
	}
}

// reloads the canonical state of the entity and applies it to the cached object.
// the object emits one change per property whose local value differs from the server value.
func (self *SyncManager) reconcile(entityId string) {
	object := self.cache.Get(entityId)
	if object == nil {
		return
	}
	object.SyncState().SetLoading()
	defer object.SyncState().SetLoaded()

	data, err := self.httpClient.Load(self.ctx, entityId)
	if err != nil {
		var serverError *ServerError
		if errors.As(err, &serverError) && serverError.IsNotFound() {
			glog.V(1).Infof("[sm]reload %s not found\n", entityId)
			object.HandleServerDelete(DeletionModeAll)
			self.cache.Remove(entityId)
			return
		}
		glog.Infof("[sm]reload %s error = %s\n", entityId, err)
		return
	}
	object.ApplyServerState(data)
}

func (self *SyncManager) complete(syncEvent *SyncEvent, outcome *SyncOutcome) {
	callback := syncEvent.Callback
	if callback == nil {
		return
	}
	HandleError(func() {
		callback(syncEvent, outcome)
	})
}

func (self *SyncManager) storePut(records ...*SyncEventRecord) {
	storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer storeCancel()
	if err := self.store.Put(storeCtx, records...); err != nil {
		glog.Infof("[sm]store put error = %s\n", err)
	}
}

func (self *SyncManager) storeDelete(ids ...Id) {
	storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer storeCancel()
	if err := self.store.DeleteMany(storeCtx, ids); err != nil {
		glog.Infof("[sm]store delete error = %s\n", err)
	}
}

func (self *SyncManager) storeRelease(id Id) {
	storeCtx, storeCancel := context.WithTimeout(self.ctx, self.settings.StoreTimeout)
	defer storeCancel()
	if err := self.store.Release(storeCtx, id, self.ownerId); err != nil {
		glog.Infof("[sm]store release error = %s\n", err)
	}
}
