package chat

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// a lightweight reachability check. nil error means reachable.
type ProbeFunction = func(ctx context.Context) error

type OnlineStateFunction = func(online bool)

type OnlineManagerSettings struct {
	// probe interval while online
	OnlinePollInterval time.Duration
	// probe interval while offline backs off to this
	MaxOfflinePollSeconds float64
	ProbeTimeout          time.Duration
	// consecutive failures before going offline
	OfflineFailureCount int
}

func DefaultOnlineManagerSettings() *OnlineManagerSettings {
	return &OnlineManagerSettings{
		OnlinePollInterval:    30 * time.Second,
		MaxOfflinePollSeconds: 60,
		ProbeTimeout:          10 * time.Second,
		OfflineFailureCount:   1,
	}
}

// tracks the online/offline state from probes and from observations of the transports
type OnlineManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	probe ProbeFunction

	checkMonitor *Monitor

	stateLock      sync.Mutex
	online         bool
	failureCount   int
	offlineAttempt int

	stateCallbacks *CallbackList[OnlineStateFunction]

	settings *OnlineManagerSettings
}

func NewOnlineManagerWithDefaults(ctx context.Context, probe ProbeFunction) *OnlineManager {
	return NewOnlineManager(ctx, probe, DefaultOnlineManagerSettings())
}

// starts online. If `probe` is nil the state follows only the reported observations.
func NewOnlineManager(ctx context.Context, probe ProbeFunction, settings *OnlineManagerSettings) *OnlineManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	onlineManager := &OnlineManager{
		ctx:            cancelCtx,
		cancel:         cancel,
		probe:          probe,
		checkMonitor:   NewMonitor(),
		online:         true,
		stateCallbacks: NewCallbackList[OnlineStateFunction](),
		settings:       settings,
	}
	if probe != nil {
		go onlineManager.run()
	}
	return onlineManager
}

func (self *OnlineManager) run() {
	defer self.cancel()

	for {
		notify := self.checkMonitor.NotifyChannel()

		probeCtx, probeCancel := context.WithTimeout(self.ctx, self.settings.ProbeTimeout)
		var err error
		HandleError(func() {
			err = self.probe(probeCtx)
		}, func(probeErr error) {
			err = probeErr
		})
		probeCancel()

		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if err == nil {
			self.ReportSuccess()
		} else {
			glog.V(1).Infof("[om]probe error = %s\n", err)
			self.ReportFailure(err)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-notify:
		case <-time.After(self.nextPollDelay()):
		}
	}
}

func (self *OnlineManager) nextPollDelay() time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.online {
		return self.settings.OnlinePollInterval
	}
	delay := BackoffDuration(self.settings.MaxOfflinePollSeconds, self.offlineAttempt)
	self.offlineAttempt += 1
	return delay
}

func (self *OnlineManager) IsOnline() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.online
}

func (self *OnlineManager) AddStateCallback(stateCallback OnlineStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// probes again now
func (self *OnlineManager) CheckNow() {
	self.checkMonitor.NotifyAll()
}

// a transport reached the server
func (self *OnlineManager) ReportSuccess() {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.failureCount = 0
		self.offlineAttempt = 0
		if !self.online {
			self.online = true
			changed = true
		}
	}()
	if changed {
		self.notify(true)
	}
}

// a transport could not reach the server
func (self *OnlineManager) ReportFailure(err error) {
	changed := false
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.failureCount += 1
		if self.online && self.settings.OfflineFailureCount <= self.failureCount {
			self.online = false
			changed = true
		}
	}()
	if changed {
		glog.Infof("[om]offline = %s\n", err)
		self.notify(false)
		// confirm with a probe now
		self.CheckNow()
	}
}

// feeds socket state into the online state
func (self *OnlineManager) HandleSocketState(state SocketState) {
	switch state {
	case SocketStateConnected:
		self.ReportSuccess()
	case SocketStateDisconnected:
		self.CheckNow()
	case SocketStateConnecting, SocketStateSessionExpired:
	}
}

func (self *OnlineManager) Close() {
	self.cancel()
}

func (self *OnlineManager) notify(online bool) {
	glog.V(1).Infof("[om]online=%t\n", online)
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(online)
		})
	}
}
