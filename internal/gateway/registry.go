package gateway

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/helpers/atomic_clock"
)

const (
	connectNone int32 = iota
	connectPending
	connectDone
)

// DeviceSession lives for process lifetime.
type DeviceSession struct {
	Name string

	mu        sync.Mutex
	connector string
	lastEvent *event.Event
	lastSeen  atomic_clock.Clock
	connect   int32
}

// Connector name, empty until first Bind.
func (self *DeviceSession) Connector() string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.connector
}

func (self *DeviceSession) LastEvent() *event.Event {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.lastEvent
}

func (self *DeviceSession) LastSeen() time.Time {
	if self.lastSeen.IsZero() {
		return time.Time{}
	}
	return self.lastSeen.Time()
}

// Connected reports platform acknowledged connect for this device.
func (self *DeviceSession) Connected() bool {
	return atomic.LoadInt32(&self.connect) == connectDone
}

func (self *DeviceSession) seen(e *event.Event) {
	self.mu.Lock()
	self.lastEvent = e
	self.mu.Unlock()
	self.lastSeen.SetNow()
}

// beginConnect returns true if caller must issue platform connect.
func (self *DeviceSession) beginConnect() bool {
	return atomic.CompareAndSwapInt32(&self.connect, connectNone, connectPending)
}

// failed connect allows next attempt
func (self *DeviceSession) endConnect(ok bool) {
	if ok {
		atomic.StoreInt32(&self.connect, connectDone)
	} else {
		atomic.CompareAndSwapInt32(&self.connect, connectPending, connectNone)
	}
}

type Registry struct {
	mu sync.RWMutex
	m  map[string]*DeviceSession
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*DeviceSession)}
}

// GetOrCreate is atomic: concurrent callers get the same session.
func (self *Registry) GetOrCreate(name string) *DeviceSession {
	self.mu.RLock()
	d, ok := self.m[name]
	self.mu.RUnlock()
	if ok {
		return d
	}

	self.mu.Lock()
	defer self.mu.Unlock()
	if d, ok = self.m[name]; !ok {
		d = &DeviceSession{Name: name}
		self.m[name] = d
	}
	return d
}

// Bind overwrites owning connector, repeated calls are fine.
func (self *Registry) Bind(name, connector string) *DeviceSession {
	d := self.GetOrCreate(name)
	d.mu.Lock()
	d.connector = connector
	d.mu.Unlock()
	return d
}

func (self *Registry) Resolve(name string) (*DeviceSession, bool) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	d, ok := self.m[name]
	return d, ok
}

func (self *Registry) Len() int {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return len(self.m)
}

// Sessions returns snapshot sorted by name.
func (self *Registry) Sessions() []*DeviceSession {
	self.mu.RLock()
	ds := make([]*DeviceSession, 0, len(self.m))
	for _, d := range self.m {
		ds = append(ds, d)
	}
	self.mu.RUnlock()
	sort.Slice(ds, func(i, j int) bool { return ds[i].Name < ds[j].Name })
	return ds
}
