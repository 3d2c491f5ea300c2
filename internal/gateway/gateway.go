// Package gateway relays device events from connectors to the IoT platform
// through a durable queue and routes platform RPC and attribute updates back
// to the connector owning the device.
//
// Gateway contract:
// - New() fails only with invalid config or metrics registration
// - Submit() blocks at most for queue write, platform may be absent or offline
// - events leave the queue only after platform acknowledged every publish
// - Run() opens connectors, runs relay, RPC sweep and reply outbox until ctx is done or Stop()
package gateway

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/temoto/alive/v2"
	"github.com/temoto/iotgw/helpers"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/platform"
	"github.com/temoto/iotgw/storage"
	"github.com/temoto/spq"
)

// Connector translates device protocol to Canonical Events and back.
// HandleServerRPC and OnAttributesUpdate are called from platform receive path,
// they must not block for long.
type Connector interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	HandleServerRPC(req platform.RPCRequest)
	OnAttributesUpdate(upd platform.AttributeUpdate)
}

// Queue is durable event storage with pack peek/commit.
type Queue interface {
	Put(b []byte) error
	PeekPack() (storage.Pack, error)
	CommitPack() error
	Len() int
	Notify() <-chan struct{}
	Close() error
}

type Options struct {
	Log        *log2.Log
	Config     Config
	Platform   platform.Client
	Queue      Queue
	Registerer prometheus.Registerer // nil: private registry
	// OnRunning is called once connectors are opened and workers started.
	OnRunning func()
}

type Gateway struct { //nolint:maligned
	alive    *alive.Alive
	workers  sync.WaitGroup
	config   Config
	delays   delays
	log      *log2.Log
	platform platform.Client
	queue    Queue
	outbox   *spq.Queue
	registry *Registry
	rpc      *rpcTracker
	metrics  *metrics

	relayBackoff  helpers.Backoff
	outboxBackoff helpers.Backoff
	relayState    uint32
	onRunning     func()

	mu         sync.RWMutex
	connectors map[string]Connector
	running    bool
}

func New(opt Options) (*Gateway, error) {
	if opt.Platform == nil || opt.Queue == nil {
		return nil, errors.NotValidf("code error gateway.Options Platform=%v Queue=%v", opt.Platform, opt.Queue)
	}
	self := &Gateway{
		alive:      alive.NewAlive(),
		config:     opt.Config,
		delays:     opt.Config.delays(),
		log:        opt.Log.Clone(opt.Log.Level()),
		platform:   opt.Platform,
		queue:      opt.Queue,
		registry:   NewRegistry(),
		rpc:        newRPCTracker(),
		connectors: make(map[string]Connector),
		onRunning:  opt.OnRunning,
	}
	self.relayBackoff = helpers.Backoff{Min: self.delays.errorMin, Max: self.delays.errorMax, K: 2}
	self.outboxBackoff = helpers.Backoff{Min: self.delays.errorMin / 10, Max: self.delays.errorMax, K: 2}

	reg := opt.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	var err error
	self.metrics, err = newMetrics(reg,
		func() float64 { return float64(self.queue.Len()) },
		func() float64 { return float64(self.rpc.len()) },
	)
	if err != nil {
		return nil, err
	}
	// private copy, caller's logger and its other clones keep their own hook
	self.log.SetErrorFunc(self.metrics.onLoggedError)

	outboxPath := self.config.RPCOutboxPath
	if outboxPath == "" {
		outboxPath = spq.OnlyForTesting
	}
	if self.outbox, err = spq.Open(outboxPath); err != nil {
		return nil, errors.Annotatef(err, "gateway rpc outbox path=%s", self.config.RPCOutboxPath)
	}
	return self, nil
}

// Log returns the gateway logger, errors logged through it are counted in metrics.
func (self *Gateway) Log() *log2.Log { return self.log }

// AddConnector must be called before Run.
func (self *Gateway) AddConnector(c Connector) error {
	name := c.Name()
	if name == "" {
		return errors.NotValidf("connector name empty")
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.running {
		return errors.Errorf("connector=%s added after gateway Run", name)
	}
	if _, ok := self.connectors[name]; ok {
		return errors.Annotatef(ErrDuplicateConnector, "name=%s", name)
	}
	self.connectors[name] = c
	return nil
}

func (self *Gateway) connector(name string) Connector {
	self.mu.RLock()
	defer self.mu.RUnlock()
	return self.connectors[name]
}

// sorted by name for stable open/close order
func (self *Gateway) connectorList() []Connector {
	self.mu.RLock()
	cs := make([]Connector, 0, len(self.connectors))
	for _, c := range self.connectors {
		cs = append(cs, c)
	}
	self.mu.RUnlock()
	sort.Slice(cs, func(i, j int) bool { return cs[i].Name() < cs[j].Name() })
	return cs
}

func (self *Gateway) Registry() *Registry { return self.registry }

// Run blocks until ctx is done or Stop is called.
// Connector open errors are logged, remaining connectors keep working.
// Returns folded connector close errors.
func (self *Gateway) Run(ctx context.Context) error {
	if !self.alive.Add(1) {
		return ErrStopped
	}
	defer self.alive.Done()
	self.mu.Lock()
	if self.running {
		self.mu.Unlock()
		return errors.Errorf("gateway already running")
	}
	self.running = true
	self.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	self.platform.SubscribeRPC(self.onServerRPC)
	self.platform.SubscribeAttributeUpdates(self.onAttributeUpdate)
	connectors := self.connectorList()
	opened := 0
	for _, c := range connectors {
		if err := c.Open(ctx); err != nil {
			self.log.Errorf("connector=%s open err=%v", c.Name(), errors.ErrorStack(err))
			continue
		}
		opened++
	}
	self.log.Infof("gateway running connectors=%d/%d queue=%d", opened, len(connectors), self.queue.Len())

	self.workers.Add(3)
	go self.relayWorker(ctx)
	go self.outboxWorker(ctx)
	go self.sweepWorker()
	if self.onRunning != nil {
		self.onRunning()
	}

	select {
	case <-ctx.Done():
	case <-self.alive.StopChan():
	}
	self.alive.Stop()
	cancel()
	if err := self.outbox.Close(); err != nil {
		self.log.Errorf("gateway rpc outbox close err=%v", err)
	}
	self.workers.Wait()

	self.disconnectDevices()
	errs := make([]error, 0)
	for _, c := range connectors {
		if err := c.Close(); err != nil {
			errs = append(errs, errors.Annotatef(err, "connector=%s close", c.Name()))
		}
	}
	self.log.Infof("gateway stopped queue=%d rpc_in_progress=%d", self.queue.Len(), self.rpc.len())
	return helpers.FoldErrors(errs)
}

func (self *Gateway) Stop() { self.alive.Stop() }

// Wait returns after Stop (or Run ctx done) and Run cleanup finished.
func (self *Gateway) Wait() { self.alive.Wait() }

// connectDevice issues platform connect unless acknowledged or pending.
// Completion is awaited in background, failure allows retry on next event.
func (self *Gateway) connectDevice(d *DeviceSession) {
	if !d.beginConnect() {
		return
	}
	f := self.platform.ConnectDevice(d.Name)
	if !self.alive.Add(1) {
		d.endConnect(false)
		return
	}
	go func() {
		defer self.alive.Done()
		ctx, cancel := self.stopContext(self.delays.connectMax)
		defer cancel()
		err := f.Wait(ctx)
		d.endConnect(err == nil)
		if err != nil && !self.alive.IsRunning() {
			self.log.Debugf("platform connect device=%s abandoned on stop", d.Name)
			return
		}
		self.metrics.publishResult("connect", err)
		if err != nil {
			self.log.Errorf("platform connect device=%s err=%v", d.Name, err)
			return
		}
		self.log.Debugf("platform connect device=%s ok", d.Name)
	}()
}

// stopContext is done after timeout or gateway Stop, whichever comes first.
func (self *Gateway) stopContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	stopch := self.alive.StopChan()
	go func() {
		select {
		case <-stopch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (self *Gateway) disconnectDevices() {
	type pending struct {
		name string
		f    *helpers.Future
	}
	ps := make([]pending, 0)
	for _, d := range self.registry.Sessions() {
		if d.Connected() {
			ps = append(ps, pending{d.Name, self.platform.DisconnectDevice(d.Name)})
		}
	}
	if len(ps) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), self.delays.connectMax)
	defer cancel()
	for _, p := range ps {
		if err := p.f.Wait(ctx); err != nil {
			self.log.Errorf("platform disconnect device=%s err=%v", p.name, err)
		}
	}
}

func (self *Gateway) setRelayState(s RelayState) { atomic.StoreUint32(&self.relayState, uint32(s)) }
func (self *Gateway) RelayState() RelayState     { return RelayState(atomic.LoadUint32(&self.relayState)) }
