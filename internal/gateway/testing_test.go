package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/helpers"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/platform"
	"github.com/temoto/iotgw/storage"
)

type platformCall struct {
	kind    string
	device  string
	payload interface{}
}

// fail func result: future never completes
var errNoAnswer = fmt.Errorf("no answer")

type fakePlatform struct {
	sync.Mutex
	calls  []platformCall
	fail   func(kind, device string) error
	onRPC  platform.RPCHandler
	onAttr platform.AttributeHandler
}

var _ platform.Client = &fakePlatform{}

func (self *fakePlatform) call(kind, device string, payload interface{}) *helpers.Future {
	self.Lock()
	self.calls = append(self.calls, platformCall{kind, device, payload})
	fail := self.fail
	self.Unlock()
	if fail != nil {
		if err := fail(kind, device); err == errNoAnswer {
			return helpers.NewFuture()
		} else if err != nil {
			return helpers.NewFailedFuture(err)
		}
	}
	f := helpers.NewFuture()
	f.Complete(nil)
	return f
}

func (self *fakePlatform) ConnectDevice(name string) *helpers.Future {
	return self.call("connect", name, nil)
}
func (self *fakePlatform) DisconnectDevice(name string) *helpers.Future {
	return self.call("disconnect", name, nil)
}
func (self *fakePlatform) PublishTelemetry(name string, t platform.Telemetry) *helpers.Future {
	return self.call("telemetry", name, t)
}
func (self *fakePlatform) PublishAttributes(name string, values event.Values) *helpers.Future {
	return self.call("attributes", name, values)
}
func (self *fakePlatform) SendRPCReply(name string, id int64, payload json.RawMessage) *helpers.Future {
	return self.call("rpc_reply", name, outboxItem{Device: name, ID: id, Data: payload})
}
func (self *fakePlatform) SubscribeRPC(h platform.RPCHandler) {
	self.Lock()
	self.onRPC = h
	self.Unlock()
}
func (self *fakePlatform) SubscribeAttributeUpdates(h platform.AttributeHandler) {
	self.Lock()
	self.onAttr = h
	self.Unlock()
}
func (self *fakePlatform) Close() error { return nil }

func (self *fakePlatform) setFail(f func(kind, device string) error) {
	self.Lock()
	self.fail = f
	self.Unlock()
}

// calls of given kinds, all when none given
func (self *fakePlatform) Calls(kinds ...string) []platformCall {
	self.Lock()
	defer self.Unlock()
	result := make([]platformCall, 0, len(self.calls))
	for _, c := range self.calls {
		if len(kinds) == 0 {
			result = append(result, c)
			continue
		}
		for _, k := range kinds {
			if c.kind == k {
				result = append(result, c)
			}
		}
	}
	return result
}

type fakeConnector struct {
	sync.Mutex
	name    string
	openErr error
	opened  bool
	closed  bool
	rpcs    []platform.RPCRequest
	attrs   []platform.AttributeUpdate
	onRPC   func(platform.RPCRequest)
}

func (self *fakeConnector) Name() string { return self.name }
func (self *fakeConnector) Open(ctx context.Context) error {
	self.Lock()
	defer self.Unlock()
	self.opened = self.openErr == nil
	return self.openErr
}
func (self *fakeConnector) Close() error {
	self.Lock()
	defer self.Unlock()
	self.closed = true
	return nil
}
func (self *fakeConnector) HandleServerRPC(req platform.RPCRequest) {
	self.Lock()
	self.rpcs = append(self.rpcs, req)
	f := self.onRPC
	self.Unlock()
	if f != nil {
		f(req)
	}
}
func (self *fakeConnector) OnAttributesUpdate(upd platform.AttributeUpdate) {
	self.Lock()
	defer self.Unlock()
	self.attrs = append(self.attrs, upd)
}
func (self *fakeConnector) RPCs() []platform.RPCRequest {
	self.Lock()
	defer self.Unlock()
	return append([]platform.RPCRequest(nil), self.rpcs...)
}
func (self *fakeConnector) Attrs() []platform.AttributeUpdate {
	self.Lock()
	defer self.Unlock()
	return append([]platform.AttributeUpdate(nil), self.attrs...)
}

type tenv struct {
	g   *Gateway
	p   *fakePlatform
	q   *storage.Queue
	c   *fakeConnector
	reg *prometheus.Registry
	log *log2.Log
}

func newTestEnv(t testing.TB, sc storage.Config) *tenv {
	if sc.Type == "" {
		sc.Type = storage.TypeMemory
	}
	q, err := storage.Open(sc)
	require.NoError(t, err)
	env := &tenv{
		p:   &fakePlatform{},
		q:   q,
		c:   &fakeConnector{name: "c1"},
		reg: prometheus.NewRegistry(),
		log: log2.NewTest(t, log2.LDebug),
	}
	env.g, err = New(Options{
		Log:        env.log,
		Platform:   env.p,
		Queue:      q,
		Registerer: env.reg,
	})
	require.NoError(t, err)
	require.NoError(t, env.g.AddConnector(env.c))
	// fast retries in tests
	env.g.delays.idle = 20 * time.Millisecond
	env.g.delays.rpcSweep = 10 * time.Millisecond
	env.g.relayBackoff.Min, env.g.relayBackoff.Max = 20*time.Millisecond, 20*time.Millisecond
	env.g.outboxBackoff.Min, env.g.outboxBackoff.Max = 20*time.Millisecond, 20*time.Millisecond
	return env
}

func (self *tenv) close() {
	// background connect waiters log into t
	self.g.Stop()
	self.g.Wait()
	_ = self.g.outbox.Close()
	_ = self.q.Close()
}
