package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotgw/platform"
)

type rpcEntry struct {
	token    string
	req      platform.RPCRequest
	deadline time.Time
	onCancel func()
}

// rpcTracker removes every entry at most once: take and sweep both delete under lock.
type rpcTracker struct {
	mu sync.Mutex
	m  map[string]*rpcEntry
}

func newRPCTracker() *rpcTracker {
	return &rpcTracker{m: make(map[string]*rpcEntry)}
}

// register returns true if an entry with same token was overwritten.
func (self *rpcTracker) register(e *rpcEntry) bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	_, replaced := self.m[e.token]
	self.m[e.token] = e
	return replaced
}

func (self *rpcTracker) take(token string) (*rpcEntry, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	e, ok := self.m[token]
	if ok {
		delete(self.m, token)
	}
	return e, ok
}

// sweep removes and returns entries with deadline at or before now.
func (self *rpcTracker) sweep(now time.Time) []*rpcEntry {
	self.mu.Lock()
	defer self.mu.Unlock()
	var expired []*rpcEntry
	for _, e := range self.m {
		if !e.deadline.After(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		delete(self.m, e.token)
	}
	return expired
}

func (self *rpcTracker) len() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.m)
}

// RegisterRPC records request awaiting device reply.
// onCancel runs once if deadline passes before CompleteRPC or CancelRPC.
// Same token again overwrites previous entry without calling its onCancel.
func (self *Gateway) RegisterRPC(token string, req platform.RPCRequest, deadline time.Time, onCancel func()) {
	replaced := self.rpc.register(&rpcEntry{
		token:    token,
		req:      req,
		deadline: deadline,
		onCancel: onCancel,
	})
	if replaced {
		self.log.Infof("rpc token=%s re-registered device=%s id=%d", token, req.Device, req.Data.ID)
	} else {
		self.log.Debugf("rpc token=%s registered device=%s id=%d deadline=%s", token, req.Device, req.Data.ID, deadline.Format(time.RFC3339Nano))
	}
}

// CompleteRPC takes the entry first, then sends reply.
// Already completed, cancelled or expired token yields ErrRPCNotFound and no reply.
func (self *Gateway) CompleteRPC(token string, reply json.RawMessage) error {
	e, ok := self.rpc.take(token)
	if !ok {
		return errors.Annotatef(ErrRPCNotFound, "token=%s", token)
	}
	err := self.ReplyRPC(e.req.Device, e.req.Data.ID, reply)
	return errors.Annotatef(err, "rpc complete token=%s", token)
}

// CancelRPC drops the entry without calling onCancel. Missing token is fine.
func (self *Gateway) CancelRPC(token string) {
	if _, ok := self.rpc.take(token); ok {
		self.log.Debugf("rpc token=%s cancelled", token)
	}
}

func (self *Gateway) RPCInProgress() int { return self.rpc.len() }

// onCancel callbacks run outside tracker lock, so they may call back into gateway.
func (self *Gateway) sweepRPC(now time.Time) int {
	expired := self.rpc.sweep(now)
	for _, e := range expired {
		self.metrics.rpcTimeouts.Inc()
		self.log.Infof("rpc token=%s device=%s id=%d method=%s timeout", e.token, e.req.Device, e.req.Data.ID, e.req.Data.Method)
		if e.onCancel != nil {
			e.onCancel()
		}
	}
	return len(expired)
}

func (self *Gateway) sweepWorker() {
	defer self.workers.Done()
	tick := time.NewTicker(self.delays.rpcSweep)
	defer tick.Stop()
	stopch := self.alive.StopChan()
	for {
		select {
		case now := <-tick.C:
			self.sweepRPC(now)
		case <-stopch:
			return
		}
	}
}
