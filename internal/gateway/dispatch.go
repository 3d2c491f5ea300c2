package gateway

import (
	"github.com/temoto/iotgw/platform"
)

func (self *Gateway) resolveConnector(device string) Connector {
	d, ok := self.registry.Resolve(device)
	if !ok {
		return nil
	}
	name := d.Connector()
	if name == "" {
		return nil
	}
	return self.connector(name)
}

func (self *Gateway) onServerRPC(req platform.RPCRequest) {
	if req.Device == "" {
		self.log.Debugf("rpc without device dropped id=%d method=%s", req.Data.ID, req.Data.Method)
		return
	}
	c := self.resolveConnector(req.Device)
	if c == nil {
		self.metrics.unresolved.WithLabelValues("rpc").Inc()
		self.log.Errorf("rpc %v device=%s payload=%s", ErrDeviceUnresolved, req.Device, req.Raw)
		return
	}
	self.log.Debugf("rpc device=%s id=%d method=%s -> connector=%s", req.Device, req.Data.ID, req.Data.Method, c.Name())
	c.HandleServerRPC(req)
}

// Unknown device: log and drop, same as RPC.
func (self *Gateway) onAttributeUpdate(upd platform.AttributeUpdate) {
	if upd.Device == "" {
		self.log.Debugf("attribute update without device dropped payload=%s", upd.Raw)
		return
	}
	c := self.resolveConnector(upd.Device)
	if c == nil {
		self.metrics.unresolved.WithLabelValues("attributes").Inc()
		self.log.Errorf("attribute update %v device=%s payload=%s", ErrDeviceUnresolved, upd.Device, upd.Raw)
		return
	}
	self.log.Debugf("attribute update device=%s -> connector=%s", upd.Device, c.Name())
	c.OnAttributesUpdate(upd)
}
