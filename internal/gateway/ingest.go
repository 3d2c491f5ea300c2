package gateway

import (
	"github.com/juju/errors"
	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/storage"
)

// Submit accepts serialized Canonical Event from connector.
// Invalid events and unknown connectors are rejected before touching the queue.
func (self *Gateway) Submit(connectorName string, raw []byte) error {
	if err := event.Validate(raw); err != nil {
		self.metrics.invalid.WithLabelValues(connectorName).Inc()
		return errors.Wrapf(err, ErrInvalidEvent, "connector=%s %v", connectorName, err)
	}
	e, err := event.Decode(raw)
	if err != nil {
		self.metrics.invalid.WithLabelValues(connectorName).Inc()
		return errors.Wrapf(err, ErrInvalidEvent, "connector=%s %v", connectorName, err)
	}
	return self.submit(connectorName, e)
}

// SubmitEvent is Submit for connectors building events in memory.
func (self *Gateway) SubmitEvent(connectorName string, e *event.Event) error {
	if e == nil {
		return errors.Annotatef(ErrInvalidEvent, "connector=%s event=nil", connectorName)
	}
	b, err := e.Encode()
	if err == nil {
		err = event.Validate(b)
	}
	if err != nil {
		self.metrics.invalid.WithLabelValues(connectorName).Inc()
		return errors.Wrapf(err, ErrInvalidEvent, "connector=%s %v", connectorName, err)
	}
	return self.submit(connectorName, e)
}

func (self *Gateway) submit(connectorName string, e *event.Event) error {
	if self.connector(connectorName) == nil {
		return errors.Annotatef(ErrUnknownConnector, "connector=%s device=%s", connectorName, e.DeviceName)
	}
	self.metrics.incoming.WithLabelValues(connectorName).Inc()

	// entry exists and is bound before anything refers to its connector
	d := self.registry.Bind(e.DeviceName, connectorName)
	d.seen(e)
	self.connectDevice(d)

	b, err := e.Encode()
	if err != nil {
		return errors.Wrapf(err, ErrInvalidEvent, "connector=%s device=%s %v", connectorName, e.DeviceName, err)
	}
	if err = self.queue.Put(b); err != nil {
		if errors.Cause(err) == storage.ErrFull {
			self.metrics.storageErrors.WithLabelValues(connectorName, "full").Inc()
			return errors.Wrapf(err, ErrStorageFull, "connector=%s device=%s queue=%d", connectorName, e.DeviceName, self.queue.Len())
		}
		self.metrics.storageErrors.WithLabelValues(connectorName, "unavailable").Inc()
		return errors.Wrapf(err, ErrStorageUnavailable, "connector=%s device=%s %v", connectorName, e.DeviceName, err)
	}
	self.log.Debugf("connector=%s device=%s queued", connectorName, e.DeviceName)
	return nil
}
