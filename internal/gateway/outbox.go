package gateway

import (
	"context"
	"encoding/json"

	"github.com/juju/errors"
	"github.com/temoto/iotgw/helpers"
	"github.com/temoto/spq"
)

type outboxItem struct {
	Device string          `json:"device"`
	ID     int64           `json:"id"`
	Data   json.RawMessage `json:"data"`
}

// ReplyRPC queues RPC reply for at-least-once delivery to platform.
func (self *Gateway) ReplyRPC(device string, id int64, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	b, err := json.Marshal(outboxItem{Device: device, ID: id, Data: payload})
	if err != nil {
		return errors.Annotatef(err, "rpc reply device=%s id=%d", device, id)
	}
	if err = self.outbox.Push(b); err != nil {
		return errors.Wrapf(err, ErrStorageUnavailable, "rpc reply device=%s id=%d %v", device, id, err)
	}
	self.log.Debugf("rpc reply device=%s id=%d queued", device, id)
	return nil
}

func (self *Gateway) outboxWorker(ctx context.Context) {
	defer self.workers.Done()
	for {
		box, err := self.outbox.Peek()
		switch err {
		case nil:
			// success path
			b := box.Bytes()
			del, err := self.outboxHandle(ctx, b)
			if ctx.Err() != nil {
				// not deleted, delivered after restart
				return
			}
			if del {
				if err = self.outbox.Delete(box); err != nil {
					self.log.Errorf("rpc outbox Delete b=%s err=%v", b, err)
				}
				self.outboxBackoff.DelayAfter(true)
				continue
			}
			if err = self.outbox.DeletePush(box); err != nil {
				self.log.Errorf("rpc outbox DeletePush b=%s err=%v", b, err)
			}
			if !helpers.Sleep(ctx, self.outboxBackoff.DelayAfter(false), nil) {
				return
			}

		case spq.ErrClosed:
			select {
			case <-self.alive.StopChan(): // success path
			default:
				self.log.Errorf("CRITICAL rpc outbox closed unexpectedly")
			}
			return

		default:
			self.log.Errorf("CRITICAL rpc outbox err=%v", err)
			if !helpers.Sleep(ctx, self.delays.errorMin, nil) {
				return
			}
		}
	}
}

// Returns true when item must be removed: delivered or undecodable.
func (self *Gateway) outboxHandle(ctx context.Context, b []byte) (bool, error) {
	var item outboxItem
	if err := json.Unmarshal(b, &item); err != nil {
		self.log.Errorf("CRITICAL rpc outbox decode b=%q err=%v", b, err)
		return true, nil // retry will not help
	}
	err := self.platform.SendRPCReply(item.Device, item.ID, item.Data).Wait(ctx)
	self.metrics.publishResult("rpc_reply", err)
	if err != nil {
		if ctx.Err() == nil {
			self.log.Errorf("rpc reply device=%s id=%d err=%v", item.Device, item.ID, err)
		}
		return false, err
	}
	self.log.Debugf("rpc reply device=%s id=%d sent", item.Device, item.ID)
	return true, nil
}
