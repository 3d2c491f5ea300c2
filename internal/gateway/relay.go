package gateway

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/helpers"
	"github.com/temoto/iotgw/platform"
)

type RelayState uint32

const (
	RelayIdle RelayState = iota
	RelayDraining
	RelayPublishing
	RelayCommitting
)

func (self RelayState) String() string {
	switch self {
	case RelayIdle:
		return "idle"
	case RelayDraining:
		return "draining"
	case RelayPublishing:
		return "publishing"
	case RelayCommitting:
		return "committing"
	}
	return "invalid"
}

func (self *Gateway) relayWorker(ctx context.Context) {
	defer self.workers.Done()
	for {
		idle, err := self.relayOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err != nil:
			delay := self.relayBackoff.DelayAfter(false)
			self.log.Errorf("relay err=%v retry after=%v", err, delay)
			if !helpers.Sleep(ctx, delay, nil) {
				return
			}

		case idle:
			self.relayBackoff.DelayAfter(true)
			if !helpers.Sleep(ctx, self.delays.idle, self.queue.Notify()) {
				return
			}

		default:
			self.relayBackoff.DelayAfter(true)
		}
	}
}

type relayPublish struct {
	kind   string
	device string
	f      *helpers.Future
}

// relayOnce publishes one pack, commits it only if every publish succeeded.
// Returns idle=true when queue is empty.
func (self *Gateway) relayOnce(ctx context.Context) (bool, error) {
	defer self.setRelayState(RelayIdle)
	self.setRelayState(RelayDraining)
	pack, err := self.queue.PeekPack()
	if err != nil {
		return false, errors.Annotate(err, "relay peek")
	}
	if len(pack.Items) == 0 {
		return true, nil
	}

	self.setRelayState(RelayPublishing)
	now := time.Now().UnixNano() / int64(time.Millisecond)
	pubs := make([]relayPublish, 0, len(pack.Items))
	for i, b := range pack.Items {
		e, err := event.Decode(b)
		if err != nil {
			// retry will not help
			self.log.Errorf("CRITICAL relay %s item=%d undecodable b=%q err=%v, skipped", pack, i, b, err)
			continue
		}
		d := self.registry.GetOrCreate(e.DeviceName)
		self.connectDevice(d)
		if e.HasTelemetry() {
			pubs = append(pubs, relayPublish{"telemetry", e.DeviceName,
				self.platform.PublishTelemetry(e.DeviceName, platform.Telemetry{Ts: now, Values: e.Telemetry})})
		}
		if e.HasAttributes() {
			pubs = append(pubs, relayPublish{"attributes", e.DeviceName,
				self.platform.PublishAttributes(e.DeviceName, e.MergedAttributes())})
		}
	}

	errs := make([]error, 0)
	for _, p := range pubs {
		err := p.f.Wait(ctx)
		if ctx.Err() != nil {
			return false, errors.Annotatef(ctx.Err(), "relay %s", pack)
		}
		self.metrics.publishResult(p.kind, err)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "%s device=%s", p.kind, p.device))
		}
	}
	if len(errs) != 0 {
		self.metrics.packs.WithLabelValues("failed").Inc()
		err = helpers.FoldErrors(errs)
		return false, errors.Wrapf(err, ErrPublishFailure, "relay %s failed=%d/%d %v", pack, len(errs), len(pubs), err)
	}

	self.setRelayState(RelayCommitting)
	if err = self.queue.CommitPack(); err != nil {
		return false, errors.Annotatef(err, "relay commit %s", pack)
	}
	self.metrics.packs.WithLabelValues("ok").Inc()
	self.log.Debugf("relay %s committed publishes=%d", pack, len(pubs))
	return false, nil
}
