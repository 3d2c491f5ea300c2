package gateway

import (
	"time"

	"github.com/temoto/iotgw/helpers"
)

const (
	DefaultIdleDelay      = 1 * time.Second
	DefaultErrorDelay     = 10 * time.Second
	DefaultRPCSweep       = 100 * time.Millisecond
	DefaultConnectTimeout = 10 * time.Second
)

type Config struct {
	IdleDelaySec      int    `hcl:"idle_delay_sec"`
	ErrorDelaySec     int    `hcl:"error_delay_sec"`
	ErrorDelayMaxSec  int    `hcl:"error_delay_max_sec"`
	RPCSweepMs        int    `hcl:"rpc_sweep_ms"`
	ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`
	RPCOutboxPath     string `hcl:"rpc_outbox_path"` // empty: in-memory outbox
}

type delays struct {
	idle       time.Duration
	errorMin   time.Duration
	errorMax   time.Duration
	rpcSweep   time.Duration
	connectMax time.Duration
}

func (c *Config) delays() delays {
	d := delays{
		idle:       helpers.IntSecondDefault(c.IdleDelaySec, DefaultIdleDelay),
		errorMin:   helpers.IntSecondDefault(c.ErrorDelaySec, DefaultErrorDelay),
		rpcSweep:   helpers.IntMillisecondDefault(c.RPCSweepMs, DefaultRPCSweep),
		connectMax: helpers.IntSecondDefault(c.ConnectTimeoutSec, DefaultConnectTimeout),
	}
	d.errorMax = helpers.IntSecondDefault(c.ErrorDelayMaxSec, d.errorMin)
	if d.errorMax < d.errorMin {
		d.errorMax = d.errorMin
	}
	return d
}
