package gateway

import (
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "iotgw"
	metricsSubsystem = "gateway"
)

type metrics struct {
	incoming      *prometheus.CounterVec // connector
	invalid       *prometheus.CounterVec // connector
	storageErrors *prometheus.CounterVec // connector, kind: full, unavailable
	packs         *prometheus.CounterVec // result: ok, failed
	published     *prometheus.CounterVec // kind: connect, telemetry, attributes, rpc_reply; result
	unresolved    *prometheus.CounterVec // kind: rpc, attributes
	rpcTimeouts   prometheus.Counter
	errorsLogged  prometheus.Counter
	queueDepth    prometheus.GaugeFunc
	rpcInProgress prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, queueDepth, rpcInProgress func() float64) (*metrics, error) {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: metricsNamespace, Subsystem: metricsSubsystem, Name: name, Help: help}
	}
	m := &metrics{
		incoming:      prometheus.NewCounterVec(opts("incoming_messages_total", "Events accepted from connectors"), []string{"connector"}),
		invalid:       prometheus.NewCounterVec(opts("invalid_events_total", "Events rejected by validation"), []string{"connector"}),
		storageErrors: prometheus.NewCounterVec(opts("storage_errors_total", "Events not persisted due to storage errors"), []string{"connector", "kind"}),
		packs:         prometheus.NewCounterVec(opts("packs_total", "Relay packs by outcome"), []string{"result"}),
		published:     prometheus.NewCounterVec(opts("published_total", "Platform publishes by kind and outcome"), []string{"kind", "result"}),
		unresolved:    prometheus.NewCounterVec(opts("unresolved_total", "Inbound platform messages for unknown devices"), []string{"kind"}),
		rpcTimeouts:   prometheus.NewCounter(opts("rpc_timeouts_total", "RPC requests expired without device reply")),
		errorsLogged:  prometheus.NewCounter(opts("errors_logged_total", "Errors written to log")),
		queueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "queue_depth", Help: "Events waiting in durable queue",
		}, queueDepth),
		rpcInProgress: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: metricsSubsystem,
			Name: "rpc_in_progress", Help: "RPC requests awaiting device reply",
		}, rpcInProgress),
	}
	for _, c := range []prometheus.Collector{
		m.incoming, m.invalid, m.storageErrors, m.packs, m.published,
		m.unresolved, m.rpcTimeouts, m.errorsLogged, m.queueDepth, m.rpcInProgress,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Annotate(err, "gateway metrics register")
		}
	}
	return m, nil
}

func (self *metrics) onLoggedError(error) { self.errorsLogged.Inc() }

func (self *metrics) publishResult(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	self.published.WithLabelValues(kind, result).Inc()
}
