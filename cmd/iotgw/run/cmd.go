// Package run is the gateway service command.
package run

import (
	"context"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/daemon"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/iotgw/cmd/iotgw/subcmd"
	"github.com/temoto/iotgw/internal/config"
	connector_mqtt "github.com/temoto/iotgw/internal/connector/mqtt"
	"github.com/temoto/iotgw/internal/gateway"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/platform"
	"github.com/temoto/iotgw/storage"
)

var Mod = subcmd.Mod{Name: "run", Usage: "relay device events to platform (default)", Main: Main}

func Main(ctx context.Context, log *log2.Log, cfg *config.Config) error {
	paho.ERROR = log
	paho.CRITICAL = log
	paho.WARN = log

	queue, err := storage.Open(cfg.Storage)
	if err != nil {
		return errors.Annotate(err, "storage")
	}
	defer queue.Close()
	log.Infof("storage type=%s path=%s queue=%d", cfg.Storage.Type, cfg.Storage.Path, queue.Len())

	session, err := platform.NewSession(log, cfg.Platform)
	if err != nil {
		return errors.Annotate(err, "platform")
	}
	defer session.Close()

	gw, err := gateway.New(gateway.Options{
		Log:        log,
		Config:     cfg.Gateway,
		Platform:   session,
		Queue:      queue,
		Registerer: prometheus.DefaultRegisterer,
		OnRunning:  func() { subcmd.SdNotify(daemon.SdNotifyReady) },
	})
	if err != nil {
		return errors.Annotate(err, "gateway")
	}
	if err = addConnectors(gw.Log(), gw, cfg.Connectors); err != nil {
		return err
	}

	if cfg.MetricsListen != "" {
		srv := startMetrics(log, cfg.MetricsListen)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	err = gw.Run(ctx)
	subcmd.SdNotify(daemon.SdNotifyStopping)
	return err
}

func addConnectors(log *log2.Log, gw *gateway.Gateway, list []config.ConnectorConfig) error {
	for _, cc := range list {
		var c gateway.Connector
		var err error
		switch cc.Type {
		case config.ConnectorTypeMQTT:
			c, err = connector_mqtt.New(cc.Name, cc.MQTT, log, gw)
		default:
			err = errors.NotValidf("connector=%s type=%q", cc.Name, cc.Type)
		}
		if err == nil {
			err = gw.AddConnector(c)
		}
		if err != nil {
			return errors.Annotatef(err, "connector=%s", cc.Name)
		}
	}
	return nil
}

func startMetrics(log *log2.Log, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics listen=%s err=%v", addr, err)
		}
	}()
	log.Infof("metrics listen=%s", addr)
	return srv
}
