package platform

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io/ioutil"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/helpers"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/platform/mqtt"
)

type publisher interface {
	PublishAsync(msg *packet.Message) *helpers.Future
	Close() error
}

// Session speaks gateway MQTT API over single platform connection.
type Session struct {
	log    *log2.Log
	pub    publisher
	onRPC  atomic.Value // RPCHandler
	onAttr atomic.Value // AttributeHandler
}

var _ Client = &Session{}

// NewSession fails only with invalid config, network issues are retried in background.
func NewSession(log *log2.Log, config Config) (*Session, error) {
	mqttLog := log.Clone(log2.LInfo)
	if config.LogDebug {
		mqttLog.SetLevel(log2.LDebug)
	}
	networkTimeout := helpers.IntSecondDefault(config.NetworkTimeoutSec, DefaultNetworkTimeout)
	if networkTimeout < 1*time.Second {
		networkTimeout = 1 * time.Second
	}
	keepalive := helpers.IntSecondDefault(config.KeepaliveSec, DefaultKeepalive)

	var tlsconf *tls.Config
	if config.TlsCaFile != "" {
		tlsconf = new(tls.Config)
		tlsconf.RootCAs = x509.NewCertPool()
		cabytes, err := ioutil.ReadFile(config.TlsCaFile)
		if err != nil {
			return nil, errors.Annotatef(err, "platform TLS")
		}
		if !tlsconf.RootCAs.AppendCertsFromPEM(cabytes) {
			return nil, errors.NotValidf("platform tls_ca_file=%s no certificates", config.TlsCaFile)
		}
	}
	clientID := config.ClientID
	if clientID == "" {
		clientID = "iotgw-" + uuid.New().String()
	}

	self := &Session{log: log}
	client, err := mqtt.NewClient(mqtt.ClientOptions{
		Log:            mqttLog,
		BrokerURL:      config.Broker,
		TLS:            tlsconf,
		KeepaliveSec:   uint16(keepalive / time.Second),
		NetworkTimeout: networkTimeout,
		ClientID:       clientID,
		Username:       config.AccessToken,
		ReconnectDelay: networkTimeout / 2,
		Subscriptions: []packet.Subscription{
			{Topic: TopicRPC, QOS: packet.QOSAtLeastOnce},
			{Topic: TopicAttributes, QOS: packet.QOSAtLeastOnce},
		},
		OnMessage: self.onMessage,
	})
	if err != nil {
		return nil, errors.Annotate(err, "platform session")
	}
	self.pub = client
	return self, nil
}

func newSessionWith(log *log2.Log, pub publisher) *Session {
	return &Session{log: log, pub: pub}
}

func (self *Session) Close() error { return self.pub.Close() }

type deviceMessage struct {
	Device string `json:"device"`
}

type rpcReply struct {
	Device string          `json:"device"`
	ID     int64           `json:"id"`
	Data   json.RawMessage `json:"data"`
}

func (self *Session) ConnectDevice(name string) *helpers.Future {
	return self.publishJSON(TopicConnect, deviceMessage{Device: name})
}

func (self *Session) DisconnectDevice(name string) *helpers.Future {
	return self.publishJSON(TopicDisconnect, deviceMessage{Device: name})
}

func (self *Session) PublishTelemetry(name string, t Telemetry) *helpers.Future {
	if len(t.Values) == 0 {
		return helpers.NewFailedFuture(errors.NotValidf("telemetry device=%s empty", name))
	}
	ts := t.Ts
	if ts == 0 {
		ts = time.Now().UnixNano() / int64(time.Millisecond)
	}
	records := make([]event.TelemetryItem, len(t.Values))
	for i, item := range t.Values {
		records[i] = item
		if records[i].Ts == 0 {
			records[i].Ts = ts
		}
	}
	return self.publishJSON(TopicTelemetry, map[string][]event.TelemetryItem{name: records})
}

func (self *Session) PublishAttributes(name string, values event.Values) *helpers.Future {
	if len(values) == 0 {
		return helpers.NewFailedFuture(errors.NotValidf("attributes device=%s empty", name))
	}
	return self.publishJSON(TopicAttributes, map[string]event.Values{name: values})
}

func (self *Session) SendRPCReply(name string, id int64, payload json.RawMessage) *helpers.Future {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return self.publishJSON(TopicRPC, rpcReply{Device: name, ID: id, Data: payload})
}

func (self *Session) SubscribeRPC(h RPCHandler) { self.onRPC.Store(h) }

func (self *Session) SubscribeAttributeUpdates(h AttributeHandler) { self.onAttr.Store(h) }

func (self *Session) publishJSON(topic string, v interface{}) *helpers.Future {
	payload, err := json.Marshal(v)
	if err != nil {
		return helpers.NewFailedFuture(errors.Annotatef(err, "platform encode topic=%s", topic))
	}
	self.log.Debugf("platform publish topic=%s payload=%s", topic, payload)
	return self.pub.PublishAsync(&packet.Message{
		Topic:   topic,
		Payload: payload,
		QOS:     packet.QOSAtLeastOnce,
	})
}

// Malformed messages are logged and acknowledged, redelivery will not fix them.
func (self *Session) onMessage(msg *packet.Message) error {
	switch msg.Topic {
	case TopicRPC:
		var req RPCRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			self.log.Errorf("platform rpc decode payload=%s err=%v", msg.Payload, err)
			return nil
		}
		if req.Data.Method == "" {
			// our own reply echoed by broker
			self.log.Debugf("platform rpc ignore payload=%s", msg.Payload)
			return nil
		}
		req.Raw = msg.Payload
		h, _ := self.onRPC.Load().(RPCHandler)
		if h == nil {
			self.log.Errorf("platform rpc no handler, dropped payload=%s", msg.Payload)
			return nil
		}
		h(req)

	case TopicAttributes:
		var upd AttributeUpdate
		if err := json.Unmarshal(msg.Payload, &upd); err != nil {
			self.log.Errorf("platform attributes decode payload=%s err=%v", msg.Payload, err)
			return nil
		}
		upd.Raw = msg.Payload
		h, _ := self.onAttr.Load().(AttributeHandler)
		if h == nil {
			self.log.Errorf("platform attributes no handler, dropped payload=%s", msg.Payload)
			return nil
		}
		h(upd)

	default:
		self.log.Errorf("platform message in unexpected topic=%s payload=%s", msg.Topic, msg.Payload)
	}
	return nil
}
