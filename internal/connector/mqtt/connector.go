// Package mqtt is device side MQTT connector: JSON messages from device topics
// become Canonical Events, platform RPC and attribute updates become device topic publishes.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/helpers"
	"github.com/temoto/iotgw/internal/gateway"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/platform"
)

const (
	Type                   = "mqtt"
	DefaultResponseTimeout = 10 * time.Second
	DefaultNetworkTimeout  = 10 * time.Second
	DefaultKeepalive       = 60 * time.Second
	disconnectQuiesceMs    = 250
)

// Gateway is the part of *gateway.Gateway used by connector.
type Gateway interface {
	SubmitEvent(connectorName string, e *event.Event) error
	RegisterRPC(token string, req platform.RPCRequest, deadline time.Time, onCancel func())
	CompleteRPC(token string, reply json.RawMessage) error
	ReplyRPC(device string, id int64, payload json.RawMessage) error
}

var _ Gateway = &gateway.Gateway{}
var _ gateway.Connector = &Connector{}

// subset of paho.Client
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token
	Unsubscribe(topics ...string) paho.Token
}

type mapping struct {
	Mapping
	reDevice   *regexp.Regexp
	telemetry  map[string]struct{}
	attributes map[string]struct{}
}

type attrRule struct {
	AttributeUpdate
	reDevice *regexp.Regexp
	reKey    *regexp.Regexp
}

type rpcRule struct {
	RPC
	reDevice *regexp.Regexp
	reMethod *regexp.Regexp
	timeout  time.Duration
}

type Connector struct { //nolint:maligned
	name           string
	config         Config
	log            *log2.Log
	gw             Gateway
	qos            byte
	networkTimeout time.Duration
	mappings       []*mapping
	attrRules      []*attrRule
	rpcRules       []*rpcRule
	newClient      func(*paho.ClientOptions) client

	mu        sync.Mutex
	client    client
	responses map[string]paho.MessageHandler // live RPC response subscriptions
}

// New fails only with invalid config, network is touched in Open.
func New(name string, config Config, log *log2.Log, gw Gateway) (*Connector, error) {
	if config.Broker == "" {
		return nil, errors.NotValidf("connector=%s mqtt broker empty", name)
	}
	if config.QOS < 0 || config.QOS > 1 {
		return nil, errors.NotValidf("connector=%s mqtt qos=%d", name, config.QOS)
	}
	self := &Connector{
		name:           name,
		config:         config,
		log:            log,
		gw:             gw,
		qos:            byte(config.QOS),
		networkTimeout: helpers.IntSecondDefault(config.NetworkTimeoutSec, DefaultNetworkTimeout),
		newClient:      func(o *paho.ClientOptions) client { return paho.NewClient(o) },
		responses:      make(map[string]paho.MessageHandler),
	}
	for i, m := range config.Mappings {
		cm := &mapping{Mapping: m, telemetry: stringSet(m.Telemetry), attributes: stringSet(m.Attributes)}
		if m.TopicFilter == "" {
			return nil, errors.NotValidf("connector=%s mapping[%d] topic_filter empty", name, i)
		}
		switch {
		case m.DeviceNameField != "":
		case m.DeviceNameTopicRegex != "":
			re, err := regexp.Compile(m.DeviceNameTopicRegex)
			if err != nil {
				return nil, errors.Annotatef(err, "connector=%s mapping[%d] device_name_topic_regex", name, i)
			}
			if re.NumSubexp() < 1 {
				return nil, errors.NotValidf("connector=%s mapping[%d] device_name_topic_regex needs group", name, i)
			}
			cm.reDevice = re
		default:
			return nil, errors.NotValidf("connector=%s mapping[%d] device name source missing", name, i)
		}
		self.mappings = append(self.mappings, cm)
	}
	for i, a := range config.AttributeUpdates {
		r := &attrRule{AttributeUpdate: a}
		var err error
		if r.reDevice, err = compileFilter(a.DeviceNameFilter); err != nil {
			return nil, errors.Annotatef(err, "connector=%s attribute_update[%d]", name, i)
		}
		if r.reKey, err = compileFilter(a.AttributeFilter); err != nil {
			return nil, errors.Annotatef(err, "connector=%s attribute_update[%d]", name, i)
		}
		if a.TopicExpression == "" {
			return nil, errors.NotValidf("connector=%s attribute_update[%d] topic_expression empty", name, i)
		}
		if r.ValueExpression == "" {
			r.ValueExpression = "${attributeValue}"
		}
		self.attrRules = append(self.attrRules, r)
	}
	for i, x := range config.RPC {
		r := &rpcRule{RPC: x, timeout: helpers.IntMillisecondDefault(x.ResponseTimeoutMs, DefaultResponseTimeout)}
		var err error
		if r.reDevice, err = compileFilter(x.DeviceNameFilter); err != nil {
			return nil, errors.Annotatef(err, "connector=%s rpc[%d]", name, i)
		}
		if r.reMethod, err = compileFilter(x.MethodFilter); err != nil {
			return nil, errors.Annotatef(err, "connector=%s rpc[%d]", name, i)
		}
		if x.RequestTopicExpression == "" {
			return nil, errors.NotValidf("connector=%s rpc[%d] request_topic_expression empty", name, i)
		}
		if r.ValueExpression == "" {
			r.ValueExpression = "${params}"
		}
		self.rpcRules = append(self.rpcRules, r)
	}
	return self, nil
}

func (self *Connector) Name() string { return self.name }

// Open connects to broker, paho reconnects and resubscribes later by itself.
func (self *Connector) Open(ctx context.Context) error {
	clientID := self.config.ClientID
	if clientID == "" {
		clientID = "iotgw-" + self.name + "-" + uuid.New().String()[:8]
	}
	opts := paho.NewClientOptions().
		AddBroker(self.config.Broker).
		SetClientID(clientID).
		SetUsername(self.config.Username).
		SetPassword(self.config.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetKeepAlive(helpers.IntSecondDefault(self.config.KeepaliveSec, DefaultKeepalive)).
		SetConnectTimeout(self.networkTimeout).
		SetOnConnectHandler(func(paho.Client) { self.onConnect() }).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			self.log.Errorf("connector=%s mqtt connection lost err=%v", self.name, err)
		})

	c := self.newClient(opts)
	self.mu.Lock()
	self.client = c
	self.mu.Unlock()

	timeout := self.networkTimeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if err := waitToken(c.Connect(), timeout); err != nil {
		return errors.Annotatef(err, "connector=%s mqtt connect broker=%s", self.name, self.config.Broker)
	}
	self.log.Infof("connector=%s mqtt connected broker=%s", self.name, self.config.Broker)
	return nil
}

func (self *Connector) Close() error {
	self.mu.Lock()
	c := self.client
	self.client = nil
	self.mu.Unlock()
	if c != nil {
		c.Disconnect(disconnectQuiesceMs)
	}
	return nil
}

func (self *Connector) getClient() client {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.client
}

// clean session: every connect starts without subscriptions
func (self *Connector) onConnect() {
	c := self.getClient()
	if c == nil {
		return
	}
	for _, m := range self.mappings {
		m := m
		handler := func(_ paho.Client, msg paho.Message) { self.onMessage(m, msg.Topic(), msg.Payload()) }
		if err := waitToken(c.Subscribe(m.TopicFilter, self.qos, handler), self.networkTimeout); err != nil {
			self.log.Errorf("connector=%s subscribe topic=%s err=%v", self.name, m.TopicFilter, err)
		}
	}
	self.mu.Lock()
	responses := make(map[string]paho.MessageHandler, len(self.responses))
	for topic, h := range self.responses {
		responses[topic] = h
	}
	self.mu.Unlock()
	for topic, h := range responses {
		c.Subscribe(topic, self.qos, h)
	}
	self.log.Debugf("connector=%s subscribed mappings=%d responses=%d", self.name, len(self.mappings), len(responses))
}

func (self *Connector) onMessage(m *mapping, topic string, payload []byte) {
	e, err := m.convert(topic, payload)
	if err != nil {
		self.log.Errorf("connector=%s topic=%s payload=%q convert err=%v", self.name, topic, payload, err)
		return
	}
	if e == nil {
		self.log.Debugf("connector=%s topic=%s nothing to send", self.name, topic)
		return
	}
	if err = self.gw.SubmitEvent(self.name, e); err != nil {
		self.log.Errorf("connector=%s device=%s submit err=%v", self.name, e.DeviceName, err)
	}
}

// convert returns nil event when payload has no mapped keys.
func (m *mapping) convert(topic string, payload []byte) (*event.Event, error) {
	d := json.NewDecoder(bytes.NewReader(payload))
	d.UseNumber()
	var obj map[string]interface{}
	if err := d.Decode(&obj); err != nil {
		return nil, errors.Annotate(err, "payload decode")
	}

	e := &event.Event{}
	if m.DeviceNameField != "" {
		if v, ok := obj[m.DeviceNameField]; ok && v != nil {
			e.DeviceName = valueText(v)
		}
	} else if sub := m.reDevice.FindStringSubmatch(topic); len(sub) > 1 {
		e.DeviceName = sub[1]
	}
	if e.DeviceName == "" {
		return nil, errors.NotFoundf("device name")
	}

	var ts int64
	if m.TimestampField != "" {
		if n, ok := obj[m.TimestampField].(json.Number); ok {
			var err error
			if ts, err = n.Int64(); err != nil {
				return nil, errors.NotValidf("timestamp %s=%s", m.TimestampField, n)
			}
		}
	}

	tm := event.Values{}
	attrs := event.Values{}
	for k, v := range obj {
		switch {
		case k == m.DeviceNameField || k == m.TimestampField:
		case has(m.attributes, k):
			attrs[k] = v
		case len(m.telemetry) == 0 || has(m.telemetry, k):
			tm[k] = v
		}
	}
	if len(tm) != 0 {
		e.Telemetry = []event.TelemetryItem{{Ts: ts, Values: tm}}
	}
	if len(attrs) != 0 {
		e.Attributes = []event.Values{attrs}
	}
	if !e.HasTelemetry() && !e.HasAttributes() {
		return nil, nil
	}
	return e, nil
}

func (self *Connector) HandleServerRPC(req platform.RPCRequest) {
	var rule *rpcRule
	for _, r := range self.rpcRules {
		if r.reDevice.MatchString(req.Device) && r.reMethod.MatchString(req.Data.Method) {
			rule = r
			break
		}
	}
	if rule == nil {
		self.log.Errorf("connector=%s rpc device=%s method=%s no matching rule", self.name, req.Device, req.Data.Method)
		self.reply(req, map[string]string{"error": "no rpc rule for method " + req.Data.Method})
		return
	}
	c := self.getClient()
	if c == nil {
		self.reply(req, map[string]string{"error": "connector not connected"})
		return
	}

	vars := map[string]string{
		"deviceName": req.Device,
		"methodName": req.Data.Method,
		"requestId":  formatInt(req.Data.ID),
		"params":     jsonText(req.Data.Params),
	}
	requestTopic := expand(rule.RequestTopicExpression, vars, req.Data.Params)
	payload := expand(rule.ValueExpression, vars, req.Data.Params)

	if rule.ResponseTopicExpression != "" {
		responseTopic := expand(rule.ResponseTopicExpression, vars, req.Data.Params)
		self.awaitResponse(c, req, responseTopic, rule.timeout)
	}
	self.watchToken(c.Publish(requestTopic, self.qos, false, payload), "rpc request topic="+requestTopic)
	self.log.Debugf("connector=%s rpc device=%s id=%d topic=%s payload=%s", self.name, req.Device, req.Data.ID, requestTopic, payload)
	if rule.ResponseTopicExpression == "" {
		self.reply(req, map[string]bool{"success": true})
	}
}

// Response topic is the RPC token. Registered before subscribe, so fast device reply finds it.
func (self *Connector) awaitResponse(c client, req platform.RPCRequest, topic string, timeout time.Duration) {
	self.gw.RegisterRPC(topic, req, time.Now().Add(timeout), func() {
		self.log.Infof("connector=%s rpc device=%s id=%d response timeout topic=%s", self.name, req.Device, req.Data.ID, topic)
		self.unsubscribe(topic)
	})
	handler := func(_ paho.Client, msg paho.Message) {
		err := self.gw.CompleteRPC(topic, payloadJSON(msg.Payload()))
		switch {
		case err == nil:
			self.log.Debugf("connector=%s rpc device=%s id=%d response=%s", self.name, req.Device, req.Data.ID, msg.Payload())
		case gateway.IsRPCNotFound(err):
			self.log.Debugf("connector=%s rpc topic=%s late response dropped", self.name, topic)
		default:
			self.log.Errorf("connector=%s rpc topic=%s complete err=%v", self.name, topic, err)
		}
		self.unsubscribe(topic)
	}
	self.mu.Lock()
	self.responses[topic] = handler
	self.mu.Unlock()
	self.watchToken(c.Subscribe(topic, self.qos, handler), "rpc response subscribe topic="+topic)
}

func (self *Connector) unsubscribe(topic string) {
	self.mu.Lock()
	_, ok := self.responses[topic]
	delete(self.responses, topic)
	c := self.client
	self.mu.Unlock()
	if ok && c != nil {
		self.watchToken(c.Unsubscribe(topic), "unsubscribe topic="+topic)
	}
}

func (self *Connector) reply(req platform.RPCRequest, v interface{}) {
	b, _ := json.Marshal(v)
	if err := self.gw.ReplyRPC(req.Device, req.Data.ID, b); err != nil {
		self.log.Errorf("connector=%s rpc reply device=%s id=%d err=%v", self.name, req.Device, req.Data.ID, err)
	}
}

// OnAttributesUpdate publishes each attribute through first matching rule.
func (self *Connector) OnAttributesUpdate(upd platform.AttributeUpdate) {
	c := self.getClient()
	if c == nil {
		self.log.Errorf("connector=%s attribute update device=%s not connected", self.name, upd.Device)
		return
	}
	keys := make([]string, 0, len(upd.Data))
	for k := range upd.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var rule *attrRule
		for _, r := range self.attrRules {
			if r.reDevice.MatchString(upd.Device) && r.reKey.MatchString(k) {
				rule = r
				break
			}
		}
		if rule == nil {
			self.log.Debugf("connector=%s attribute device=%s key=%s no matching rule", self.name, upd.Device, k)
			continue
		}
		vars := map[string]string{
			"deviceName":     upd.Device,
			"attributeKey":   k,
			"attributeValue": valueText(upd.Data[k]),
		}
		topic := expand(rule.TopicExpression, vars, nil)
		payload := expand(rule.ValueExpression, vars, nil)
		self.watchToken(c.Publish(topic, self.qos, false, payload), "attribute topic="+topic)
	}
}

// watchToken logs async paho failure without blocking caller.
func (self *Connector) watchToken(tok paho.Token, what string) {
	go func() {
		if err := waitToken(tok, self.networkTimeout); err != nil {
			self.log.Errorf("connector=%s %s err=%v", self.name, what, err)
		}
	}()
}

func waitToken(tok paho.Token, timeout time.Duration) error {
	if !tok.WaitTimeout(timeout) {
		return errors.Timeoutf("mqtt token")
	}
	return tok.Error()
}
