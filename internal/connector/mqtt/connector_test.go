package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/internal/gateway"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/platform"
)

type fakeToken struct{ err error }

func (self *fakeToken) Wait() bool                     { return true }
func (self *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (self *fakeToken) Error() error                   { return self.err }
func (self *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (self *fakeMessage) Duplicate() bool   { return false }
func (self *fakeMessage) Qos() byte         { return 1 }
func (self *fakeMessage) Retained() bool    { return false }
func (self *fakeMessage) Topic() string     { return self.topic }
func (self *fakeMessage) MessageID() uint16 { return 1 }
func (self *fakeMessage) Payload() []byte   { return self.payload }
func (self *fakeMessage) Ack()              {}

type published struct {
	topic   string
	payload string
}

type fakeClient struct {
	sync.Mutex
	opts         *paho.ClientOptions
	connectErr   error
	published    []published
	subs         map[string]paho.MessageHandler
	unsubscribed []string
	disconnected bool
}

func (self *fakeClient) Connect() paho.Token {
	if self.connectErr == nil && self.opts != nil && self.opts.OnConnect != nil {
		self.opts.OnConnect(nil)
	}
	return &fakeToken{err: self.connectErr}
}
func (self *fakeClient) Disconnect(uint) {
	self.Lock()
	self.disconnected = true
	self.Unlock()
}
func (self *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	self.Lock()
	defer self.Unlock()
	self.published = append(self.published, published{topic, payload.(string)})
	return &fakeToken{}
}
func (self *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	self.Lock()
	defer self.Unlock()
	self.subs[topic] = callback
	return &fakeToken{}
}
func (self *fakeClient) Unsubscribe(topics ...string) paho.Token {
	self.Lock()
	defer self.Unlock()
	for _, t := range topics {
		delete(self.subs, t)
		self.unsubscribed = append(self.unsubscribed, t)
	}
	return &fakeToken{}
}

// deliver calls handler subscribed for exact topic
func (self *fakeClient) deliver(t testing.TB, filter, topic, payload string) {
	self.Lock()
	h := self.subs[filter]
	self.Unlock()
	require.NotNil(t, h, "no subscription filter=%s", filter)
	h(nil, &fakeMessage{topic: topic, payload: []byte(payload)})
}

func (self *fakeClient) Published() []published {
	self.Lock()
	defer self.Unlock()
	return append([]published(nil), self.published...)
}

type rpcReg struct {
	token    string
	req      platform.RPCRequest
	deadline time.Time
	onCancel func()
}

type fakeGateway struct {
	sync.Mutex
	events    []*event.Event
	submitErr error
	rpcs      map[string]rpcReg
	completed map[string]json.RawMessage
	replies   []string
}

func (self *fakeGateway) SubmitEvent(name string, e *event.Event) error {
	self.Lock()
	defer self.Unlock()
	self.events = append(self.events, e)
	return self.submitErr
}
func (self *fakeGateway) RegisterRPC(token string, req platform.RPCRequest, deadline time.Time, onCancel func()) {
	self.Lock()
	defer self.Unlock()
	self.rpcs[token] = rpcReg{token, req, deadline, onCancel}
}
func (self *fakeGateway) CompleteRPC(token string, reply json.RawMessage) error {
	self.Lock()
	defer self.Unlock()
	if _, ok := self.rpcs[token]; !ok {
		return errors.Annotatef(gateway.ErrRPCNotFound, "token=%s", token)
	}
	delete(self.rpcs, token)
	self.completed[token] = reply
	return nil
}
func (self *fakeGateway) ReplyRPC(device string, id int64, payload json.RawMessage) error {
	self.Lock()
	defer self.Unlock()
	b, _ := json.Marshal(map[string]interface{}{"device": device, "id": id, "data": payload})
	self.replies = append(self.replies, string(b))
	return nil
}

var testConfig = Config{
	Broker: "tcp://127.0.0.1:1883",
	QOS:    1,
	Mappings: []Mapping{
		{
			TopicFilter:     "sensor/data",
			DeviceNameField: "serialNumber",
			TimestampField:  "ts",
			Telemetry:       []string{"temperature", "humidity"},
			Attributes:      []string{"model"},
		},
		{
			TopicFilter:          "dev/+/up",
			DeviceNameTopicRegex: `dev/(.+)/up`,
		},
	},
	AttributeUpdates: []AttributeUpdate{
		{DeviceNameFilter: "sensor-.*", AttributeFilter: "interval|mode", TopicExpression: "sensor/${deviceName}/${attributeKey}"},
		{TopicExpression: "all/${deviceName}/${attributeKey}"},
	},
	RPC: []RPC{
		{
			MethodFilter:            "echo",
			RequestTopicExpression:  "sensor/${deviceName}/request/${methodName}/${requestId}",
			ResponseTopicExpression: "sensor/${deviceName}/response/${methodName}/${requestId}",
			ResponseTimeoutMs:       500,
		},
		{
			MethodFilter:           "reboot",
			RequestTopicExpression: "sensor/${deviceName}/cmd",
			ValueExpression:        `{"cmd":"${methodName}","delay":${params.delay}}`,
		},
	},
}

func newTestConnector(t testing.TB) (*Connector, *fakeClient, *fakeGateway) {
	gw := &fakeGateway{rpcs: make(map[string]rpcReg), completed: make(map[string]json.RawMessage)}
	c, err := New("local", testConfig, log2.NewTest(t, log2.LDebug), gw)
	require.NoError(t, err)
	fc := &fakeClient{subs: make(map[string]paho.MessageHandler)}
	c.newClient = func(o *paho.ClientOptions) client {
		fc.opts = o
		return fc
	}
	require.NoError(t, c.Open(context.Background()))
	return c, fc, gw
}

func TestOpenSubscribesMappings(t *testing.T) {
	t.Parallel()
	c, fc, _ := newTestConnector(t)
	fc.Lock()
	assert.Len(t, fc.subs, 2)
	assert.Contains(t, fc.subs, "sensor/data")
	assert.Contains(t, fc.subs, "dev/+/up")
	fc.Unlock()

	require.NoError(t, c.Close())
	assert.True(t, fc.disconnected)
	assert.NoError(t, c.Close())
}

func TestOpenError(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	c, err := New("local", testConfig, log2.NewTest(t, log2.LDebug), gw)
	require.NoError(t, err)
	c.newClient = func(o *paho.ClientOptions) client {
		return &fakeClient{connectErr: errors.New("connection refused"), subs: make(map[string]paho.MessageHandler)}
	}
	err = c.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMessageConvert(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		filter  string
		topic   string
		payload string
		expect  string // encoded event, empty: nothing submitted
	}{
		{"field-device", "sensor/data", "sensor/data",
			`{"serialNumber":"sensor-1","ts":1700000000000,"temperature":21.5,"humidity":40,"model":"T1000","noise":1}`,
			`{"deviceName":"sensor-1","telemetry":[{"ts":1700000000000,"values":{"humidity":40,"temperature":21.5}}],"attributes":[{"model":"T1000"}]}`},
		{"field-device-numeric", "sensor/data", "sensor/data",
			`{"serialNumber":42,"temperature":1}`,
			`{"deviceName":"42","telemetry":[{"temperature":1}]}`},
		{"topic-device-all-keys", "dev/+/up", "dev/pump-7/up",
			`{"flow":3.25,"on":true}`,
			`{"deviceName":"pump-7","telemetry":[{"flow":3.25,"on":true}]}`},
		{"missing-device", "sensor/data", "sensor/data", `{"temperature":1}`, ""},
		{"garbage", "sensor/data", "sensor/data", `{temperature`, ""},
		{"no-mapped-keys", "sensor/data", "sensor/data", `{"serialNumber":"s","noise":1}`, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, fc, gw := newTestConnector(t)
			fc.deliver(t, c.filter, c.topic, c.payload)
			gw.Lock()
			defer gw.Unlock()
			if c.expect == "" {
				assert.Len(t, gw.events, 0)
				return
			}
			require.Len(t, gw.events, 1)
			b, err := gw.events[0].Encode()
			require.NoError(t, err)
			assert.JSONEq(t, c.expect, string(b))
		})
	}
}

func TestRPCWithResponse(t *testing.T) {
	t.Parallel()
	c, fc, gw := newTestConnector(t)
	req := platform.RPCRequest{Device: "sensor-1", Data: platform.RPCData{ID: 9, Method: "echo", Params: json.RawMessage(`{"x":1}`)}}
	c.HandleServerRPC(req)

	const responseTopic = "sensor/sensor-1/response/echo/9"
	assert.Equal(t, []published{{"sensor/sensor-1/request/echo/9", `{"x":1}`}}, fc.Published())
	gw.Lock()
	reg, ok := gw.rpcs[responseTopic]
	gw.Unlock()
	require.True(t, ok)
	assert.Equal(t, int64(9), reg.req.Data.ID)
	assert.WithinDuration(t, time.Now().Add(500*time.Millisecond), reg.deadline, 200*time.Millisecond)

	fc.deliver(t, responseTopic, responseTopic, `{"x":1,"echo":true}`)
	gw.Lock()
	assert.Equal(t, `{"x":1,"echo":true}`, string(gw.completed[responseTopic]))
	gw.Unlock()
	fc.Lock()
	assert.Equal(t, []string{responseTopic}, fc.unsubscribed)
	assert.NotContains(t, fc.subs, responseTopic)
	fc.Unlock()
}

func TestRPCTimeoutUnsubscribes(t *testing.T) {
	t.Parallel()
	c, fc, gw := newTestConnector(t)
	c.HandleServerRPC(platform.RPCRequest{Device: "sensor-1", Data: platform.RPCData{ID: 3, Method: "echo"}})
	const responseTopic = "sensor/sensor-1/response/echo/3"
	gw.Lock()
	reg := gw.rpcs[responseTopic]
	gw.Unlock()
	require.NotNil(t, reg.onCancel)

	reg.onCancel()
	reg.onCancel()
	fc.Lock()
	assert.Equal(t, []string{responseTopic}, fc.unsubscribed)
	fc.Unlock()
}

func TestRPCOneWayAndUnmatched(t *testing.T) {
	t.Parallel()
	c, fc, gw := newTestConnector(t)
	c.HandleServerRPC(platform.RPCRequest{Device: "sensor-1", Data: platform.RPCData{ID: 4, Method: "reboot", Params: json.RawMessage(`{"delay":5}`)}})
	c.HandleServerRPC(platform.RPCRequest{Device: "sensor-1", Data: platform.RPCData{ID: 5, Method: "selfdestruct"}})

	assert.Equal(t, []published{{"sensor/sensor-1/cmd", `{"cmd":"reboot","delay":5}`}}, fc.Published())
	gw.Lock()
	defer gw.Unlock()
	assert.Len(t, gw.rpcs, 0)
	require.Len(t, gw.replies, 2)
	assert.JSONEq(t, `{"device":"sensor-1","id":4,"data":{"success":true}}`, gw.replies[0])
	assert.JSONEq(t, `{"device":"sensor-1","id":5,"data":{"error":"no rpc rule for method selfdestruct"}}`, gw.replies[1])
}

func TestAttributesUpdate(t *testing.T) {
	t.Parallel()
	c, fc, _ := newTestConnector(t)
	c.OnAttributesUpdate(platform.AttributeUpdate{Device: "sensor-1", Data: event.Values{"interval": 5.0, "mode": "eco", "label": "kitchen"}})
	c.OnAttributesUpdate(platform.AttributeUpdate{Device: "pump-7", Data: event.Values{"interval": 10.0}})
	assert.Equal(t, []published{
		{"sensor/sensor-1/interval", "5"},
		{"all/sensor-1/label", "kitchen"},
		{"sensor/sensor-1/mode", "eco"},
		{"all/pump-7/interval", "10"},
	}, fc.Published())
}

func TestNewInvalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		modify func(*Config)
	}{
		{"no-broker", func(c *Config) { c.Broker = "" }},
		{"qos2", func(c *Config) { c.QOS = 2 }},
		{"no-topic", func(c *Config) { c.Mappings = []Mapping{{DeviceNameField: "id"}} }},
		{"no-device-source", func(c *Config) { c.Mappings = []Mapping{{TopicFilter: "a"}} }},
		{"regex-no-group", func(c *Config) { c.Mappings = []Mapping{{TopicFilter: "a", DeviceNameTopicRegex: "a"}} }},
		{"bad-regex", func(c *Config) { c.RPC = []RPC{{MethodFilter: "(", RequestTopicExpression: "x"}} }},
		{"rpc-no-topic", func(c *Config) { c.RPC = []RPC{{MethodFilter: "x"}} }},
		{"attr-no-topic", func(c *Config) { c.AttributeUpdates = []AttributeUpdate{{}} }},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			config := Config{Broker: "tcp://127.0.0.1:1883"}
			c.modify(&config)
			_, err := New("x", config, log2.NewTest(t, log2.LDebug), &fakeGateway{})
			assert.Error(t, err)
		})
	}
}

func TestExpand(t *testing.T) {
	t.Parallel()
	vars := map[string]string{"deviceName": "d1", "methodName": "m"}
	cases := []struct {
		template string
		params   string
		expect   string
	}{
		{"a/${deviceName}/${methodName}", "", "a/d1/m"},
		{"${unknown}x", "", "x"},
		{"${params.s}-${params.n}-${params.o}", `{"s":"str","n":1.5,"o":{"k":true}}`, `str-1.5-{"k":true}`},
		{"${params.missing}", `{"s":1}`, ""},
		{"${params.x}", `[1,2]`, ""},
		{"plain", "", "plain"},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, expand(c.template, vars, json.RawMessage(c.params)), "template=%s", c.template)
	}
	assert.Equal(t, json.RawMessage(`{"a":1}`), payloadJSON([]byte(`{"a":1}`)))
	assert.Equal(t, json.RawMessage(`"OK"`), payloadJSON([]byte(`OK`)))
	assert.Equal(t, json.RawMessage(`""`), payloadJSON(nil))
}
