// Package platform is the gateway's session with the IoT platform:
// device connect, telemetry and attribute publishes, RPC replies,
// and delivery of server-side RPC requests and attribute updates.
package platform

import (
	"encoding/json"

	"github.com/temoto/iotgw/event"
	"github.com/temoto/iotgw/helpers"
)

const (
	TopicConnect    = "v1/gateway/connect"
	TopicDisconnect = "v1/gateway/disconnect"
	TopicTelemetry  = "v1/gateway/telemetry"
	TopicAttributes = "v1/gateway/attributes"
	TopicRPC        = "v1/gateway/rpc"
)

// Telemetry publish request. Items without own timestamp get Ts.
type Telemetry struct {
	Ts     int64
	Values []event.TelemetryItem
}

type RPCData struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Server-side RPC request addressed to a device behind the gateway.
type RPCRequest struct {
	Device string  `json:"device"`
	Data   RPCData `json:"data"`

	Raw []byte `json:"-"`
}

type AttributeUpdate struct {
	Device string       `json:"device"`
	Data   event.Values `json:"data"`

	Raw []byte `json:"-"`
}

type RPCHandler func(RPCRequest)
type AttributeHandler func(AttributeUpdate)

// Client methods never block on network, gateway calls them from ingestion.
// Futures complete on platform acknowledgement
// and are cancelled with error on any delivery failure.
type Client interface {
	ConnectDevice(name string) *helpers.Future
	DisconnectDevice(name string) *helpers.Future
	PublishTelemetry(name string, t Telemetry) *helpers.Future
	PublishAttributes(name string, values event.Values) *helpers.Future
	SendRPCReply(name string, id int64, payload json.RawMessage) *helpers.Future
	SubscribeRPC(RPCHandler)
	SubscribeAttributeUpdates(AttributeHandler)
	Close() error
}
