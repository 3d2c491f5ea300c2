package mqtt

type Config struct {
	Broker            string            `hcl:"broker"`
	ClientID          string            `hcl:"client_id"`
	Username          string            `hcl:"username"`
	Password          string            `hcl:"password"`
	QOS               int               `hcl:"qos"`
	KeepaliveSec      int               `hcl:"keepalive_sec"`
	NetworkTimeoutSec int               `hcl:"network_timeout_sec"`
	Mappings          []Mapping         `hcl:"mapping"`
	AttributeUpdates  []AttributeUpdate `hcl:"attribute_update"`
	RPC               []RPC             `hcl:"rpc"`
}

// Mapping converts JSON messages in TopicFilter to Canonical Events.
// Device name comes from payload field or first group of topic regex.
// Empty Telemetry means every payload key not used otherwise.
type Mapping struct {
	TopicFilter          string   `hcl:"topic_filter"`
	DeviceNameField      string   `hcl:"device_name_field"`
	DeviceNameTopicRegex string   `hcl:"device_name_topic_regex"`
	TimestampField       string   `hcl:"timestamp_field"`
	Telemetry            []string `hcl:"telemetry"`
	Attributes           []string `hcl:"attributes"`
}

// Expressions: ${deviceName} ${attributeKey} ${attributeValue}
type AttributeUpdate struct {
	DeviceNameFilter string `hcl:"device_name_filter"`
	AttributeFilter  string `hcl:"attribute_filter"`
	TopicExpression  string `hcl:"topic_expression"`
	ValueExpression  string `hcl:"value_expression"`
}

// Expressions: ${deviceName} ${methodName} ${requestId} ${params} ${params.key}
// Empty ResponseTopicExpression means one-way request, answered at once.
type RPC struct {
	DeviceNameFilter        string `hcl:"device_name_filter"`
	MethodFilter            string `hcl:"method_filter"`
	RequestTopicExpression  string `hcl:"request_topic_expression"`
	ResponseTopicExpression string `hcl:"response_topic_expression"`
	ResponseTimeoutMs       int    `hcl:"response_timeout_ms"`
	ValueExpression         string `hcl:"value_expression"`
}
