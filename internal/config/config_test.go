package config

import (
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/iotgw/log2"
	"github.com/temoto/iotgw/storage"
)

const testPlatform = `platform { broker = "tcp://127.0.0.1:1883" access_token = "tok" }`

func TestReadConfig(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		input     string
		check     func(testing.TB, *Config)
		expectErr string
	}
	cases := []Case{
		{"minimal", testPlatform, func(t testing.TB, c *Config) {
			assert.Equal(t, "tcp://127.0.0.1:1883", c.Platform.Broker)
			assert.Equal(t, "tok", c.Platform.AccessToken)
			assert.False(t, c.LogDebug)
			assert.Empty(t, c.Connectors)
			assert.Equal(t, storage.Config{Type: storage.TypeFile, Path: DefaultStoragePath}, c.Storage)
		}, ""},

		{"sections", testPlatform + `
log_debug = true
metrics_listen = "127.0.0.1:9108"
storage { type = "memory" max_records = 50 pack_size = 7 }
gateway { idle_delay_sec = 2 rpc_sweep_ms = 20 rpc_outbox_path = "/tmp/outbox" }`,
			func(t testing.TB, c *Config) {
				assert.True(t, c.LogDebug)
				assert.Equal(t, "127.0.0.1:9108", c.MetricsListen)
				assert.Equal(t, storage.Config{Type: storage.TypeMemory, MaxRecords: 50, PackSize: 7}, c.Storage)
				assert.Equal(t, 2, c.Gateway.IdleDelaySec)
				assert.Equal(t, 20, c.Gateway.RPCSweepMs)
				assert.Equal(t, "/tmp/outbox", c.Gateway.RPCOutboxPath)
			}, ""},

		{"connectors", testPlatform + `
connector "local" {
	type = "mqtt"
	mqtt {
		broker = "tcp://127.0.0.1:1884"
		qos = 1
		mapping {
			topic_filter = "sensors/+/data"
			device_name_topic_regex = "sensors/([^/]+)/data"
			telemetry = ["temp", "hum"]
		}
		mapping {
			topic_filter = "meta"
			device_name_field = "serial"
			attributes = ["model"]
		}
		attribute_update { device_name_filter = ".*" topic_expression = "sensor/${deviceName}/${attributeKey}" }
		rpc { method_filter = "echo" request_topic_expression = "rpc/${deviceName}" response_timeout_ms = 500 }
	}
}
connector "other" { type = "mqtt" mqtt { broker = "tcp://10.0.0.1:1883" } }`,
			func(t testing.TB, c *Config) {
				require.Len(t, c.Connectors, 2)
				local := c.Connectors[0]
				assert.Equal(t, "local", local.Name)
				assert.Equal(t, ConnectorTypeMQTT, local.Type)
				assert.Equal(t, 1, local.MQTT.QOS)
				require.Len(t, local.MQTT.Mappings, 2)
				assert.Equal(t, []string{"temp", "hum"}, local.MQTT.Mappings[0].Telemetry)
				assert.Equal(t, "serial", local.MQTT.Mappings[1].DeviceNameField)
				require.Len(t, local.MQTT.AttributeUpdates, 1)
				require.Len(t, local.MQTT.RPC, 1)
				assert.Equal(t, 500, local.MQTT.RPC[0].ResponseTimeoutMs)
				assert.Equal(t, "other", c.Connectors[1].Name)
			}, ""},

		{"include-normalize", testPlatform + `
include "./empty" {}`,
			nil, ""},

		{"include-optional", `
include "platform" {}
include "non-exist" { optional = true }`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, "tok", c.Platform.AccessToken)
			}, ""},

		{"include-overwrites", testPlatform + `
storage { type = "file" }
include "storage-memory" {}`,
			func(t testing.TB, c *Config) {
				assert.Equal(t, storage.TypeMemory, c.Storage.Type)
			}, ""},

		{"error-include-missing", testPlatform + `include "non-exist" {}`, nil, "config required name=non-exist"},
		{"error-syntax", `hello`, nil, "key 'hello' expected start of object"},
		{"error-include-loop", testPlatform + `include "include-loop" {}`, nil, "config include loop: from=include-loop include=include-loop"},
		{"error-platform", `log_debug = true`, nil, "platform broker empty"},
		{"error-storage-type", testPlatform + `storage { type = "redis" }`, nil, `storage type="redis"`},
		{"error-connector-type", testPlatform + `connector "x" { type = "modbus" }`, nil, `connector=x type="modbus"`},
		{"error-connector-duplicate", testPlatform + `
connector "x" { type = "mqtt" }
connector "x" { type = "mqtt" }`, nil, "connector name=x already exists"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			log := log2.NewTest(t, log2.LDebug)
			fs := NewMockFullReader(map[string]string{
				"test-inline":    c.input,
				"empty":          "",
				"platform":       testPlatform,
				"storage-memory": `storage { type = "memory" }`,
				"include-loop":   `include "include-loop" {}`,
			})
			cfg, err := ReadConfig(log, fs, "test-inline")
			if c.expectErr == "" {
				if err != nil {
					t.Fatalf("error expected=nil actual='%v'", errors.ErrorStack(err))
				}
				if c.check != nil {
					c.check(t, cfg)
				}
			} else {
				require.Error(t, err)
				if !strings.Contains(err.Error(), c.expectErr) {
					t.Fatalf("error expected='%s' actual='%v'", c.expectErr, err)
				}
			}
		})
	}
}

func TestFunctionalBundled(t *testing.T) {
	t.Parallel()
	t.Logf("this test needs OS open|read|stat access to file `../../iotgw.hcl`")

	log := log2.NewTest(t, log2.LDebug)
	c := MustReadConfig(log, NewOsFullReader("."), "../../iotgw.hcl")
	assert.NotEmpty(t, c.Connectors)
}
