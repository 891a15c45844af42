// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gateway "github.com/mochi-mqtt/sngateway"
	"github.com/mochi-mqtt/sngateway/broker"
	"github.com/mochi-mqtt/sngateway/hooks/debug"
	"github.com/mochi-mqtt/sngateway/hooks/influx"
	"github.com/mochi-mqtt/sngateway/hooks/storage/badger"
	"github.com/mochi-mqtt/sngateway/hooks/storage/bolt"
	"github.com/mochi-mqtt/sngateway/hooks/storage/pebble"
	"github.com/mochi-mqtt/sngateway/hooks/storage/redis"
	"github.com/mochi-mqtt/sngateway/listeners"
	"github.com/mochi-mqtt/sngateway/sensornet"
)

var (
	yamlBytes = []byte(`
gateway:
  id: 3
  keepalive: 60
  maximum_clients: 10
  mqtt_version: 4
sensornet:
  multicast_ip: "225.1.1.2"
  multicast_port: 1884
  gateway_port: 10001
broker:
  address: "localhost:1883"
  network: "tcp"
tick_interval: 2s
listeners:
  - type: "sysinfo"
    id: "stats"
    address: ":8080"
hooks:
  debug:
    enable: true
logging:
  level: "DEBUG"
  output: "JSON"
`)

	jsonBytes = []byte(`{
   "gateway": {
      "id": 3,
      "keepalive": 60,
      "maximum_clients": 10,
      "mqtt_version": 4
   },
   "sensornet": {
      "multicast_ip": "225.1.1.2",
      "multicast_port": 1884,
      "gateway_port": 10001
   },
   "broker": {
      "address": "localhost:1883",
      "network": "tcp"
   },
   "tick_interval": 2000000000,
   "listeners": [
      {
         "type": "sysinfo",
         "id": "stats",
         "address": ":8080"
      }
   ],
   "hooks": {
      "debug": {
         "enable": true
      }
   }
}
`)

	parsedOptions = gateway.Options{
		Capabilities: &gateway.Capabilities{
			GatewayID:      3,
			KeepAlive:      60,
			MaximumClients: 10,
			MQTTVersion:    4,
		},
		Sensornet: sensornet.Config{
			MulticastIP:   "225.1.1.2",
			MulticastPort: 1884,
			GatewayPort:   10001,
		},
		Broker: broker.Options{
			Address: "localhost:1883",
			Network: broker.NetworkTCP,
		},
		TickInterval: 2 * time.Second,
		Listeners: []listeners.Config{
			{
				Type:    listeners.TypeSysInfo,
				ID:      "stats",
				Address: ":8080",
			},
		},
		Hooks: []gateway.HookLoadConfig{
			{
				Hook:   new(debug.Hook),
				Config: &debug.Options{Enable: true},
			},
		},
	}
)

func TestFromBytesEmpty(t *testing.T) {
	o, err := FromBytes([]byte{})
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestFromBytesYAML(t *testing.T) {
	o, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesYAMLError(t *testing.T) {
	_, err := FromBytes(append(yamlBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesJSON(t *testing.T) {
	o, err := FromBytes(jsonBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesJSONError(t *testing.T) {
	_, err := FromBytes(append(jsonBytes, 'a'))
	require.Error(t, err)
}

func TestLoadEmpty(t *testing.T) {
	o, err := Load(nil, new(bytes.Buffer))
	require.NoError(t, err)
	require.NotNil(t, o.Capabilities)
	require.Equal(t, gateway.NewDefaultCapabilities(), o.Capabilities)
	require.NotNil(t, o.Logger)
	require.Empty(t, o.Hooks)
}

func TestLoadError(t *testing.T) {
	_, err := Load(append(yamlBytes, 'a'), new(bytes.Buffer))
	require.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SNGW_GATEWAY_ID", "9")
	t.Setenv("SNGW_GATEWAY_MAXIMUM_CLIENTS", "50")
	t.Setenv("SNGW_GATEWAY_CLIENT_AUTHORIZATION", "true")
	t.Setenv("SNGW_GATEWAY_CLIENT_LIST", "/etc/sngw/clients")
	t.Setenv("SNGW_SENSORNET_GATEWAY_PORT", "10005")
	t.Setenv("SNGW_BROKER_ADDRESS", "broker:1883")
	t.Setenv("SNGW_BROKER_DIAL_TIMEOUT", "3s")
	t.Setenv("SNGW_RATE_LIMIT_PER_CLIENT", "2.5")
	t.Setenv("SNGW_TICK_INTERVAL", "500ms")

	o, err := Load(yamlBytes, new(bytes.Buffer))
	require.NoError(t, err)
	require.Equal(t, 9, o.Capabilities.GatewayID)
	require.Equal(t, int64(50), o.Capabilities.MaximumClients)
	require.Equal(t, 60, o.Capabilities.KeepAlive)
	require.True(t, o.Capabilities.ClientAuthorization)
	require.Equal(t, "/etc/sngw/clients", o.Capabilities.ClientList)
	require.Equal(t, 10005, o.Sensornet.GatewayPort)
	require.Equal(t, 1884, o.Sensornet.MulticastPort)
	require.Equal(t, "broker:1883", o.Broker.Address)
	require.Equal(t, 3*time.Second, o.Broker.DialTimeout)
	require.Equal(t, 2.5, o.RateLimit.PerClient)
	require.Equal(t, 500*time.Millisecond, o.TickInterval)
	require.Len(t, o.Hooks, 1)
}

func TestLoadEnvInvalid(t *testing.T) {
	t.Setenv("SNGW_GATEWAY_ID", "one")
	_, err := Load(nil, new(bytes.Buffer))
	require.Error(t, err)
}

func TestLoadLogging(t *testing.T) {
	buf := new(bytes.Buffer)
	o, err := Load(yamlBytes, buf)
	require.NoError(t, err)

	o.Logger.Debug("hello", "k", "v")
	require.Contains(t, buf.String(), `"msg":"hello"`)
	require.Contains(t, buf.String(), `"level":"DEBUG"`)
}

func TestLoadLoggingEnv(t *testing.T) {
	t.Setenv("SNGW_LOG_LEVEL", "ERROR")
	t.Setenv("SNGW_LOG_OUTPUT", "TEXT")

	buf := new(bytes.Buffer)
	o, err := Load(yamlBytes, buf)
	require.NoError(t, err)

	o.Logger.Warn("quiet")
	require.Empty(t, buf.String())
	o.Logger.Error("loud")
	require.Contains(t, buf.String(), "level=ERROR msg=loud")
}

func TestNewLogger(t *testing.T) {
	tt := []struct {
		desc    string
		config  Logging
		level   slog.Level
		enabled bool
	}{
		{desc: "default", config: Logging{}, level: slog.LevelInfo, enabled: true},
		{desc: "default debug", config: Logging{}, level: slog.LevelDebug, enabled: false},
		{desc: "warn", config: Logging{Level: "WARN"}, level: slog.LevelInfo, enabled: false},
		{desc: "lowercase", config: Logging{Level: "debug"}, level: slog.LevelDebug, enabled: true},
		{desc: "unknown", config: Logging{Level: "loud"}, level: slog.LevelInfo, enabled: true},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			l := NewLogger(tx.config, new(bytes.Buffer))
			require.Equal(t, tx.enabled, l.Enabled(context.Background(), tx.level))
		})
	}
}

func TestNewLoggerOutput(t *testing.T) {
	buf := new(bytes.Buffer)
	NewLogger(Logging{Output: "json"}, buf).Info("a")
	require.Contains(t, buf.String(), `"msg":"a"`)

	buf.Reset()
	NewLogger(Logging{Output: "other"}, buf).Info("b")
	require.Contains(t, buf.String(), "msg=b")
}

func TestToHooksDebugDisabled(t *testing.T) {
	hc := HookConfigs{
		Debug: &debug.Options{},
	}
	require.Empty(t, hc.ToHooks())
}

func TestToHooksInflux(t *testing.T) {
	hc := HookConfigs{
		Influx: &influx.Options{
			URL:    "http://influx:8086",
			Bucket: "sngw",
		},
	}

	expect := []gateway.HookLoadConfig{
		{
			Hook:   new(influx.Hook),
			Config: hc.Influx,
		},
	}
	require.Equal(t, expect, hc.ToHooks())
}

func TestToHooksStorageBadger(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Badger: &badger.Options{
				Path: "badger",
			},
		},
	}

	th := hc.toHooksStorage()
	expect := []gateway.HookLoadConfig{
		{
			Hook:   new(badger.Hook),
			Config: hc.Storage.Badger,
		},
	}

	require.Equal(t, expect, th)
}

func TestToHooksStorageBolt(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Bolt: &bolt.Options{
				Path: "bolt",
			},
		},
	}

	th := hc.toHooksStorage()
	expect := []gateway.HookLoadConfig{
		{
			Hook:   new(bolt.Hook),
			Config: hc.Storage.Bolt,
		},
	}

	require.Equal(t, expect, th)
}

func TestToHooksStorageRedis(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Redis: &redis.Options{
				HPrefix: "test",
			},
		},
	}

	th := hc.toHooksStorage()
	expect := []gateway.HookLoadConfig{
		{
			Hook:   new(redis.Hook),
			Config: hc.Storage.Redis,
		},
	}

	require.Equal(t, expect, th)
}

func TestToHooksStoragePebble(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Pebble: &pebble.Options{
				Path: "pebble",
			},
		},
	}

	th := hc.ToHooks()
	expect := []gateway.HookLoadConfig{
		{
			Hook:   new(pebble.Hook),
			Config: hc.Storage.Pebble,
		},
	}

	require.Equal(t, expect, th)
}

func TestFromBytesStorageYAML(t *testing.T) {
	o, err := FromBytes([]byte(`
hooks:
  storage:
    bolt:
      path: "gateway.db"
      bucket: "clients"
    redis:
      h_prefix: "sngw-"
      options:
        addr: "localhost:6379"
`))
	require.NoError(t, err)
	require.Len(t, o.Hooks, 2)
	require.Equal(t, &bolt.Options{Path: "gateway.db", Bucket: "clients"}, o.Hooks[0].Config)
	require.Equal(t, "sngw-", o.Hooks[1].Config.(*redis.Options).HPrefix)
	require.Equal(t, "localhost:6379", o.Hooks[1].Config.(*redis.Options).Options.Addr)
}
