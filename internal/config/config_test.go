package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/milightd/internal/milight"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, milight.DefaultHubURL, cfg.Hub.URL)
	assert.Equal(t, 30*time.Second, cfg.Hub.Timeout.Duration())
	assert.Equal(t, 15*time.Second, cfg.Hub.DiscoveryTimeout.Duration())
	assert.Equal(t, 20*time.Second, cfg.Polling.Interval.Duration())
	assert.Equal(t, 0.8, cfg.Polling.Gutter)
	assert.Equal(t, 10.0, cfg.Polling.RateLimitRPS)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	assert.Equal(t, "milight", cfg.MQTT.TopicPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Healthcheck.Port)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration())
	assert.Equal(t, 4, cfg.EventBus.GetWorkers())
	assert.Equal(t, 100, cfg.EventBus.GetQueueSize())
}

func TestParse_Full(t *testing.T) {
	t.Setenv("MILIGHT_HUB", "http://10.0.0.5/")

	cfg, err := Parse([]byte(`
hub:
  url: ${MILIGHT_HUB}
  timeout: 5s
devices:
  - { id: "0x1D3C", type: rgb_cct, group: "1", name: Kitchen }
  - { id: "0x2000", type: CCT, name: Hall, hub: "http://other.local" }
discovery:
  enabled: true
  interval: 1m
polling:
  enabled: true
  interval: 30s
  gutter: 0.5
mqtt:
  enabled: true
  broker: tcp://${MQTT_HOST:localhost}:1883
log:
  level: debug
  json: true
`))
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.5", cfg.Hub.URL)
	assert.Equal(t, 5*time.Second, cfg.Hub.Timeout.Duration())
	require.Len(t, cfg.Devices, 2)

	id, err := cfg.Devices[1].Identity()
	require.NoError(t, err)
	assert.Equal(t, "cct-0x2000-0", id.Identifier())
	assert.Equal(t, "http://other.local", cfg.Devices[1].Hub)

	assert.True(t, cfg.Discovery.Enabled)
	assert.Equal(t, time.Minute, cfg.Discovery.Interval.Duration())
	assert.Equal(t, 0.5, cfg.Polling.Gutter)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	assert.True(t, cfg.Log.JSON)
}

func TestParse_InvalidDevices(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown type", `devices: [{ id: "1", type: laser }]`},
		{"missing id", `devices: [{ type: rgbw }]`},
		{"duplicate", `devices: [{ id: "1", type: rgbw, group: "2" }, { id: "1", type: RGBW, group: "2" }]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_InvalidSettings(t *testing.T) {
	_, err := Parse([]byte(`polling: { gutter: 1.5 }`))
	assert.Error(t, err)

	_, err = Parse([]byte(`mqtt: { enabled: true }`))
	assert.Error(t, err)

	_, err = Parse([]byte(`hub: { timeout: soon }`))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SET_VAR", "value")

	assert.Equal(t, "value", expandEnvVars("${SET_VAR}"))
	assert.Equal(t, "fallback", expandEnvVars("${UNSET_VAR_FOR_TEST:fallback}"))
	assert.Equal(t, "", expandEnvVars("${UNSET_VAR_FOR_TEST}"))
	assert.Equal(t, "a-value-b", expandEnvVars("a-${SET_VAR}-b"))
}
