package main

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framerelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("", func(c *Config) { c.Target = "10.0.0.5:25000" })
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:3210", cfg.Relay.URL)
	assert.Equal(t, 5*time.Second, cfg.Relay.ReconnectDelay)
	assert.Equal(t, 3*time.Second, cfg.Relay.ResponseTimeout)
	assert.Equal(t, 20000, cfg.Filter.PortLow)
	assert.Equal(t, 33000, cfg.Filter.PortHigh)
	assert.Equal(t, 16<<20, cfg.Filter.MaxFramePayload)
	assert.False(t, cfg.Filter.Filter.IP.IsValid(), "no filter ip relays nothing")
	assert.False(t, cfg.limiterConfig().Enabled())
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:7000"
target: "10.0.0.5:25000"
log_format: console
relay:
  url: ws://relay.internal:3210
  reconnect_delay: 1s
  response_timeout: 250ms
filter:
  ip: 10.0.0.5
  port_low: 21000
  port_high: 22000
  max_frame_payload: 65536
limits:
  per_client_rate: 5
  max_per_client: 3
redis:
  addr: localhost:6379
  key_ttl: 90s
`)
	cfg, err := loadConfig(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Listen)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "ws://relay.internal:3210", cfg.Relay.URL)
	assert.Equal(t, time.Second, cfg.Relay.ReconnectDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.ResponseTimeout)
	assert.Equal(t, 5*time.Second, cfg.Relay.DialTimeout, "unset keys keep defaults")
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), cfg.Filter.Filter.IP)
	assert.Equal(t, uint16(21000), cfg.Filter.Filter.Low)
	assert.Equal(t, 65536, cfg.Filter.MaxFramePayload)
	assert.Equal(t, 90*time.Second, cfg.Redis.KeyTTL)
	assert.True(t, cfg.limiterConfig().Enabled())
	assert.Equal(t, 3, cfg.limiterConfig().MaxPerClient)
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "target: \"10.0.0.5:25000\"\nrelay:\n  url: ws://from-file:1\n")
	fv := &flagValues{}
	cmd := newRootCmdWith(fv)
	require.NoError(t, cmd.ParseFlags([]string{"--relay-url", "ws://from-flag:2", "--response-timeout", "1s"}))

	cfg, err := loadConfig(path, applyChanged(cmd, fv))
	require.NoError(t, err)
	assert.Equal(t, "ws://from-flag:2", cfg.Relay.URL)
	assert.Equal(t, time.Second, cfg.Relay.ResponseTimeout)
	assert.Equal(t, "10.0.0.5:25000", cfg.Target, "unchanged flags do not clobber file values")
}

func TestValidateAggregatesErrors(t *testing.T) {
	path := writeConfig(t, `
listen: "nope"
log_format: xml
relay:
  url: http://wrong
  reconnect_delay: soon
filter:
  ip: 10.0.0.5
  port_low: 9
  port_high: 3
  max_frame_payload: -1
`)
	_, err := loadConfig(path, nil)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"target is required", "listen", "log_format", "relay.url", "relay.reconnect_delay", "filter ports", "filter.max_frame_payload"} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.ErrorContains(t, err, "read config")
}
