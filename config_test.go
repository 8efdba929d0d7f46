package nsq

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Hostname: "worker-3.dc1.example.com"}.withDefaults()

	assert.Equal(t, "worker-3", cfg.ClientID)
	assert.Equal(t, "pior-nsq/"+Version, cfg.UserAgent)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 1, cfg.MaxInFlight)
	assert.Equal(t, 1, cfg.InitialRDY)
	assert.Equal(t, time.Second, cfg.BackoffBaseDelay)
	assert.Equal(t, 2*time.Minute, cfg.BackoffMaxDelay)
	assert.Equal(t, 10, cfg.BackoffMaxExponent)
	assert.Equal(t, 1, cfg.BackoffRecoveryThreshold)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout)
	assert.Equal(t, 60*time.Second, cfg.ReadTimeout)
	assert.Equal(t, time.Second, cfg.WriteTimeout)
	assert.Equal(t, 5*time.Second, cfg.CloseTimeout)
	assert.NotNil(t, cfg.Dialer)
	assert.NotNil(t, cfg.Logger)
	require.NoError(t, cfg.validate())
}

func TestConfigDefaultsKeepExplicitValues(t *testing.T) {
	cfg := Config{
		ClientID:          "me",
		HeartbeatInterval: -1,
		MaxInFlight:       50,
		InitialRDY:        10,
	}.withDefaults()

	assert.Equal(t, "me", cfg.ClientID)
	assert.Equal(t, time.Duration(-1), cfg.HeartbeatInterval)
	assert.Equal(t, 50, cfg.MaxInFlight)
	assert.Equal(t, 10, cfg.InitialRDY)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"heartbeat below 1s", func(c *Config) { c.HeartbeatInterval = 500 * time.Millisecond }},
		{"sample rate", func(c *Config) { c.SampleRate = 100 }},
		{"negative sample rate", func(c *Config) { c.SampleRate = -1 }},
		{"max in flight", func(c *Config) { c.MaxInFlight = -1 }},
		{"initial rdy above max in flight", func(c *Config) { c.MaxInFlight = 2; c.InitialRDY = 3 }},
		{"negative initial rdy", func(c *Config) { c.InitialRDY = -1 }},
		{"zero initial rdy after defaults", func(c *Config) { c.InitialRDY = 0 }},
		{"backoff delays", func(c *Config) { c.BackoffBaseDelay = time.Minute; c.BackoffMaxDelay = time.Second }},
		{"backoff exponent", func(c *Config) { c.BackoffMaxExponent = -1 }},
		{"deflate level", func(c *Config) { c.Deflate = true; c.DeflateLevel = 12 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}.withDefaults()
			tt.modify(&cfg)
			require.ErrorIs(t, cfg.validate(), ErrInvalidConfig)
		})
	}
}

func TestConfigIdentifyBody(t *testing.T) {
	cfg := Config{
		ClientID:            "c",
		Hostname:            "h",
		UserAgent:           "ua",
		HeartbeatInterval:   -1,
		SampleRate:          10,
		MsgTimeout:          90 * time.Second,
		OutputBufferTimeout: -1,
	}.withDefaults()

	data, err := json.Marshal(cfg.identifyBody())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"client_id": "c",
		"hostname": "h",
		"user_agent": "ua",
		"feature_negotiation": true,
		"heartbeat_interval": -1,
		"output_buffer_timeout": -1,
		"tls_v1": false,
		"snappy": false,
		"deflate": false,
		"sample_rate": 10,
		"msg_timeout": 90000
	}`, string(data))
}

func TestConnectionConfigAdopt(t *testing.T) {
	cc := newConnectionConfig(Config{HeartbeatInterval: 30 * time.Second}.withDefaults())
	assert.Equal(t, defaultMsgTimeout, cc.MsgTimeout)
	assert.Nil(t, cc.Negotiated)

	cc.adopt(&IdentifyResponse{
		MaxRdyCount:       2500,
		MsgTimeout:        30000,
		HeartbeatInterval: 15000,
		AuthRequired:      true,
		SampleRate:        5,
	})

	assert.Equal(t, 2500, cc.MaxRDY)
	assert.Equal(t, 30*time.Second, cc.MsgTimeout)
	assert.Equal(t, 15*time.Second, cc.HeartbeatInterval)
	assert.True(t, cc.AuthRequired)
	assert.Equal(t, 5, cc.SampleRate)
	assert.NotNil(t, cc.Negotiated)
}

func TestShortHostname(t *testing.T) {
	assert.Equal(t, "web", shortHostname("web.example.com"))
	assert.Equal(t, "web", shortHostname("web"))
	assert.Equal(t, "", shortHostname(""))
}
