package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nsqtail.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
nsqd = ["10.0.0.1:4150", " 10.0.0.2:4150 ", ""]
topic = "events"
channel = "audit"
client_id = "tailer"
max_in_flight = 20
max_attempts = 5
heartbeat_interval = "10s"
msg_timeout = "90s"
metrics_addr = ":9100"
log_level = "debug"
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1:4150", "10.0.0.2:4150"}, cfg.Addrs)
	assert.Equal(t, "events", cfg.Topic)
	assert.Equal(t, "audit", cfg.Channel)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
	assert.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "tailer", cfg.NSQ.ClientID)
	assert.Equal(t, 20, cfg.NSQ.MaxInFlight)
	assert.Equal(t, uint16(5), cfg.NSQ.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.NSQ.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, cfg.NSQ.MsgTimeout)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `topic = "events"`))
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:4150"}, cfg.Addrs)
	assert.Equal(t, "nsqtail#ephemeral", cfg.Channel)
	assert.Equal(t, zerolog.InfoLevel, cfg.LogLevel)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := map[string]string{
		"unknown key":    `topc = "events"`,
		"bad duration":   `heartbeat_interval = "often"`,
		"bad level":      `log_level = "loud"`,
		"attempts range": `max_attempts = 70000`,
		"syntax":         `topic = `,
	}

	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, content))
			require.Error(t, err)
		})
	}

	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
