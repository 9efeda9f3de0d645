package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "outbox", cfg.Outbox.Dir)
	assert.Equal(t, 3*time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 20*time.Second, cfg.Outbox.SendTimeout)
	assert.Equal(t, 45*time.Second, cfg.Outbox.WaitTimeout)
	assert.Equal(t, 3, cfg.Outbox.UpdateAttempts)
	assert.Equal(t, "message-history.json", cfg.History.Path)
	assert.True(t, cfg.Reconcile.MonitorEnabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9999"
outbox:
  dir: /var/lib/wagateway/outbox
  poll_interval: 10s
bot:
  base_url: http://bot:3001
  token: secret
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "/var/lib/wagateway/outbox", cfg.Outbox.Dir)
	assert.Equal(t, 10*time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, "http://bot:3001", cfg.Bot.BaseURL)
	assert.Equal(t, "secret", cfg.Bot.Token)

	// Untouched keys keep their defaults.
	assert.Equal(t, 20*time.Second, cfg.Outbox.SendTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o644))

	t.Setenv("WAGATEWAY_SERVER__PORT", "7777")
	t.Setenv("WAGATEWAY_OUTBOX__POLL_INTERVAL", "7s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, 7*time.Second, cfg.Outbox.PollInterval)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
