package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadFrom("", env(nil))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 4*time.Second, cfg.Scan.Window)
	assert.Equal(t, 6*time.Second, cfg.Scan.Idle)
	assert.Equal(t, "Europe/Athens", cfg.Location().String())
}

func TestFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pettrack.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
deviceId: collar-7
log:
  level: debug
scan:
  window: 2s
  idle: 3s
webhook:
  url: http://hooks.local/alert
`), 0o600))

	cfg, err := LoadFrom(path, env(map[string]string{
		"PORT":             "7070",
		"RATE_RPS":         "5",
		"RATE_BURST":       "10",
		"IDLE_WINDOW":      "8s",
		"AUTH_MODE":        "HMAC",
		"AUTH_HMAC_SECRET": "k",
	}))
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "collar-7", cfg.DeviceID)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Scan.Window)
	assert.Equal(t, 8*time.Second, cfg.Scan.Idle)
	assert.Equal(t, 5.0, cfg.Rate.RPS)
	assert.Equal(t, 10, cfg.Rate.Burst)
	assert.Equal(t, "hmac", cfg.Auth.Mode)
	assert.Equal(t, "http://hooks.local/alert", cfg.Webhook.URL)
}

func TestInvalid(t *testing.T) {
	_, err := LoadFrom("", env(map[string]string{"RATE_BURST": "many"}))
	assert.ErrorContains(t, err, "RATE_BURST")

	_, err = LoadFrom("", env(map[string]string{"AUTH_MODE": "hmac"}))
	assert.ErrorContains(t, err, "AUTH_HMAC_SECRET")

	_, err = LoadFrom("", env(map[string]string{"TIMEZONE": "Mars/Olympus"}))
	assert.ErrorContains(t, err, "timezone")

	_, err = LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.ErrorContains(t, err, "read config")
}
