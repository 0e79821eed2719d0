package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "graced", cfg.Visibility.Policy)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 24*time.Hour, cfg.Identity.TokenTTL)
	assert.Zero(t, cfg.Identity.MaxAge)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marketrust.yaml")
	content := []byte(`
http:
  port: 9090
visibility:
  policy: immediate
  sweep_workers: 3
store:
  driver: memory
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("SWEEP_WORKERS", "5")
	t.Setenv("TELEGRAM_BOT_TOKEN", "123:abc")
	t.Setenv("IDENTITY_MAX_AGE", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "immediate", cfg.Visibility.Policy)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Visibility.SweepWorkers)
	assert.Equal(t, "123:abc", cfg.Identity.BotToken)
	assert.Equal(t, time.Hour, cfg.Identity.MaxAge)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("VISIBILITY_POLICY", "sometimes")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visibility policy")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("TOKEN_TTL", "forever")

	_, err := Load("")
	require.Error(t, err)
}
