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
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Queue.Driver)
	assert.Equal(t, 50, cfg.Delivery.Workers)
	assert.Equal(t, 30*time.Second, cfg.Delivery.BaseDelay)
	assert.Equal(t, 200, cfg.Delivery.SuccessMin)
	assert.Equal(t, 299, cfg.Delivery.SuccessMax)
	assert.InDelta(t, 0.95, cfg.Health.HealthyThreshold, 1e-9)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
delivery:
  workers: 4
  base_delay: 5s
  max_delay: 60s
queue:
  driver: redis
`), 0o600))

	t.Setenv("POSTRELAY_DELIVERY_MAX_ATTEMPTS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Delivery.Workers)
	assert.Equal(t, 5*time.Second, cfg.Delivery.BaseDelay)
	assert.Equal(t, time.Minute, cfg.Delivery.MaxDelay)
	assert.Equal(t, 7, cfg.Delivery.MaxAttempts)
	assert.Equal(t, "redis", cfg.Queue.Driver)
	assert.Equal(t, "postrelay:retry", cfg.Queue.Redis.Prefix)
}
