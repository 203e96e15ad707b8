package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: routing-test
watchdog:
  batch_size: 50
`), 0o600))

	t.Setenv("LEADROUTING_WATCHDOG_WORKER_COUNT", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "routing-test", cfg.App.Name)
	assert.Equal(t, 50, cfg.Watchdog.BatchSize)
	assert.Equal(t, 3, cfg.Watchdog.WorkerCount)
	assert.Equal(t, 15*time.Second, cfg.Watchdog.TickInterval)
	assert.Equal(t, "general", cfg.Intake.FallbackOrigin)
	assert.Equal(t, 5, cfg.Redistribution.MaxAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
