package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithPath_AppliesDefaultsWithNoFile(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Manager.MaxConcurrentStarts)
	assert.Equal(t, 100, cfg.Manager.MaxCompletedTasks)
	assert.Equal(t, 500*time.Millisecond, time.Duration(cfg.Manager.IdleDebounceMs)*time.Millisecond)
	assert.Equal(t, 100*1024, cfg.Manager.ResultMaxBytes)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.MCP.Enabled)
	assert.Equal(t, "http://127.0.0.1:4096", cfg.Host.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Host.TimeoutDuration())
}

func TestLoadWithPath_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
manager:
  maxConcurrentStarts: 25
logging:
  level: debug
  format: json
host:
  baseUrl: "http://example.internal:9000"
`), 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Manager.MaxConcurrentStarts)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "http://example.internal:9000", cfg.Host.BaseURL)
	assert.Equal(t, 100, cfg.Manager.MaxCompletedTasks, "unset fields keep their defaults")
}

func TestLoadWithPath_EnvironmentOverridesFileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
manager:
  maxConcurrentStarts: 25
`), 0o644))
	t.Setenv("BGTASK_MANAGER_MAXCONCURRENTSTARTS", "42")

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Manager.MaxConcurrentStarts)
}

func TestLoadWithPath_RejectsInvalidLoggingLevel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
logging:
  level: verbose
`), 0o644))

	_, err := LoadWithPath(dir)
	assert.Error(t, err)
}

func TestLoadWithPath_RejectsNonPositiveManagerFields(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
manager:
  maxCompletedTasks: 0
`), 0o644))

	_, err := LoadWithPath(dir)
	assert.Error(t, err)
}

func TestHostConfig_TimeoutDuration(t *testing.T) {
	h := HostConfig{TimeoutMs: 1500}
	assert.Equal(t, 1500*time.Millisecond, h.TimeoutDuration())
}
