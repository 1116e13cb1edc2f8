package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Persistence.Type)
	assert.Equal(t, "nqn.2023-01.io.nexus", cfg.Target.NQNPrefix)
}

func TestLoad_NoConfigFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "memory", cfg.Persistence.Type)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: [this is not valid"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_FileConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
  format: json
  output: stderr
persistence:
  type: badger
  path: /tmp/nexusd-badger
rebuild:
  workers: 8
  segment_size: 4Mi
reservations:
  enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "badger", cfg.Persistence.Type)
	assert.Equal(t, 8, cfg.Rebuild.Workers)
	assert.EqualValues(t, 4*1024*1024, cfg.Rebuild.SegmentSize)
	assert.True(t, cfg.Reservations.Enabled)
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()
	require.NotNil(t, cfg)
	assert.NoError(t, Validate(cfg))
}

func TestDefaultConfigExists(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.False(t, DefaultConfigExists())

	require.NoError(t, SaveConfig(GetDefaultConfig(), GetDefaultConfigPath()))
	assert.True(t, DefaultConfigExists())
}

func TestGetDefaultConfigPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "nexusd", "config.yaml"), GetDefaultConfigPath())
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("NEXUSD_LOGGING_LEVEL", "ERROR")
	t.Setenv("NEXUSD_RESERVATIONS_ENABLED", "true")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ERROR", cfg.Logging.Level)
	assert.True(t, cfg.Reservations.Enabled)
}
