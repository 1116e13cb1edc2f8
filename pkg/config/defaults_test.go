package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	ApplyDefaults(cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
}

func TestApplyDefaults_ShutdownTimeout(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	assert.NotZero(t, cfg.ShutdownTimeout)
}

func TestApplyDefaults_ControlPlane(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	require := assert.New(t)
	require.NotNil(cfg.ControlPlane.Enabled)
	require.True(*cfg.ControlPlane.Enabled)
	require.Equal(8420, cfg.ControlPlane.Port)
}

func TestApplyDefaults_Persistence(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	assert.Equal(t, "memory", cfg.Persistence.Type)

	cfg2 := &Config{}
	cfg2.Persistence.Type = "badger"
	ApplyDefaults(cfg2)
	assert.NotEmpty(t, cfg2.Persistence.Path)
}

func TestApplyDefaults_Rebuild(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	assert.Equal(t, 4, cfg.Rebuild.Workers)
	assert.NotZero(t, cfg.Rebuild.SegmentSize)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "warn"
	cfg.Rebuild.Workers = 16
	cfg.Persistence.Type = "bolt"
	cfg.Persistence.Path = "/custom/path"

	ApplyDefaults(cfg)

	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, 16, cfg.Rebuild.Workers)
	assert.Equal(t, "/custom/path", cfg.Persistence.Path)
}

func TestGetDefaultConfig_IsValid(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.NoError(t, Validate(cfg))
}
