package config

import (
	"strings"
	"time"

	"github.com/nexuscore/nexusd/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
	applyControlPlaneDefaults(&cfg.ControlPlane)
	applyPersistenceDefaults(&cfg.Persistence)
	applyAdminDefaults(&cfg.Admin)
	applyRebuildDefaults(&cfg.Rebuild)
	applyTargetDefaults(&cfg.Target)

	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// applyControlPlaneDefaults sets control-plane API server defaults.
func applyControlPlaneDefaults(cfg *ControlPlaneConfig) {
	if cfg.Enabled == nil {
		enabled := true
		cfg.Enabled = &enabled
	}
	if cfg.Port == 0 {
		cfg.Port = 8420
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
}

// applyPersistenceDefaults sets NexusInfo persistence backend defaults.
func applyPersistenceDefaults(cfg *PersistenceConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}
	if cfg.Path == "" {
		switch cfg.Type {
		case "badger":
			cfg.Path = "/var/lib/nexusd/badger"
		case "bolt":
			cfg.Path = "/var/lib/nexusd/nexus.bolt"
		}
	}
}

// applyAdminDefaults sets admin-queue poller defaults.
func applyAdminDefaults(cfg *AdminQueueConfig) {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
}

// applyRebuildDefaults sets rebuild engine tuning defaults.
func applyRebuildDefaults(cfg *RebuildConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 4
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = bytesize.ByteSize(10 * bytesize.MiB)
	}
}

// applyTargetDefaults sets NVMe-oF publish defaults.
func applyTargetDefaults(cfg *TargetConfig) {
	if cfg.NQNPrefix == "" {
		cfg.NQNPrefix = "nqn.2023-01.io.nexus"
	}
	if cfg.HostPort == "" {
		cfg.HostPort = "127.0.0.1:4420"
	}
}

// GetDefaultConfig returns a Config populated entirely with default values.
// Used when no configuration file is present.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
