package config

import (
	"fmt"
	"strings"
)

// Validate checks the configuration for consistency after defaults have been
// applied, returning a descriptive error for the first problem found.
func Validate(cfg *Config) error {
	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}
	if err := validateControlPlane(&cfg.ControlPlane); err != nil {
		return err
	}
	if err := validatePersistence(&cfg.Persistence); err != nil {
		return err
	}
	if err := validateRebuild(&cfg.Rebuild); err != nil {
		return err
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be greater than zero")
	}

	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	switch strings.ToUpper(cfg.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level must be one of DEBUG, INFO, WARN, ERROR, got %q", cfg.Level)
	}

	switch cfg.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Format)
	}

	return nil
}

func validateControlPlane(cfg *ControlPlaneConfig) error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("controlplane.port must be between 0 and 65535, got %d", cfg.Port)
	}
	return nil
}

func validatePersistence(cfg *PersistenceConfig) error {
	switch cfg.Type {
	case "badger", "bolt", "memory":
	default:
		return fmt.Errorf("persistence.type must be one of badger, bolt, memory, got %q", cfg.Type)
	}

	if cfg.Type != "memory" && cfg.Path == "" {
		return fmt.Errorf("persistence.path is required for backend %q", cfg.Type)
	}

	return nil
}

func validateRebuild(cfg *RebuildConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("rebuild.workers must be greater than zero, got %d", cfg.Workers)
	}
	if cfg.SegmentSize == 0 {
		return fmt.Errorf("rebuild.segment_size must be greater than zero")
	}
	return nil
}
