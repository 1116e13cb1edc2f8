package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/nexuscore/nexusd/internal/bytesize"
)

// Config represents the nexusd configuration.
//
// This structure captures static configuration for the agent:
//   - Logging configuration
//   - Control-plane REST API configuration
//   - NexusInfo persistence backend selection
//   - Reservation handling
//   - Admin-queue and rebuild tuning
//   - Metrics
//
// Configuration sources (in order of precedence):
//  1. Environment variables (NEXUSD_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0" yaml:"shutdown_timeout"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// ControlPlane contains the per-nexus REST API server configuration
	ControlPlane ControlPlaneConfig `mapstructure:"controlplane" yaml:"controlplane"`

	// Persistence selects and configures the NexusInfo KV backend
	Persistence PersistenceConfig `mapstructure:"persistence" yaml:"persistence"`

	// Reservations controls NVMe persistent reservation handling
	Reservations ReservationConfig `mapstructure:"reservations" yaml:"reservations"`

	// Admin controls the admin-queue poller (reservation replay, async
	// command completion)
	Admin AdminQueueConfig `mapstructure:"admin" yaml:"admin"`

	// Rebuild controls the rebuild engine's task pool and segment size
	Rebuild RebuildConfig `mapstructure:"rebuild" yaml:"rebuild"`

	// Target contains NVMe-oF publish/unpublish defaults
	Target TargetConfig `mapstructure:"target" yaml:"target"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection and HTTP server are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	// Default: 9090
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// ControlPlaneConfig configures the per-nexus REST API server (chi router).
type ControlPlaneConfig struct {
	// Enabled controls whether the REST API server is started
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the control-plane API
	// Default: 8420
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// PersistenceConfig selects and configures the NexusInfo KV backend.
type PersistenceConfig struct {
	// Type selects the backend: "badger" or "memory". Validation also
	// accepts "bolt", but nexusd has no bolt backend and fails at startup
	// when it is selected.
	Type string `mapstructure:"type" validate:"required,oneof=badger bolt memory" yaml:"type"`

	// Path is the on-disk directory (badger) or file (bbolt) for the store.
	// Unused for the memory backend.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// ReservationConfig controls NVMe persistent reservation handling.
type ReservationConfig struct {
	// Enabled turns reservation handling on; NEXUSD_RESERVATIONS_ENABLED
	// overrides it. When false, nexusd wires no admin executor and the
	// reservation steps run at child open return immediately without
	// issuing any command.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// HostID identifies this node for reservation registration. It has no
	// default: when unset it stays empty.
	HostID string `mapstructure:"host_id" yaml:"host_id,omitempty"`
}

// AdminQueueConfig controls the admin-queue poller: reservation-replay on
// restart and asynchronous admin command completion polling.
type AdminQueueConfig struct {
	// PollInterval is loaded and defaulted but not read by nexusd: the
	// admin-queue poller's workers receive commands from a channel and do
	// not poll on an interval.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// MaxRetries bounds the number of attempts made for an admin command,
	// the first one included
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
}

// RebuildConfig controls the rebuild engine's task pool and segment size.
type RebuildConfig struct {
	// Workers is the number of concurrent rebuild task-pool workers
	Workers int `mapstructure:"workers" yaml:"workers"`

	// SegmentSize is loaded and validated but not passed to rebuild jobs,
	// which copy rebuild.DefaultSegmentBytes (256 KiB) segments.
	// Supports human-readable formats: "1MB", "512Ki"
	SegmentSize bytesize.ByteSize `mapstructure:"segment_size" yaml:"segment_size"`
}

// TargetConfig contains NVMe-oF publish defaults.
type TargetConfig struct {
	// NQNPrefix is prepended to the nexus UUID to form the published NQN.
	// Default: "nqn.2023-01.io.nexus"
	NQNPrefix string `mapstructure:"nqn_prefix" yaml:"nqn_prefix"`

	// HostPort is the host:port the simulated NVMe-oF target advertises in
	// the nvmf:// URIs it synthesizes on Publish.
	// Default: "127.0.0.1:4420"
	HostPort string `mapstructure:"host_port" yaml:"host_port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (NEXUSD_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	// A missing config file is not an error: environment variables and
	// defaults still apply.
	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  nexusd init\n\n"+
				"Or specify a custom config file:\n"+
				"  nexusd <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  nexusd init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// InitConfig writes a default configuration file to the default location
// (respecting XDG_CONFIG_HOME) and returns the path it wrote. It refuses to
// overwrite an existing file unless force is true.
func InitConfig(force bool) (string, error) {
	return GetDefaultConfigPath(), InitConfigToPath(GetDefaultConfigPath(), force)
}

// InitConfigToPath writes a default configuration file to path, refusing to
// overwrite an existing file unless force is true.
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}
	return SaveConfig(GetDefaultConfig(), path)
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use NEXUSD_ prefix and underscores
	// Example: NEXUSD_LOGGING_LEVEL=DEBUG, NEXUSD_RESERVATIONS_ENABLED=true
	v.SetEnvPrefix("NEXUSD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only overrides keys viper already knows from the config
	// file; bind every key explicitly so NEXUSD_* variables also apply to
	// keys the file leaves out.
	root := reflect.TypeOf(Config{})
	for i := 0; i < root.NumField(); i++ {
		section := root.Field(i)
		key := section.Tag.Get("mapstructure")
		if section.Type.Kind() != reflect.Struct {
			_ = v.BindEnv(key)
			continue
		}
		for j := 0; j < section.Type.NumField(); j++ {
			_ = v.BindEnv(key + "." + section.Type.Field(j).Tag.Get("mapstructure"))
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error) where fileFound indicates if a config file was found.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}

	return true, nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to bytesize.ByteSize, so
// config files can use human-readable sizes like "1Gi", "512Ki", "100MB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration, so config files can
// use human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "nexusd")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "nexusd")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	path := GetDefaultConfigPath()
	_, err := os.Stat(path)
	return err == nil
}

// GetConfigDir returns the configuration directory path (exported for
// callers outside this package).
func GetConfigDir() string {
	return getConfigDir()
}
