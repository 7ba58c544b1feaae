package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/zfsfuse/pkg/adapter/fuse"
	"github.com/marmos91/zfsfuse/pkg/share/nfs"
	"github.com/spf13/viper"
)

// Config represents the complete zfsfused configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (ZFSFUSE_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// Catalog Configuration Pattern:
// Each dataset store implementation defines its own configuration type. The
// catalog section carries one map per store type and only the map matching
// the selected type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains daemon-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Listener configures the FUSE session listener
	Listener fuse.FUSEConfig `mapstructure:"listener"`

	// Mount configures kernel mounts and host tools
	Mount MountConfig `mapstructure:"mount"`

	// Share locates the NFS export table and tool
	Share nfs.Config `mapstructure:"share"`

	// Catalog selects where dataset definitions live
	Catalog CatalogConfig `mapstructure:"catalog"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Pools are enabled at start and disabled at stop
	Pools []string `mapstructure:"pools"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains daemon-wide settings.
type ServerConfig struct {
	// ShutdownTimeout bounds the whole stop sequence (pool disable plus
	// listener drain)
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`
}

// MountConfig controls how datasets reach the kernel.
type MountConfig struct {
	// FuseOptions are appended to every fusermount option string
	FuseOptions string `mapstructure:"fuse_options"`

	// ExtraOptions is the mount option string used when enabling pools
	ExtraOptions string `mapstructure:"extra_options"`

	// LockDir holds the administrative lock file
	LockDir string `mapstructure:"lock_dir" validate:"required"`

	// MountTable is the host mount table to read
	MountTable string `mapstructure:"mount_table" validate:"required"`

	// FSType filters MountTable to our mounts
	FSType string `mapstructure:"fstype" validate:"required"`

	// GlobalZone marks the daemon as running in the privileged host context
	GlobalZone bool `mapstructure:"global_zone"`

	// UmountPath is the host unmount helper
	UmountPath string `mapstructure:"umount_path" validate:"required"`

	// FusermountPath is the FUSE mount helper
	FusermountPath string `mapstructure:"fusermount_path" validate:"required"`
}

// CatalogConfig specifies the dataset store.
type CatalogConfig struct {
	// Type specifies which dataset store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// Datasets are created (or updated) in the store at startup
	Datasets []DatasetConfig `mapstructure:"datasets" validate:"dive"`
}

// DatasetConfig seeds one dataset.
type DatasetConfig struct {
	Name       string            `mapstructure:"name" validate:"required"`
	Type       string            `mapstructure:"type" validate:"omitempty,oneof=filesystem volume"`
	Properties map[string]string `mapstructure:"properties"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"min=0,max=65535"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: ZFSFUSE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("ZFSFUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans whose default is true cannot be recovered from a zero value.
	v.SetDefault("mount.global_zone", true)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns $XDG_CONFIG_HOME/zfsfuse, ~/.config/zfsfuse, or "."
// when no home directory can be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "zfsfuse")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "zfsfuse")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
