package config

import (
	"strings"
	"time"

	"github.com/marmos91/zfsfuse/internal/fusekernel"
	"github.com/marmos91/zfsfuse/pkg/adapter/fuse"
	"github.com/marmos91/zfsfuse/pkg/mount"
	"github.com/marmos91/zfsfuse/pkg/share/nfs"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", nil) are replaced with defaults
//   - Explicit values are preserved
//   - Booleans defaulting to true are handled by viper (see setupViper)
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyListenerDefaults(&cfg.Listener)
	applyMountDefaults(&cfg.Mount)
	applyShareDefaults(&cfg.Share)
	applyCatalogDefaults(&cfg.Catalog)
	applyMetricsDefaults(&cfg.Metrics)
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

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyListenerDefaults mirrors the listener's own defaults so that a
// generated config file shows them.
func applyListenerDefaults(cfg *fuse.FUSEConfig) {
	if cfg.Workers == 0 {
		cfg.Workers = 40
	}
	if cfg.MaxFilesystems == 0 {
		cfg.MaxFilesystems = 1000
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = 5 * time.Minute
	}
}

func applyMountDefaults(cfg *MountConfig) {
	if cfg.LockDir == "" {
		cfg.LockDir = mount.DefaultLockDir
	}
	if cfg.MountTable == "" {
		cfg.MountTable = "/proc/self/mountinfo"
	}
	if cfg.FSType == "" {
		cfg.FSType = fusekernel.FSType
	}
	if cfg.UmountPath == "" {
		cfg.UmountPath = "umount"
	}
	if cfg.FusermountPath == "" {
		cfg.FusermountPath = "fusermount"
	}
}

func applyShareDefaults(cfg *nfs.Config) {
	if cfg.EtabPath == "" {
		cfg.EtabPath = nfs.DefaultEtabPath
	}
	if cfg.ExportfsPath == "" {
		cfg.ExportfsPath = "exportfs"
	}
}

// applyCatalogDefaults sets dataset store defaults.
func applyCatalogDefaults(cfg *CatalogConfig) {
	if cfg.Type == "" {
		cfg.Type = "memory"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Shown in generated config files even when type is memory.
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = "/var/lib/zfsfuse/catalog"
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		Mount: MountConfig{
			GlobalZone: true,
		},
		Catalog: CatalogConfig{
			Datasets: []DatasetConfig{
				{
					Name: "tank",
					Properties: map[string]string{
						"mountpoint": "/tank",
					},
				},
			},
		},
		Pools: []string{"tank"},
	}

	ApplyDefaults(cfg)
	return cfg
}
