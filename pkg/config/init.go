package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

const configHeader = `# zfsfused Configuration File
#
# Every value below is the built-in default. Environment variables override
# file values: ZFSFUSE_<SECTION>_<KEY>, e.g. ZFSFUSE_LOGGING_LEVEL=DEBUG.
#
# listener: the FUSE session listener (worker pool, capacity, stop timeout)
# mount:    fusermount/umount helpers, lock directory, host mount table
# share:    NFS export table and exportfs helper
# catalog:  dataset store (memory or badger) and datasets seeded at start
# pools:    pools whose datasets are mounted at start and unmounted at stop

`

// InitConfig writes a default configuration file at the default location.
// It refuses to overwrite an existing file unless force is set.
//
// Returns the path written.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	return path, InitConfigToPath(path, force)
}

// InitConfigToPath writes a default configuration file at path.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
	}

	data, err := renderDefaultConfig()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// renderDefaultConfig encodes GetDefaultConfig using the same keys viper
// reads, by going through mapstructure rather than yaml struct tags.
func renderDefaultConfig() ([]byte, error) {
	var tree map[string]any
	if err := mapstructure.Decode(GetDefaultConfig(), &tree); err != nil {
		return nil, fmt.Errorf("failed to flatten default config: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("failed to encode default config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
