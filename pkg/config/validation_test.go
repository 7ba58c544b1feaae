package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default config",
			mutate: func(*Config) {},
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "TRACE" },
			wantErr: "Level",
		},
		{
			name:    "invalid log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "Format",
		},
		{
			name:    "unknown catalog type",
			mutate:  func(c *Config) { c.Catalog.Type = "sqlite" },
			wantErr: "Type",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(c *Config) { c.Server.ShutdownTimeout = 0 },
			wantErr: "ShutdownTimeout",
		},
		{
			name:    "metrics port out of range",
			mutate:  func(c *Config) { c.Metrics.Port = 70000 },
			wantErr: "Port",
		},
		{
			name: "unknown dataset type",
			mutate: func(c *Config) {
				c.Catalog.Datasets = append(c.Catalog.Datasets, DatasetConfig{Name: "tank/x", Type: "snapshot"})
			},
			wantErr: "Type",
		},
		{
			name: "invalid dataset name",
			mutate: func(c *Config) {
				c.Catalog.Datasets = append(c.Catalog.Datasets, DatasetConfig{Name: "tank//x"})
			},
			wantErr: "empty component",
		},
		{
			name: "duplicate dataset",
			mutate: func(c *Config) {
				c.Catalog.Datasets = append(c.Catalog.Datasets, DatasetConfig{Name: "tank"})
			},
			wantErr: "duplicate dataset name",
		},
		{
			name: "orphan dataset",
			mutate: func(c *Config) {
				c.Catalog.Datasets = append(c.Catalog.Datasets, DatasetConfig{Name: "tank/a/b"})
			},
			wantErr: "parent \"tank/a\"",
		},
		{
			name:    "pool with slash",
			mutate:  func(c *Config) { c.Pools = []string{"tank/home"} },
			wantErr: "not a pool name",
		},
		{
			name: "poll slower than stop timeout",
			mutate: func(c *Config) {
				c.Listener.PollInterval = 20 * time.Second
			},
			wantErr: "exceeds stop_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Expected no error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
