package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/marmos91/zfsfuse/pkg/dataset"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
// Validation accepts both uppercase and lowercase log levels.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if err := validateCustomRules(cfg); err != nil {
		return err
	}

	return nil
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	names := make(map[string]bool)
	for i, ds := range cfg.Catalog.Datasets {
		if err := dataset.ValidateName(ds.Name); err != nil {
			return fmt.Errorf("catalog.datasets[%d]: %w", i, err)
		}
		if names[ds.Name] {
			return fmt.Errorf("catalog.datasets[%d]: duplicate dataset name %q", i, ds.Name)
		}
		names[ds.Name] = true
	}

	for i, ds := range cfg.Catalog.Datasets {
		if parent := dataset.Parent(ds.Name); parent != "" && !names[parent] {
			return fmt.Errorf("catalog.datasets[%d]: parent %q of %q is not configured", i, parent, ds.Name)
		}
	}

	for i, pool := range cfg.Pools {
		if pool == "" || strings.Contains(pool, "/") {
			return fmt.Errorf("pools[%d]: %q is not a pool name", i, pool)
		}
	}

	if cfg.Listener.PollInterval > cfg.Listener.StopTimeout {
		return fmt.Errorf("listener: poll_interval %v exceeds stop_timeout %v",
			cfg.Listener.PollInterval, cfg.Listener.StopTimeout)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
