package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration against the struct tags plus the
// few rules tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Control.Enable && cfg.Control.Port == cfg.SSL.Port {
		return fmt.Errorf("invalid configuration: control/port %d collides with ssl/port", cfg.Control.Port)
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port == cfg.SSL.Port || (cfg.Control.Enable && cfg.Metrics.Port == cfg.Control.Port)) {
		return fmt.Errorf("invalid configuration: metrics/port %d collides with a listener port", cfg.Metrics.Port)
	}

	return nil
}
