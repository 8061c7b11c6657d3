package config

import (
	"os"
	"strings"
)

// DefaultPort is the historical protocol port.
const DefaultPort = 1756

// DefaultStoragePath is where certificates and the settings store live.
const DefaultStoragePath = "/var/lib/kazad"

// ApplyDefaults fills unset fields with their defaults. Explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	applySSLDefaults(&cfg.SSL)
	applyControlDefaults(&cfg.Control)
	applyClientDefaults(cfg)
	applyStorageDefaults(&cfg.Storage)
	applyLoggingDefaults(&cfg.Logging)
	applyMetricsDefaults(&cfg.Metrics)
}

func applySSLDefaults(cfg *SSLConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Hostname == "" {
		// Best effort only; validation rejects the config if the machine
		// hostname is unavailable too.
		cfg.Hostname, _ = os.Hostname()
	}
}

func applyControlDefaults(cfg *ControlConfig) {
	if cfg.Enable && cfg.Port == 0 {
		cfg.Port = DefaultPort + 1
	}
}

// applyClientDefaults points provisioned clients at the server certificate
// hostname unless the operator published a different address.
func applyClientDefaults(cfg *Config) {
	if cfg.Client.Host == "" {
		cfg.Client.Host = cfg.SSL.Hostname
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Path == "" {
		cfg.Path = DefaultStoragePath
	}
}

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

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}
