// Package config loads and validates the server configuration.
//
// The configuration lives in an INI file (default /etc/kazad.conf) whose
// section/key layout is fixed by the deployed fleet, so the historical
// names (`ssl/keypassword`, `database/dbName`, the capitalised `Client`
// section) are kept verbatim. Values may be overridden through KAZAD_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/kazoe/kazad/pkg/database"
)

// DefaultConfigPath is where the daemon looks when --config is not given.
const DefaultConfigPath = "/etc/kazad.conf"

// configKeys lists every section/key pair the daemon consumes.
var configKeys = []string{
	"ssl.port", "ssl.hostname", "ssl.keypassword",
	"control.enable", "control.port", "control.password",
	"client.host",
	"qml.server", "qml.client",
	"database.driver", "database.dbname", "database.hostname",
	"database.port", "database.username", "database.password",
	"storage.path",
	"logging.level", "logging.format", "logging.output",
	"metrics.enabled", "metrics.port",
}

// Config is the complete daemon configuration.
type Config struct {
	SSL      SSLConfig       `mapstructure:"ssl"`
	Control  ControlConfig   `mapstructure:"control"`
	Client   ClientConfig    `mapstructure:"client"`
	QML      QMLConfig       `mapstructure:"qml"`
	Database database.Config `mapstructure:"database"`
	Storage  StorageConfig   `mapstructure:"storage"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
}

// SSLConfig configures the mutually-authenticated protocol listener and
// the certificate authority behind it.
type SSLConfig struct {
	// Port is the protocol listener port.
	// Default: 1756
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// Hostname names the server certificate (CN and SAN). Defaults to the
	// machine hostname; startup aborts if neither is available.
	Hostname string `mapstructure:"hostname" validate:"required,hostname_rfc1123"`

	// KeyPassword encrypts the server private key on disk.
	KeyPassword string `mapstructure:"keypassword" validate:"required"`
}

// ControlConfig configures the optional control/provisioning listener.
type ControlConfig struct {
	// Enable turns the control listener on. Default: false
	Enable bool `mapstructure:"enable"`

	// Port is the control listener port.
	Port int `mapstructure:"port" validate:"required_if=Enable true,omitempty,min=1,max=65535"`

	// Password is the administrative password checked by clientconf?.
	Password string `mapstructure:"password" validate:"required_if=Enable true"`
}

// ClientConfig holds values handed out to provisioned clients.
type ClientConfig struct {
	// Host is the address clients should connect to. Defaults to
	// ssl/hostname when empty.
	Host string `mapstructure:"host"`
}

// QMLConfig points at the application bundles served over the protocol.
type QMLConfig struct {
	// Server is the server-side configuration bundle path.
	Server string `mapstructure:"server"`

	// Client is the client application bundle announced after the
	// version handshake and served on APP? requests.
	Client string `mapstructure:"client"`
}

// StorageConfig locates the server's on-disk state.
type StorageConfig struct {
	// Path is the base directory for certificates and the settings store.
	// Default: /var/lib/kazad
	Path string `mapstructure:"path" validate:"required"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the minimum level that is emitted.
	// Default: INFO
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR"`

	// Format selects text or json output. Default: text
	Format string `mapstructure:"format" validate:"required,oneof=text json"`

	// Output is stdout, stderr, or a file path. Default: stdout
	Output string `mapstructure:"output" validate:"required"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the /metrics HTTP listener on. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Port is the HTTP listener port. Default: 9090 when enabled.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// Load reads, decodes, and validates the configuration file at path.
// An empty path means DefaultConfigPath.
//
// Precedence (highest to lowest): KAZAD_* environment variables, the
// configuration file, built-in defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("ini")
	v.SetEnvPrefix("KAZAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only consults the environment for keys viper already
	// knows about, so register every key up front.
	for _, key := range configKeys {
		v.SetDefault(key, "")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	// The INI backend hands every value over as a string, so decoding
	// into int and bool fields needs weak typing.
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad is Load with a user-facing error when the file is missing.
func MustLoad(path string) (*Config, error) {
	target := path
	if target == "" {
		target = DefaultConfigPath
	}
	if _, err := os.Stat(target); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it or point at another one:\n"+
			"  kazad start --config /path/to/kazad.conf", target)
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
