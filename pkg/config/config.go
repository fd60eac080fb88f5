// Package config loads and validates the server configuration from a
// file, environment variables and defaults, in that order of
// precedence (file lowest, env highest among external sources).
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/marmos91/oncrpc/internal/server"
)

// Config is the complete server configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging"`

	// Server holds the RPC engine options.
	Server server.Config `mapstructure:"server"`

	// Attributes selects and configures the attribute store backend.
	Attributes AttributesConfig `mapstructure:"attributes"`

	// Metrics toggles Prometheus metrics collection.
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output is "stdout", "stderr" or a file path.
	Output string `mapstructure:"output" validate:"required"`
}

// AttributesConfig selects the attribute store implementation. Only the
// section matching Type is used.
type AttributesConfig struct {
	// Type is the backend: memory or badger.
	Type string `mapstructure:"type" validate:"required,oneof=memory badger"`

	// Badger holds badger-specific settings, used when Type = "badger".
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB settings for the attribute store.
type BadgerConfig struct {
	// Dir is the database directory.
	Dir string `mapstructure:"dir"`
}

// MetricsConfig toggles metrics collection.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Address is the HTTP listen address for the /metrics endpoint.
	Address string `mapstructure:"address"`
}

// Load reads configuration from the given file (optional; empty means
// defaults plus environment only) and ONCRPC_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ONCRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration against its struct constraints.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("validate config: %w", err)
	}

	if cfg.Attributes.Type == "badger" && cfg.Attributes.Badger.Dir == "" {
		return fmt.Errorf("invalid configuration: attributes.badger.dir is required for the badger backend")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("server.address", "")
	v.SetDefault("server.port", 10635)
	v.SetDefault("server.small_buffer_size", 512)
	v.SetDefault("server.small_pool_count", 50)
	v.SetDefault("server.large_pool_count", 0) // 0 follows small_pool_count
	v.SetDefault("server.max_message_size", 1<<20)
	v.SetDefault("server.worker_count", 8)
	v.SetDefault("server.max_connections", 0)
	v.SetDefault("server.accept_rate", 0)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "5m")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("attributes.type", "memory")
	v.SetDefault("attributes.badger.dir", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
}
