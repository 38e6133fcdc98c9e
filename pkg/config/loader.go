package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MAHI_SERVER_ADDRESS.
const EnvPrefix = "MAHI"

// SetDefaults registers the default value of every scalar key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 4<<20)

	v.SetDefault("fallback.enabled", true)
	v.SetDefault("fallback.token_delay", time.Duration(0))
	v.SetDefault("fallback.index_path", "")
	v.SetDefault("fallback.key_path", "")

	v.SetDefault("health.failure_threshold", 3)
	v.SetDefault("health.cooldown", 30*time.Second)

	v.SetDefault("stream.stall_timeout", 15*time.Second)
	v.SetDefault("stream.cancel_grace", time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(dataDir(), "mahi.db"))

	v.SetDefault("policy.paths", []string{})
	v.SetDefault("policy.watch", false)
	v.SetDefault("policy.disabled", []string{})

	v.SetDefault("actions.enabled", true)
	v.SetDefault("actions.plugin_dir", "")
	v.SetDefault("actions.allowed", []string{})

	v.SetDefault("telemetry.service_name", "mahi")
	v.SetDefault("telemetry.environment", "development")
	v.SetDefault("telemetry.logging.level", "info")
	v.SetDefault("telemetry.logging.format", "console")
	v.SetDefault("telemetry.logging.output", "stderr")
	v.SetDefault("telemetry.tracing.exporter", "none")
	v.SetDefault("telemetry.tracing.endpoint", "")
	v.SetDefault("telemetry.tracing.sampling_rate", 1.0)
	v.SetDefault("telemetry.tracing.insecure", true)
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.namespace", "mahi")
	v.SetDefault("telemetry.events.buffer_size", 256)
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("default configuration does not decode: %v", err))
	}
	return cfg
}

// Load reads configuration from path, or from MAHI_CONFIG, or from
// ~/.config/mahi/config.yaml if present, then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "mahi"))
		v.SetConfigName("config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	return finish(v)
}

// Parse reads YAML configuration from r, then applies environment
// overrides and validates the result.
func Parse(r io.Reader) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func finish(v *viper.Viper) (*Config, error) {
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg.resolveSecrets()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// resolveSecrets reads backend API keys named by api_key_env.
func (c *Config) resolveSecrets() {
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.APIKey == "" && b.APIKeyEnv != "" {
			b.APIKey = os.Getenv(b.APIKeyEnv)
		}
	}
}

func dataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "mahi")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share", "mahi")
}
