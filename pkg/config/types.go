package config

import (
	"time"
)

// Config is the whole service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" json:"server"`
	Backends  []BackendConfig `mapstructure:"backends" json:"backends,omitempty" validate:"unique=ID,dive"`
	Fallback  FallbackConfig  `mapstructure:"fallback" json:"fallback"`
	Health    HealthConfig    `mapstructure:"health" json:"health"`
	Stream    StreamConfig    `mapstructure:"stream" json:"stream"`
	Store     StoreConfig     `mapstructure:"store" json:"store"`
	Policy    PolicyConfig    `mapstructure:"policy" json:"policy"`
	Actions   ActionsConfig   `mapstructure:"actions" json:"actions"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" json:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Address           string        `mapstructure:"address" json:"address" validate:"required"`
	CORSOrigins       []string      `mapstructure:"cors_origins" json:"cors_origins,omitempty"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" json:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" json:"max_body_bytes" validate:"gte=0"`
}

// BackendConfig describes one remote backend. The set of backends is read
// once at startup.
type BackendConfig struct {
	ID   string `mapstructure:"id" json:"id" validate:"required,max=64"`
	Kind string `mapstructure:"kind" json:"kind" validate:"required,oneof=http rpc openai"`

	// Address is a base URL for http and openai backends and host:port for
	// rpc backends.
	Address string `mapstructure:"address" json:"address,omitempty"`

	// Enabled defaults to true.
	Enabled *bool `mapstructure:"enabled" json:"enabled,omitempty"`

	// Priority orders candidates; lower goes first.
	Priority int `mapstructure:"priority" json:"priority" validate:"gte=0"`

	// Capabilities narrows what the backend is asked to serve. Empty means
	// everything its transport supports.
	Capabilities []string `mapstructure:"capabilities" json:"capabilities,omitempty" validate:"dive,oneof=chat-stream index query embed plan execute"`

	APIKey         string `mapstructure:"api_key" json:"-"`
	APIKeyEnv      string `mapstructure:"api_key_env" json:"api_key_env,omitempty"`
	Model          string `mapstructure:"model" json:"model,omitempty"`
	EmbeddingModel string `mapstructure:"embedding_model" json:"embedding_model,omitempty"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
	StallTimeout   time.Duration `mapstructure:"stall_timeout" json:"stall_timeout"`
}

// IsEnabled reports whether the backend should be registered.
func (b BackendConfig) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// FallbackConfig configures the on-device generator that answers when no
// backend can.
type FallbackConfig struct {
	Enabled    bool          `mapstructure:"enabled" json:"enabled"`
	TokenDelay time.Duration `mapstructure:"token_delay" json:"token_delay"`

	// IndexPath persists the local index. Empty keeps it in memory.
	IndexPath string `mapstructure:"index_path" json:"index_path,omitempty"`

	// KeyPath holds the key that encrypts the index snapshot. It is created
	// on first use.
	KeyPath string `mapstructure:"key_path" json:"key_path,omitempty"`
}

// HealthConfig tunes the per-backend circuit breaker.
type HealthConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
	Cooldown         time.Duration `mapstructure:"cooldown" json:"cooldown"`
}

// StreamConfig holds stream defaults for backends that do not set their own.
type StreamConfig struct {
	StallTimeout time.Duration `mapstructure:"stall_timeout" json:"stall_timeout"`
	CancelGrace  time.Duration `mapstructure:"cancel_grace" json:"cancel_grace"`
}

// StoreConfig selects plan persistence.
type StoreConfig struct {
	Driver string `mapstructure:"driver" json:"driver" validate:"oneof=sqlite memory"`
	Path   string `mapstructure:"path" json:"path,omitempty" validate:"required_if=Driver sqlite"`
}

// PolicyConfig points at Rego step policies.
type PolicyConfig struct {
	Paths    []string `mapstructure:"paths" json:"paths,omitempty"`
	Watch    bool     `mapstructure:"watch" json:"watch"`
	Disabled []string `mapstructure:"disabled" json:"disabled,omitempty"`
}

// ActionsConfig configures the on-device action runtime.
type ActionsConfig struct {
	Enabled   bool     `mapstructure:"enabled" json:"enabled"`
	PluginDir string   `mapstructure:"plugin_dir" json:"plugin_dir,omitempty"`
	Allowed   []string `mapstructure:"allowed" json:"allowed,omitempty" validate:"dive,required"`
}

// TelemetryConfig configures logging, tracing, metrics and events.
type TelemetryConfig struct {
	ServiceName string        `mapstructure:"service_name" json:"service_name" validate:"required"`
	Environment string        `mapstructure:"environment" json:"environment"`
	Logging     LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing     TracingConfig `mapstructure:"tracing" json:"tracing"`
	Metrics     MetricsConfig `mapstructure:"metrics" json:"metrics"`
	Events      EventsConfig  `mapstructure:"events" json:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" validate:"oneof=trace debug info warn error"`
	Format string `mapstructure:"format" json:"format" validate:"oneof=console json"`
	Output string `mapstructure:"output" json:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Exporter     string  `mapstructure:"exporter" json:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `mapstructure:"endpoint" json:"endpoint,omitempty"`
	SamplingRate float64 `mapstructure:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `mapstructure:"insecure" json:"insecure"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" json:"enabled"`
	Namespace string `mapstructure:"namespace" json:"namespace"`
}

// EventsConfig configures the lifecycle event publisher.
type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size" json:"buffer_size" validate:"gte=1"`
}
