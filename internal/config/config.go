// Package config loads and validates the gateway configuration. A Config is
// immutable after Load; provider descriptors are shared by reference with the
// adapters for their whole lifetime.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Breaker    BreakerConfig    `mapstructure:"circuit_breaker"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Events     EventsConfig     `mapstructure:"events"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Guardrails GuardrailsConfig `mapstructure:"guardrails"`
	ImageFetch ImageFetchConfig `mapstructure:"image_fetch"`

	// Pricing overrides the built-in per-model price table. Values are USD
	// per million tokens.
	Pricing map[string]ModelPrice `mapstructure:"pricing"`

	Providers map[string]*ProviderConfig `mapstructure:"providers"`

	// ModelFallbacks maps a routed model name to alternative provider names
	// tried after the provider's own fallback_providers.
	ModelFallbacks map[string][]string `mapstructure:"model_fallbacks"`

	// FallbackStatuses is the set of upstream statuses that are
	// fallback-eligible. Transport errors and open breakers are always
	// eligible regardless of this set.
	FallbackStatuses []int `mapstructure:"fallback_statuses"`
}

type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdown time.Duration `mapstructure:"graceful_shutdown"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// RetryConfig is the per-attempt retry policy. The retryable-status set is
// deliberately explicit configuration; the default set excludes 408.
type RetryConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	JitterFraction    float64       `mapstructure:"jitter_fraction"`
	RetryableStatuses []int         `mapstructure:"retryable_statuses"`
}

type BreakerConfig struct {
	Enabled                   bool          `mapstructure:"enabled"`
	FailureThreshold          int           `mapstructure:"failure_threshold"`
	Window                    time.Duration `mapstructure:"window"`
	OpenDuration              time.Duration `mapstructure:"open_duration"`
	HalfOpenRequiredSuccesses int           `mapstructure:"half_open_required_successes"`
	HalfOpenMaxConcurrent     int           `mapstructure:"half_open_max_concurrent"`
}

type StreamingConfig struct {
	MaxInputBufferBytes   int           `mapstructure:"max_input_buffer_bytes"`
	MaxOutputBufferChunks int           `mapstructure:"max_output_buffer_chunks"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
}

type EventsConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping_interval"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	RequireAuth  bool          `mapstructure:"require_auth"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// GuardrailsConfig drives the built-in content guardrails. Concurrent runs
// the input check in parallel with the upstream dispatch instead of before
// it. StreamMode selects how streamed output is inspected: per_chunk,
// buffered or final_only.
type GuardrailsConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Concurrent      bool     `mapstructure:"concurrent"`
	BlockedPatterns []string `mapstructure:"blocked_patterns"`
	RedactPII       bool     `mapstructure:"redact_pii"`
	StreamMode      string   `mapstructure:"stream_mode"`
}

type ImageFetchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	MaxBytes int64         `mapstructure:"max_bytes"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ModelPrice struct {
	InputPerMillion  float64 `mapstructure:"input_per_million"`
	OutputPerMillion float64 `mapstructure:"output_per_million"`
}

// ProviderConfig is a provider descriptor: a tagged variant identified by
// Type carrying the family-specific fields plus shared reliability and
// streaming knobs.
type ProviderConfig struct {
	Name string `mapstructure:"-"`
	Type string `mapstructure:"type"` // openai | anthropic | azure | bedrock | vertex

	// OpenAI-compatible.
	BaseURL string            `mapstructure:"base_url"`
	APIKey  string            `mapstructure:"api_key"`
	Headers map[string]string `mapstructure:"headers"`

	// Anthropic.
	AnthropicVersion string `mapstructure:"anthropic_version"`

	// Azure. BaseURL carries the resource endpoint without a trailing slash.
	APIVersion  string            `mapstructure:"api_version"`
	Deployments map[string]string `mapstructure:"deployments"`
	Azure       AzureAuthConfig   `mapstructure:"azure_auth"`

	// Bedrock.
	Region string            `mapstructure:"region"`
	AWS    AWSAuthConfig     `mapstructure:"aws_auth"`
	Models map[string]string `mapstructure:"models"`

	// Vertex.
	Publisher string        `mapstructure:"publisher"`
	Project   string        `mapstructure:"project"`
	Location  string        `mapstructure:"location"`
	GCP       GCPAuthConfig `mapstructure:"gcp_auth"`

	// Shared.
	Timeout           time.Duration    `mapstructure:"timeout"`
	Retry             *RetryConfig     `mapstructure:"retry"`
	Breaker           *BreakerConfig   `mapstructure:"circuit_breaker"`
	Streaming         *StreamingConfig `mapstructure:"streaming"`
	FallbackProviders []string         `mapstructure:"fallback_providers"`
	ImageFetch        string           `mapstructure:"image_fetch"` // allow | deny
}

type AzureAuthConfig struct {
	Mode         string `mapstructure:"mode"` // api_key | azure_ad | managed_identity
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

type AWSAuthConfig struct {
	Mode            string `mapstructure:"mode"` // default | access_key | profile | assume_role
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`
	Profile         string `mapstructure:"profile"`
	RoleARN         string `mapstructure:"role_arn"`
	ExternalID      string `mapstructure:"external_id"`
}

type GCPAuthConfig struct {
	Mode               string `mapstructure:"mode"` // adc | service_account_path | service_account_json
	ServiceAccountPath string `mapstructure:"service_account_path"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.AddConfigPath(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/hadrian")
	}

	setDefaults()
	viper.AutomaticEnv()
	bindEnvVars()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	for name, p := range cfg.Providers {
		p.Name = name
		if err := p.validate(); err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		if p.Timeout == 0 {
			p.Timeout = 120 * time.Second
		}
	}

	return &cfg, nil
}

func (p *ProviderConfig) validate() error {
	switch p.Type {
	case "openai", "anthropic":
		if p.BaseURL == "" {
			return fmt.Errorf("missing base_url")
		}
	case "azure":
		if p.BaseURL == "" {
			return fmt.Errorf("missing base_url")
		}
		if p.APIVersion == "" {
			return fmt.Errorf("missing api_version")
		}
	case "bedrock":
		if p.Region == "" {
			return fmt.Errorf("missing region")
		}
	case "vertex":
		if p.Project == "" {
			return fmt.Errorf("missing project")
		}
	case "":
		return fmt.Errorf("missing type")
	default:
		return fmt.Errorf("unknown type %q", p.Type)
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "300s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown", "30s")

	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 100)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("cors.allow_credentials", true)
	viper.SetDefault("cors.max_age", 86400)

	viper.SetDefault("retry.enabled", true)
	viper.SetDefault("retry.max_retries", 2)
	viper.SetDefault("retry.base_delay", "500ms")
	viper.SetDefault("retry.max_delay", "30s")
	viper.SetDefault("retry.jitter_fraction", 0.25)
	viper.SetDefault("retry.retryable_statuses", []int{429, 500, 502, 503, 504})

	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.failure_threshold", 5)
	viper.SetDefault("circuit_breaker.window", "60s")
	viper.SetDefault("circuit_breaker.open_duration", "30s")
	viper.SetDefault("circuit_breaker.half_open_required_successes", 2)
	viper.SetDefault("circuit_breaker.half_open_max_concurrent", 3)

	viper.SetDefault("streaming.max_input_buffer_bytes", 4<<20)
	viper.SetDefault("streaming.max_output_buffer_chunks", 1024)
	viper.SetDefault("streaming.idle_timeout", "120s")

	viper.SetDefault("events.buffer_size", 256)

	viper.SetDefault("websocket.ping_interval", "30s")
	viper.SetDefault("websocket.pong_timeout", "60s")
	viper.SetDefault("websocket.require_auth", true)

	viper.SetDefault("cache.enabled", false)
	viper.SetDefault("cache.ttl", "5m")

	viper.SetDefault("guardrails.enabled", false)
	viper.SetDefault("guardrails.concurrent", true)
	viper.SetDefault("guardrails.redact_pii", true)
	viper.SetDefault("guardrails.stream_mode", "per_chunk")

	viper.SetDefault("image_fetch.enabled", true)
	viper.SetDefault("image_fetch.max_bytes", 8<<20)
	viper.SetDefault("image_fetch.timeout", "10s")

	viper.SetDefault("fallback_statuses", []int{403, 404, 429, 502, 503, 504})
}

func bindEnvVars() {
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("redis.url", "REDIS_URL")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("logging.level", "LOG_LEVEL")
	_ = viper.BindEnv("logging.format", "LOG_FORMAT")
	_ = viper.BindEnv("websocket.require_auth", "WS_REQUIRE_AUTH")
}

// RetryFor returns the provider-level retry override or the global policy.
func (c *Config) RetryFor(p *ProviderConfig) RetryConfig {
	if p != nil && p.Retry != nil {
		return *p.Retry
	}
	return c.Retry
}

// BreakerFor returns the provider-level breaker override or the global policy.
func (c *Config) BreakerFor(p *ProviderConfig) BreakerConfig {
	if p != nil && p.Breaker != nil {
		return *p.Breaker
	}
	return c.Breaker
}

// StreamingFor returns the provider-level streaming limits or the global ones.
func (c *Config) StreamingFor(p *ProviderConfig) StreamingConfig {
	if p != nil && p.Streaming != nil {
		return *p.Streaming
	}
	return c.Streaming
}
