// Package config loads the service configuration: one YAML document with
// environment expansion covering the HTTP server, the session bus, the
// repositories, the model providers and the agent timeouts. Zero values pick
// production defaults, so a minimal file only names its credentials.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by setDefaults. Agent timeouts are absent on purpose: a
// zero timeout defers to the agent's own default.
const (
	defaultAddr         = ":8080"
	defaultRateRPS      = 5
	defaultRateBurst    = 10
	defaultRedisURL     = "redis://localhost:6379/0"
	defaultStreamMaxLen = 1000
	defaultBusTimeout   = 5 * time.Second
	defaultStoreDriver  = "postgres"
	defaultMongoDB      = "maice"
	defaultCollection   = "classifications"
	defaultClarMax      = 3
	defaultClarStore    = "memory"
	defaultProvider     = "anthropic"
)

type (
	// Config is the root service configuration.
	Config struct {
		Server        Server        `yaml:"server"`
		Bus           Bus           `yaml:"bus"`
		Store         Store         `yaml:"store"`
		Classlog      Classlog      `yaml:"classlog"`
		Clarification Clarification `yaml:"clarification"`
		Model         Model         `yaml:"model"`
		Timeouts      Timeouts      `yaml:"timeouts"`
	}

	// Server configures the HTTP front door.
	Server struct {
		// Addr is the listen address.
		Addr string `yaml:"addr"`
		// Debug mounts pprof handlers and the debug log enabler.
		Debug bool `yaml:"debug"`
		// RateRPS and RateBurst bound per-user request rates.
		RateRPS   float64 `yaml:"rate_rps"`
		RateBurst int     `yaml:"rate_burst"`
	}

	// Bus configures the Redis session bus.
	Bus struct {
		// RedisURL is a redis:// connection URL.
		RedisURL string `yaml:"redis_url"`
		// StreamMaxLen bounds entries kept per session stream.
		StreamMaxLen int `yaml:"stream_max_len"`
		// OperationTimeout bounds individual bus operations.
		OperationTimeout Duration `yaml:"operation_timeout"`
	}

	// Store configures the conversation repository.
	Store struct {
		// Driver selects the implementation: postgres or memory.
		Driver string `yaml:"driver"`
		// DSN is the Postgres connection string. Ignored by memory.
		DSN string `yaml:"dsn"`
	}

	// Classlog configures classification record persistence. An empty
	// MongoURI keeps records in process memory.
	Classlog struct {
		MongoURI   string `yaml:"mongo_uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// Clarification configures the clarification loop.
	Clarification struct {
		// Max bounds questions per loop.
		Max int `yaml:"max"`
		// Store selects session state placement: memory or redis.
		Store string `yaml:"store"`
	}

	// Model configures the LLM provider shared by the agents.
	Model struct {
		// Provider is one of anthropic, openai or bedrock.
		Provider string `yaml:"provider"`
		// APIKey authenticates anthropic and openai. Bedrock uses the
		// ambient AWS credential chain instead.
		APIKey string `yaml:"api_key"`
		// Region is the AWS region for bedrock.
		Region string `yaml:"region"`
		// Default is the fallback model identifier for agents that do not
		// name their own. Empty picks a provider-specific default.
		Default string `yaml:"default"`
		// Per-agent model identifiers. Empty picks Default.
		Classifier string `yaml:"classifier"`
		Clarifier  string `yaml:"clarifier"`
		Answerer   string `yaml:"answerer"`
		Observer   string `yaml:"observer"`
		// RateLimit configures the adaptive tokens-per-minute limiter.
		RateLimit ModelRateLimit `yaml:"rate_limit"`
	}

	// ModelRateLimit bounds provider token throughput.
	ModelRateLimit struct {
		Enabled    bool    `yaml:"enabled"`
		InitialTPM float64 `yaml:"initial_tpm"`
		MaxTPM     float64 `yaml:"max_tpm"`
	}

	// Timeouts override the per-phase relay deadline and the per-agent model
	// deadlines. Zero defers to each component's default.
	Timeouts struct {
		Phase      Duration `yaml:"phase"`
		Classifier Duration `yaml:"classifier"`
		Clarifier  Duration `yaml:"clarifier"`
		Answerer   Duration `yaml:"answerer"`
		Observer   Duration `yaml:"observer"`
	}

	// Duration is a time.Duration that parses YAML strings like "90s" or
	// "1h30m". Bare integers are taken as nanoseconds.
	Duration time.Duration
)

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return errors.New("duration must be a string like \"90s\" or an integer nanosecond count")
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads, expands and parses the configuration file at path. An empty
// path parses an empty document, which yields the defaults.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := Parse(data)
	if err != nil && path != "" {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, err
}

// Parse expands environment references in the YAML document and decodes it.
// The result has defaults applied and passes Validate.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal([]byte(expandEnv(string(data))), &c); err != nil {
		return nil, err
	}
	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}
	if c.Server.RateRPS == 0 {
		c.Server.RateRPS = defaultRateRPS
	}
	if c.Server.RateBurst == 0 {
		c.Server.RateBurst = defaultRateBurst
	}
	if c.Bus.RedisURL == "" {
		c.Bus.RedisURL = defaultRedisURL
	}
	if c.Bus.StreamMaxLen == 0 {
		c.Bus.StreamMaxLen = defaultStreamMaxLen
	}
	if c.Bus.OperationTimeout == 0 {
		c.Bus.OperationTimeout = Duration(defaultBusTimeout)
	}
	if c.Store.Driver == "" {
		c.Store.Driver = defaultStoreDriver
	}
	if c.Classlog.Database == "" {
		c.Classlog.Database = defaultMongoDB
	}
	if c.Classlog.Collection == "" {
		c.Classlog.Collection = defaultCollection
	}
	if c.Clarification.Max == 0 {
		c.Clarification.Max = defaultClarMax
	}
	if c.Clarification.Store == "" {
		c.Clarification.Store = defaultClarStore
	}
	if c.Model.Provider == "" {
		c.Model.Provider = defaultProvider
	}
	if c.Model.APIKey == "" {
		c.Model.APIKey = providerAPIKey(c.Model.Provider)
	}
}

// providerAPIKey returns the conventional environment credential for the
// provider, letting configuration files omit api_key entirely.
func providerAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	default:
		return ""
	}
}

// Validate reports the first configuration error found.
func (c *Config) Validate() error {
	if c.Server.RateRPS < 0 || c.Server.RateBurst < 0 {
		return errors.New("server: rate_rps and rate_burst must not be negative")
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			return errors.New("store: dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}
	switch c.Clarification.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("clarification: unknown store %q", c.Clarification.Store)
	}
	if c.Clarification.Max < 1 {
		return errors.New("clarification: max must be at least 1")
	}
	switch c.Model.Provider {
	case "anthropic", "openai":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model: api_key is required for provider %q", c.Model.Provider)
		}
	case "bedrock":
		if c.Model.Region == "" {
			return errors.New("model: region is required for provider bedrock")
		}
	default:
		return fmt.Errorf("model: unknown provider %q", c.Model.Provider)
	}
	if rl := c.Model.RateLimit; rl.Enabled {
		if rl.InitialTPM <= 0 {
			return errors.New("model: rate_limit.initial_tpm must be positive")
		}
		if rl.MaxTPM < rl.InitialTPM {
			return errors.New("model: rate_limit.max_tpm must be at least initial_tpm")
		}
	}
	for name, d := range map[string]Duration{
		"timeouts.phase":      c.Timeouts.Phase,
		"timeouts.classifier": c.Timeouts.Classifier,
		"timeouts.clarifier":  c.Timeouts.Clarifier,
		"timeouts.answerer":   c.Timeouts.Answerer,
		"timeouts.observer":   c.Timeouts.Observer,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	return nil
}
