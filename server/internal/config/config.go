package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the collector configuration.
const (
	DefaultListen       = ":8080"
	DefaultDeviceTTL    = 15 * time.Minute
	DefaultDedupeWindow = 1 * time.Hour
	DefaultMaxBodyBytes = 8 << 20
)

// Config holds the collector configuration parsed from the `collector:`
// section of the config file. Other top-level keys are ignored, so the
// collector and an agent can share one bench file.
type Config struct {
	Collector CollectorConfig `yaml:"collector"`
}

// CollectorConfig holds all collector settings.
type CollectorConfig struct {
	// Listen is the address of the HTTP receiver and device API.
	Listen string `yaml:"listen"`

	// Auth configures how uploads and API calls are authenticated.
	Auth AuthConfig `yaml:"auth"`

	// Devices controls in-memory per-device state retention.
	Devices DevicesConfig `yaml:"devices"`

	// Dedupe controls batch de-duplication.
	Dedupe DedupeConfig `yaml:"dedupe"`

	// MaxBodyBytes caps the size of one upload after decompression.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// AuthConfig controls client authentication on the collector side.
type AuthConfig struct {
	// Mode is one of: apikey | bearer | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected
	// API key. Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// TokenEnv names the variable holding the expected bearer token.
	TokenEnv string `yaml:"token_env"`

	// Header is the HTTP header carrying the API key. Defaults to "X-API-Key".
	Header string `yaml:"header"`
}

// Secret returns the expected credential for the configured mode, resolved
// from the environment.
func (a AuthConfig) Secret() string {
	switch a.Mode {
	case "apikey":
		return getenv(a.KeyEnv)
	case "bearer":
		return getenv(a.TokenEnv)
	}
	return ""
}

// EffectiveHeader returns the configured header name, or "X-API-Key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return "X-API-Key"
}

func getenv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// DevicesConfig controls in-memory device state retention.
type DevicesConfig struct {
	// TTL is how long a device stays listed after its last upload.
	TTL time.Duration `yaml:"ttl"`
}

// DedupeConfig controls batch de-duplication.
type DedupeConfig struct {
	// Window is how long an accepted batch id is remembered. A re-sent batch
	// inside the window is acknowledged without being counted again.
	Window time.Duration `yaml:"window"`
}

// Load reads and parses the config file at path.
// Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("collector config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("collector config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("collector config: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Collector: CollectorConfig{
			Listen:       DefaultListen,
			Devices:      DevicesConfig{TTL: DefaultDeviceTTL},
			Dedupe:       DedupeConfig{Window: DefaultDedupeWindow},
			MaxBodyBytes: DefaultMaxBodyBytes,
		},
	}
}

func validate(cfg *Config) error {
	c := cfg.Collector
	if c.Listen == "" {
		return fmt.Errorf("collector.listen is required")
	}
	switch c.Auth.Mode {
	case "apikey":
		if c.Auth.KeyEnv == "" {
			return fmt.Errorf("collector.auth.key_env is required for mode apikey")
		}
	case "bearer":
		if c.Auth.TokenEnv == "" {
			return fmt.Errorf("collector.auth.token_env is required for mode bearer")
		}
	case "none", "":
	default:
		return fmt.Errorf("collector.auth.mode %q unknown: want apikey|bearer|none", c.Auth.Mode)
	}
	if c.Devices.TTL <= 0 {
		return fmt.Errorf("collector.devices.ttl must be positive")
	}
	if c.Dedupe.Window < 0 {
		return fmt.Errorf("collector.dedupe.window must not be negative")
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("collector.max_body_bytes must be positive")
	}
	return nil
}
