package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/fieldlog/datalogger/pkg/wire"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultDeviceIDEnv = "DATALOGGER_DEVICE_ID"

	DefaultSlaveID         = 1
	DefaultInstrumentTO    = 1 * time.Second
	DefaultBaudRate        = 9600
	DefaultDataBits        = 8
	DefaultParity          = "N"
	DefaultStopBits        = 1
	DefaultRegisterScale   = 1.0
	DefaultSampleInterval  = 10 * time.Second
	DefaultBatchSize       = 30
	DefaultPendingFactor   = 10
	DefaultReadTimeout     = 5 * time.Second
	DefaultStoragePath     = "/var/lib/datalogger/datalogger.db"
	DefaultMaxRows         = 1_000_000
	DefaultMinFreeFraction = 0.10
	DefaultEvictChunk      = 5000
	DefaultSynchronous     = "FULL"
	DefaultTxTimeout       = 5 * time.Second
	DefaultPublishTimeout  = 10 * time.Second
	DefaultPublishInterval = 30 * time.Second
	DefaultPublishBatch    = 50
	DefaultMaxBatches      = 10
	DefaultRetryAttempts   = 3
	DefaultRetryInitial    = 1 * time.Second
	DefaultRetryMax        = 30 * time.Second
	DefaultMQTTTopicPrefix = "datalogger"
	DefaultMQTTQoS         = 1
	DefaultShutdownGrace   = 15 * time.Second
)

// DefaultIDSources is the identity lookup order used when device.id_sources
// is empty.
var DefaultIDSources = []string{"env", "devicetree", "cpuinfo"}

// Config is the full datalogger configuration. It is built once by Load and
// treated as read-only for the rest of the process lifetime.
type Config struct {
	Device      Device      `yaml:"device"`
	Instrument  Instrument  `yaml:"instrument"`
	Acquisition Acquisition `yaml:"acquisition"`
	Storage     Storage     `yaml:"storage"`
	Upstream    Upstream    `yaml:"upstream"`
	Metrics     Metrics     `yaml:"metrics"`
	Lifecycle   Lifecycle   `yaml:"lifecycle"`
}

// Device configures how the device identity is discovered.
type Device struct {
	// IDSources is the ordered list of identity sources:
	// env | devicetree | cpuinfo | mac. The first non-empty value wins.
	IDSources []string `yaml:"id_sources"`

	// IDEnv names the environment variable consulted by the "env" source.
	IDEnv string `yaml:"id_env"`
}

// Instrument describes the measurement device and the registers to sample.
type Instrument struct {
	// Type is one of: modbus-rtu | modbus-tcp | prometheus | simulated.
	Type string `yaml:"type"`

	// Endpoint is a serial device path (modbus-rtu), host:port (modbus-tcp)
	// or a URL (prometheus). Unused for simulated.
	Endpoint string `yaml:"endpoint"`

	SlaveID byte          `yaml:"slave_id"`
	Timeout time.Duration `yaml:"timeout"`
	Serial  Serial        `yaml:"serial"`

	Registers []Register `yaml:"registers"`

	// Auth and TLS apply to the prometheus adapter only.
	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`
}

// Serial holds RS-485 line settings for modbus-rtu.
type Serial struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`
}

// Register is one named value read on every sample.
type Register struct {
	// Name is the key of the value inside the reading payload.
	// For the prometheus adapter it is the metric family name.
	Name string `yaml:"name"`

	// Function is the modbus table: holding | input | coil | discrete.
	Function string `yaml:"function"`

	Address uint16 `yaml:"address"`

	// Type is uint16 | int16 | uint32 | int32 | float32 | bool.
	Type string `yaml:"type"`

	// Scale multiplies numeric values. Zero means 1.
	Scale float64 `yaml:"scale"`

	// WordOrder is big | little for 32-bit values spanning two registers.
	WordOrder string `yaml:"word_order"`
}

// Acquisition configures the sampling loop.
type Acquisition struct {
	SampleInterval time.Duration `yaml:"sample_interval"`

	// BatchSize is the number of samples accumulated before a flush.
	BatchSize int `yaml:"batch_size"`

	// MaxBatchAge forces a flush of a partial batch once its oldest sample
	// is this old. Zero disables age-based flushing.
	MaxBatchAge time.Duration `yaml:"max_batch_age"`

	// MaxPending is the in-memory high-water mark. When flushes keep failing
	// the oldest unpersisted samples beyond it are dropped.
	MaxPending int `yaml:"max_pending"`

	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Storage configures the persistent buffer.
type Storage struct {
	Path string `yaml:"path"`

	// MaxRows is the capacity bound in rows.
	MaxRows int64 `yaml:"max_rows"`

	// MinFreeFraction is the eviction target: eviction runs while the free
	// fraction (row headroom or disk headroom, whichever is lower) is below it.
	MinFreeFraction float64 `yaml:"min_free_fraction"`

	EvictChunk int `yaml:"evict_chunk"`

	// Synchronous is the SQLite synchronous pragma: OFF | NORMAL | FULL | EXTRA.
	Synchronous string `yaml:"synchronous"`

	TxTimeout time.Duration `yaml:"tx_timeout"`
}

// Upstream configures the remote collector and the shipping loop.
type Upstream struct {
	// Kind is one of: http | mqtt | s3.
	Kind string `yaml:"kind"`

	// URL is the collector endpoint (http) or broker URL (mqtt).
	URL string `yaml:"url"`

	Auth AuthConfig `yaml:"auth"`
	TLS  TLSConfig  `yaml:"tls"`

	Format      string `yaml:"format"`
	Compression string `yaml:"compression"`

	// Timeout bounds each publish attempt.
	Timeout time.Duration `yaml:"timeout"`

	PublishInterval    time.Duration `yaml:"publish_interval"`
	BatchSize          int           `yaml:"batch_size"`
	MaxBatchesPerCycle int           `yaml:"max_batches_per_cycle"`

	Retry Retry      `yaml:"retry"`
	MQTT  MQTTConfig `yaml:"mqtt"`
	S3    S3Config   `yaml:"s3"`
}

// Retry bounds the publish attempts of one batch.
type Retry struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MQTTConfig holds broker publishing options.
type MQTTConfig struct {
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	ClientID    string `yaml:"client_id"`
}

// S3Config holds object-store publishing options.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`

	// AccessKeyEnv and SecretKeyEnv name environment variables holding
	// static credentials. When both are empty the default AWS credential
	// chain is used.
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`

	accessKey string
	secretKey string
}

// AccessKey returns the static access key resolved at load time.
func (s S3Config) AccessKey() string { return s.accessKey }

// SecretKey returns the static secret key resolved at load time.
func (s S3Config) SecretKey() string { return s.secretKey }

// Metrics configures the optional Prometheus listener.
type Metrics struct {
	// Listen is the address for /metrics and /healthz. Empty disables it.
	Listen string `yaml:"listen"`
}

// Lifecycle configures process-level behaviour.
type Lifecycle struct {
	// ShutdownGrace bounds how long the loops get to finish after a
	// termination request.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// RestartOnChange makes the process exit cleanly when the config file
	// changes, so the supervisor restarts it with the new file.
	RestartOnChange bool `yaml:"restart_on_change"`
}

// AuthConfig specifies an authentication mode. Secret values are never
// stored in the file: the *_env fields name environment variables that are
// resolved once, from the startup environment snapshot, by Load.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the HTTP header carrying the key when Mode == "apikey".
	Header string `yaml:"header"`
	KeyEnv string `yaml:"key_env"`

	TokenEnv string `yaml:"token_env"`

	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`

	key      string
	token    string
	password string
}

// Key returns the API key resolved at load time.
func (a AuthConfig) Key() string { return a.key }

// Token returns the bearer token resolved at load time.
func (a AuthConfig) Token() string { return a.token }

// Password returns the basic-auth password resolved at load time.
func (a AuthConfig) Password() string { return a.password }

// EffectiveHeader returns the API key header name, "X-API-Key" when unset.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header == "" {
		return "X-API-Key"
	}
	return a.Header
}

func (a *AuthConfig) resolve(env Env) {
	a.key = env.Get(a.KeyEnv)
	a.token = env.Get(a.TokenEnv)
	a.password = env.Get(a.PasswordEnv)
}

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	// CAFile adds a private CA to the trusted roots.
	CAFile string `yaml:"ca_file"`

	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the config file at path. Files ending in .json or
// .jsonc may contain comments and trailing commas; anything else is YAML.
// Missing optional fields are filled with defaults and secrets are resolved
// from env.
func Load(path string, env Env) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	return Parse(data, filepath.Ext(path), env)
}

// Parse is Load without the file read. ext selects the syntax as in Load.
func Parse(data []byte, ext string, env Env) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
		// JSON is valid YAML flow syntax except for tab indentation, and
		// raw tabs cannot appear inside JSON strings.
		data = bytes.ReplaceAll(data, []byte("\t"), []byte(" "))
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	derive(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.Instrument.Auth.resolve(env)
	cfg.Upstream.Auth.resolve(env)
	cfg.Upstream.S3.accessKey = env.Get(cfg.Upstream.S3.AccessKeyEnv)
	cfg.Upstream.S3.secretKey = env.Get(cfg.Upstream.S3.SecretKeyEnv)

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Device: Device{
			IDEnv: DefaultDeviceIDEnv,
		},
		Instrument: Instrument{
			SlaveID: DefaultSlaveID,
			Timeout: DefaultInstrumentTO,
			Serial: Serial{
				BaudRate: DefaultBaudRate,
				DataBits: DefaultDataBits,
				Parity:   DefaultParity,
				StopBits: DefaultStopBits,
			},
		},
		Acquisition: Acquisition{
			SampleInterval: DefaultSampleInterval,
			BatchSize:      DefaultBatchSize,
			ReadTimeout:    DefaultReadTimeout,
		},
		Storage: Storage{
			Path:            DefaultStoragePath,
			MaxRows:         DefaultMaxRows,
			MinFreeFraction: DefaultMinFreeFraction,
			EvictChunk:      DefaultEvictChunk,
			Synchronous:     DefaultSynchronous,
			TxTimeout:       DefaultTxTimeout,
		},
		Upstream: Upstream{
			Kind:               "http",
			Format:             string(wire.FormatJSON),
			Compression:        string(wire.CompressionNone),
			Timeout:            DefaultPublishTimeout,
			PublishInterval:    DefaultPublishInterval,
			BatchSize:          DefaultPublishBatch,
			MaxBatchesPerCycle: DefaultMaxBatches,
			Retry: Retry{
				MaxAttempts:  DefaultRetryAttempts,
				InitialDelay: DefaultRetryInitial,
				MaxDelay:     DefaultRetryMax,
			},
			MQTT: MQTTConfig{
				TopicPrefix: DefaultMQTTTopicPrefix,
				QoS:         DefaultMQTTQoS,
			},
		},
		Lifecycle: Lifecycle{
			ShutdownGrace: DefaultShutdownGrace,
		},
	}
}

// derive fills values that depend on other fields.
func derive(cfg *Config) {
	if len(cfg.Device.IDSources) == 0 {
		cfg.Device.IDSources = append([]string(nil), DefaultIDSources...)
	}
	if cfg.Acquisition.MaxPending == 0 {
		cfg.Acquisition.MaxPending = DefaultPendingFactor * cfg.Acquisition.BatchSize
	}
	for i := range cfg.Instrument.Registers {
		r := &cfg.Instrument.Registers[i]
		if r.Scale == 0 {
			r.Scale = DefaultRegisterScale
		}
		if r.Function == "" {
			r.Function = "holding"
		}
		if r.Type == "" {
			r.Type = "uint16"
		}
		if r.WordOrder == "" {
			r.WordOrder = "big"
		}
	}
	cfg.Storage.Synchronous = strings.ToUpper(cfg.Storage.Synchronous)
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	for i, src := range cfg.Device.IDSources {
		switch src {
		case "env", "devicetree", "cpuinfo", "mac":
		default:
			return fmt.Errorf("device.id_sources[%d]: unknown source %q", i, src)
		}
	}

	if err := validateInstrument(cfg.Instrument); err != nil {
		return err
	}

	a := cfg.Acquisition
	if a.SampleInterval <= 0 {
		return fmt.Errorf("acquisition.sample_interval must be positive")
	}
	if a.BatchSize <= 0 {
		return fmt.Errorf("acquisition.batch_size must be positive")
	}
	if a.MaxBatchAge < 0 {
		return fmt.Errorf("acquisition.max_batch_age must not be negative")
	}
	if a.MaxPending < a.BatchSize {
		return fmt.Errorf("acquisition.max_pending (%d) must be at least batch_size (%d)", a.MaxPending, a.BatchSize)
	}
	if a.ReadTimeout <= 0 {
		return fmt.Errorf("acquisition.read_timeout must be positive")
	}

	s := cfg.Storage
	if s.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if s.MaxRows <= 0 {
		return fmt.Errorf("storage.max_rows must be positive")
	}
	if s.MinFreeFraction <= 0 || s.MinFreeFraction >= 1 {
		return fmt.Errorf("storage.min_free_fraction must be in (0, 1)")
	}
	if s.EvictChunk <= 0 {
		return fmt.Errorf("storage.evict_chunk must be positive")
	}
	switch s.Synchronous {
	case "OFF", "NORMAL", "FULL", "EXTRA":
	default:
		return fmt.Errorf("storage.synchronous: unknown mode %q", s.Synchronous)
	}
	if s.TxTimeout <= 0 {
		return fmt.Errorf("storage.tx_timeout must be positive")
	}

	if cfg.Lifecycle.ShutdownGrace <= 0 {
		return fmt.Errorf("lifecycle.shutdown_grace must be positive")
	}

	return validateUpstream(cfg.Upstream)
}

func validateInstrument(in Instrument) error {
	switch in.Type {
	case "modbus-rtu", "modbus-tcp", "prometheus":
		if in.Endpoint == "" {
			return fmt.Errorf("instrument.endpoint is required for type %q", in.Type)
		}
	case "simulated":
	case "":
		return fmt.Errorf("instrument.type is required")
	default:
		return fmt.Errorf("instrument.type: unknown type %q", in.Type)
	}
	if in.Timeout <= 0 {
		return fmt.Errorf("instrument.timeout must be positive")
	}
	if len(in.Registers) == 0 {
		return fmt.Errorf("instrument.registers: at least one register is required")
	}
	if err := validateAuthMode("instrument.auth", in.Auth.Mode); err != nil {
		return err
	}

	seen := make(map[string]bool, len(in.Registers))
	for i, r := range in.Registers {
		if r.Name == "" {
			return fmt.Errorf("instrument.registers[%d]: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("instrument.registers[%d]: duplicate name %q", i, r.Name)
		}
		seen[r.Name] = true

		switch r.Function {
		case "holding", "input":
			switch r.Type {
			case "uint16", "int16", "uint32", "int32", "float32":
			default:
				return fmt.Errorf("instrument.registers[%d] %q: type %q is not valid for function %q", i, r.Name, r.Type, r.Function)
			}
		case "coil", "discrete":
			if r.Type != "bool" && r.Type != "uint16" {
				return fmt.Errorf("instrument.registers[%d] %q: type %q is not valid for function %q", i, r.Name, r.Type, r.Function)
			}
		default:
			return fmt.Errorf("instrument.registers[%d] %q: unknown function %q", i, r.Name, r.Function)
		}
		switch r.WordOrder {
		case "big", "little":
		default:
			return fmt.Errorf("instrument.registers[%d] %q: unknown word_order %q", i, r.Name, r.WordOrder)
		}
	}
	return nil
}

func validateUpstream(u Upstream) error {
	switch u.Kind {
	case "http", "mqtt":
		if u.URL == "" {
			return fmt.Errorf("upstream.url is required for kind %q", u.Kind)
		}
	case "s3":
		if u.S3.Bucket == "" {
			return fmt.Errorf("upstream.s3.bucket is required for kind s3")
		}
	default:
		return fmt.Errorf("upstream.kind: unknown kind %q", u.Kind)
	}
	if _, err := wire.ParseFormat(u.Format); err != nil {
		return fmt.Errorf("upstream.format: %w", err)
	}
	if _, err := wire.ParseCompression(u.Compression); err != nil {
		return fmt.Errorf("upstream.compression: %w", err)
	}
	if err := validateAuthMode("upstream.auth", u.Auth.Mode); err != nil {
		return err
	}
	if u.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if u.PublishInterval <= 0 {
		return fmt.Errorf("upstream.publish_interval must be positive")
	}
	if u.BatchSize <= 0 {
		return fmt.Errorf("upstream.batch_size must be positive")
	}
	if u.MaxBatchesPerCycle <= 0 {
		return fmt.Errorf("upstream.max_batches_per_cycle must be positive")
	}
	if u.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("upstream.retry.max_attempts must be positive")
	}
	if u.Retry.InitialDelay < 0 || u.Retry.MaxDelay < u.Retry.InitialDelay {
		return fmt.Errorf("upstream.retry: need 0 <= initial_delay <= max_delay")
	}
	// QoS 0 completes without a broker acknowledgement.
	if u.Kind == "mqtt" && u.MQTT.QoS != 1 && u.MQTT.QoS != 2 {
		return fmt.Errorf("upstream.mqtt.qos must be 1 or 2")
	}
	return nil
}

func validateAuthMode(field, mode string) error {
	switch mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
		return nil
	}
	return fmt.Errorf("%s: unknown auth mode %q", field, mode)
}
