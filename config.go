package parley

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads YAML scalars in Go duration
// syntax ("250ms", "30s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
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

// String returns the duration in Go syntax.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config is the declarative part of client configuration. Everything
// function-valued (handlers, generators, observers, logger, transport
// choice) is wired through Options instead.
type Config struct {
	// URL is the broker address handed to the transport adapter.
	URL string `yaml:"url"`

	// ConnectionNeeded marks the connection as required: exhausting
	// reconnection attempts is then fatal and closes the client instead of
	// leaving it alive in the Failed state.
	ConnectionNeeded bool `yaml:"connection_needed"`

	// MaxConnectionAttempts bounds consecutive failed connection attempts
	// before the client gives up. Zero means unlimited.
	MaxConnectionAttempts int `yaml:"max_connection_attempts"`

	// TimeoutResponseAfter is the default time Request waits for a
	// response. Zero disables the timeout; requests then wait on their
	// context alone.
	TimeoutResponseAfter Duration `yaml:"timeout_response_after"`

	// Verbose installs a debug-level logger when no custom logger is set.
	Verbose bool `yaml:"verbose"`

	OnConnect  OnConnectConfig  `yaml:"onconnect"`
	Response   ResponseConfig   `yaml:"response"`
	Transforms TransformsConfig `yaml:"transforms"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Transport  TransportConfig  `yaml:"transport"`
}

// OnConnectConfig controls the announcement published after every
// successful connection. An empty topic disables the announcement.
type OnConnectConfig struct {
	Topic string `yaml:"topic"`
}

// ResponseConfig controls request/response correlation.
type ResponseConfig struct {
	// TopicKey is the payload field carrying the response topic.
	TopicKey string `yaml:"topic_key"`
}

// TransformsConfig controls the built-in outbound transforms. Disabled
// transforms are omitted from the pipeline at construction time.
type TransformsConfig struct {
	EnsureUUID      FieldTransformConfig `yaml:"ensure_uuid"`
	EnsureTimestamp FieldTransformConfig `yaml:"ensure_timestamp"`
}

// FieldTransformConfig is one field-ensuring transform: whether it runs and
// which payload field it fills.
type FieldTransformConfig struct {
	Enabled bool   `yaml:"enabled"`
	Field   string `yaml:"field"`
}

// BackoffConfig shapes the reconnection delay sequence.
type BackoffConfig struct {
	InitialDelay        Duration `yaml:"initial_delay"`
	MaxDelay            Duration `yaml:"max_delay"`
	Factor              float64  `yaml:"factor"`
	RandomizationFactor float64  `yaml:"randomization_factor"`
}

// TransportConfig carries the raw adapter options, forwarded untouched to
// the transport. Adapters read what applies to their protocol.
type TransportConfig struct {
	ClientID       string     `yaml:"client_id"`
	Username       string     `yaml:"username"`
	Password       string     `yaml:"password"`
	KeepAlive      Duration   `yaml:"keep_alive"`
	ConnectTimeout Duration   `yaml:"connect_timeout"`
	CleanSession   bool       `yaml:"clean_session"`
	QoS            byte       `yaml:"qos"`
	Will           WillConfig `yaml:"will"`
}

// WillConfig is the last-will message registered with the broker. An empty
// topic means no will.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// DefaultConfig returns the configuration used when nothing else is
// specified. Loaded files and options override it field by field.
func DefaultConfig() Config {
	return Config{
		MaxConnectionAttempts: 10,
		TimeoutResponseAfter:  Duration(10 * time.Second),
		Response: ResponseConfig{
			TopicKey: "respondTo",
		},
		Transforms: TransformsConfig{
			EnsureUUID:      FieldTransformConfig{Enabled: true, Field: "uuid"},
			EnsureTimestamp: FieldTransformConfig{Enabled: true, Field: "timestamp"},
		},
		Backoff: BackoffConfig{
			InitialDelay:        Duration(time.Second),
			MaxDelay:            Duration(30 * time.Second),
			Factor:              2.0,
			RandomizationFactor: 0,
		},
		Transport: TransportConfig{
			KeepAlive:      Duration(30 * time.Second),
			ConnectTimeout: Duration(10 * time.Second),
			CleanSession:   true,
		},
	}
}

// LoadConfig reads a YAML configuration file over the defaults and
// validates the result.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the client cannot run with.
func (c *Config) Validate() error {
	if c.MaxConnectionAttempts < 0 {
		return fmt.Errorf("parley: max_connection_attempts cannot be negative")
	}
	if c.TimeoutResponseAfter < 0 {
		return fmt.Errorf("parley: timeout_response_after cannot be negative")
	}
	if c.Response.TopicKey == "" {
		return fmt.Errorf("parley: response.topic_key cannot be empty")
	}
	if c.Transforms.EnsureUUID.Enabled && c.Transforms.EnsureUUID.Field == "" {
		return fmt.Errorf("parley: transforms.ensure_uuid.field cannot be empty")
	}
	if c.Transforms.EnsureTimestamp.Enabled && c.Transforms.EnsureTimestamp.Field == "" {
		return fmt.Errorf("parley: transforms.ensure_timestamp.field cannot be empty")
	}
	if c.Backoff.InitialDelay <= 0 {
		return fmt.Errorf("parley: backoff.initial_delay must be positive")
	}
	if c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("parley: backoff.max_delay cannot be below backoff.initial_delay")
	}
	if c.Backoff.Factor < 1 {
		return fmt.Errorf("parley: backoff.factor must be at least 1")
	}
	if c.Backoff.RandomizationFactor < 0 {
		return fmt.Errorf("parley: backoff.randomization_factor cannot be negative")
	}
	if c.Transport.QoS > 2 {
		return fmt.Errorf("parley: transport.qos must be 0, 1 or 2")
	}
	if c.Transport.Will.Topic == "" && (c.Transport.Will.Payload != "" || c.Transport.Will.Retain) {
		return fmt.Errorf("parley: transport.will.topic is required when a will is configured")
	}
	return nil
}
