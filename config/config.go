package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	errs "github.com/c360/cellmate/errors"
	"github.com/c360/cellmate/pkg/tlsutil"
)

// Transport kinds
const (
	TransportNATS   = "nats"
	TransportMQTT   = "mqtt"
	TransportMemory = "memory"
)

// Wire codecs for envelopes
const (
	CodecCBOR    = "cbor"
	CodecMsgPack = "msgpack"
)

// EnvPrefix is the prefix of every environment override
const EnvPrefix = "CELLMATE"

// Config represents the complete application configuration
type Config struct {
	Client    ClientConfig    `yaml:"client" json:"client"`
	Responder ResponderConfig `yaml:"responder" json:"responder"`
	Transport TransportConfig `yaml:"transport" json:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
}

// ClientConfig configures the requesting side
type ClientConfig struct {
	Topic            string        `yaml:"topic" json:"topic"`
	Header           string        `yaml:"header" json:"header"`
	ReplyTimeout     time.Duration `yaml:"reply_timeout" json:"reply_timeout"`
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout" json:"subscribe_timeout"`
	JPEGQuality      int           `yaml:"jpeg_quality" json:"jpeg_quality"`
	Workers          int           `yaml:"workers" json:"workers"`
	QueueSize        int           `yaml:"queue_size" json:"queue_size"`
	ShortIDs         bool          `yaml:"short_ids" json:"short_ids"`
}

// ResponderConfig configures the receiving application
type ResponderConfig struct {
	Topic        string        `yaml:"topic" json:"topic"`
	Header       string        `yaml:"header" json:"header"`
	MaxClients   int           `yaml:"max_clients" json:"max_clients"`
	QueueSize    int           `yaml:"queue_size" json:"queue_size"`
	ReplyTimeout time.Duration `yaml:"reply_timeout" json:"reply_timeout"` // bound on a single handler call
	RateLimit    float64       `yaml:"rate_limit" json:"rate_limit"`       // requests per second, 0 = unlimited
	RateBurst    int           `yaml:"rate_burst" json:"rate_burst"`
}

// TransportConfig selects and configures the pub/sub network
type TransportConfig struct {
	Kind  string     `yaml:"kind" json:"kind"`
	Codec string     `yaml:"codec" json:"codec"`
	NATS  NATSConfig `yaml:"nats" json:"nats"`
	MQTT  MQTTConfig `yaml:"mqtt" json:"mqtt"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `yaml:"urls" json:"urls"`
	Name          string        `yaml:"name" json:"name"`
	Username      string        `yaml:"username" json:"username"`
	Password      string        `yaml:"password" json:"password"`
	Token         string        `yaml:"token" json:"token"`
	JetStream     bool          `yaml:"jetstream" json:"jetstream"`
	AckTimeout    time.Duration `yaml:"ack_timeout" json:"ack_timeout"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`

	TLS tlsutil.ClientConfig `yaml:"tls" json:"tls"`
}

// MQTTConfig defines MQTT broker settings
type MQTTConfig struct {
	Broker         string        `yaml:"broker" json:"broker"`
	ClientID       string        `yaml:"client_id" json:"client_id"`
	QoS            int           `yaml:"qos" json:"qos"`
	Username       string        `yaml:"username" json:"username"`
	Password       string        `yaml:"password" json:"password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	AckTimeout     time.Duration `yaml:"ack_timeout" json:"ack_timeout"`

	TLS tlsutil.ClientConfig `yaml:"tls" json:"tls"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port" json:"port"`
	Path    string `yaml:"path" json:"path"`
}

// Default returns the configuration used when no file sets a value
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Topic:            "scratch.ns/cellmate",
			Header:           "Cellmate Image",
			ReplyTimeout:     30 * time.Second,
			SubscribeTimeout: 5 * time.Second,
			JPEGQuality:      95,
			Workers:          4,
			QueueSize:        64,
		},
		Responder: ResponderConfig{
			Topic:        "scratch.ns/cellmate",
			Header:       "Cellmate Image",
			MaxClients:   10,
			ReplyTimeout: 30 * time.Second,
		},
		Transport: TransportConfig{
			Kind:  TransportNATS,
			Codec: CodecCBOR,
			NATS: NATSConfig{
				URLs:          []string{"nats://localhost:4222"},
				Name:          "cellmate",
				AckTimeout:    5 * time.Second,
				MaxReconnects: -1,
				ReconnectWait: 2 * time.Second,
			},
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				QoS:            1,
				ConnectTimeout: 5 * time.Second,
				AckTimeout:     5 * time.Second,
			},
		},
		Metrics: MetricsConfig{
			Port: 9090,
			Path: "/metrics",
		},
	}
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{
		config: cfg,
	}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update atomically updates the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg.Clone()
	return nil
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return Default()
	}
	clone := *c
	if c.Transport.NATS.URLs != nil {
		clone.Transport.NATS.URLs = append([]string(nil), c.Transport.NATS.URLs...)
	}
	clone.Transport.NATS.TLS.CAFiles = cloneStrings(c.Transport.NATS.TLS.CAFiles)
	clone.Transport.MQTT.TLS.CAFiles = cloneStrings(c.Transport.MQTT.TLS.CAFiles)
	return &clone
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportNATS:
		if len(c.Transport.NATS.URLs) == 0 {
			return invalid("transport.nats.urls is required for the nats transport")
		}
		if err := c.Transport.NATS.TLS.Validate(); err != nil {
			return invalid("transport.nats.tls: %v", err)
		}
	case TransportMQTT:
		if c.Transport.MQTT.Broker == "" {
			return invalid("transport.mqtt.broker is required for the mqtt transport")
		}
		if c.Transport.MQTT.QoS < 0 || c.Transport.MQTT.QoS > 2 {
			return invalid("transport.mqtt.qos must be 0, 1 or 2, got %d", c.Transport.MQTT.QoS)
		}
		if err := c.Transport.MQTT.TLS.Validate(); err != nil {
			return invalid("transport.mqtt.tls: %v", err)
		}
	case TransportMemory:
	default:
		return invalid("transport.kind %q is not one of nats, mqtt, memory", c.Transport.Kind)
	}

	switch c.Transport.Codec {
	case CodecCBOR, CodecMsgPack:
	default:
		return invalid("transport.codec %q is not one of cbor, msgpack", c.Transport.Codec)
	}

	if err := validateTopic("client.topic", c.Client.Topic); err != nil {
		return err
	}
	if err := validateTopic("responder.topic", c.Responder.Topic); err != nil {
		return err
	}
	if c.Client.Header == "" {
		return invalid("client.header is required")
	}
	if c.Client.ReplyTimeout < 0 {
		return invalid("client.reply_timeout cannot be negative")
	}
	if c.Client.SubscribeTimeout < 0 {
		return invalid("client.subscribe_timeout cannot be negative")
	}
	if c.Client.JPEGQuality < 1 || c.Client.JPEGQuality > 100 {
		return invalid("client.jpeg_quality must be within 1..100, got %d", c.Client.JPEGQuality)
	}
	if c.Client.Workers < 1 {
		return invalid("client.workers must be at least 1")
	}
	if c.Client.QueueSize < 1 {
		return invalid("client.queue_size must be at least 1")
	}
	if c.Responder.MaxClients < 1 {
		return invalid("responder.max_clients must be at least 1")
	}
	if c.Responder.QueueSize < 0 {
		return invalid("responder.queue_size cannot be negative")
	}
	if c.Responder.RateLimit < 0 || c.Responder.RateBurst < 0 {
		return invalid("responder.rate_limit and responder.rate_burst cannot be negative")
	}
	if c.Responder.ReplyTimeout < 0 {
		return invalid("responder.reply_timeout cannot be negative")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return invalid("metrics.port %d is out of range", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return invalid("metrics.path must start with /")
		}
	}

	return nil
}

// validateTopic rejects topics the reply convention cannot extend
func validateTopic(field, topic string) error {
	if topic == "" {
		return invalid("%s is required", field)
	}
	if strings.HasSuffix(topic, "/") {
		return invalid("%s %q must not end with /", field, topic)
	}
	if strings.ContainsAny(topic, "*>#+ ") {
		return invalid("%s %q must not contain wildcards or spaces", field, topic)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:     []string{},
		validation: false,
		envPrefix:  EnvPrefix,
	}
}

// AddLayer adds a configuration file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := checkSchema(raw); err != nil {
			return nil, errs.WrapInvalid(err, "Loader", "Load", "check "+path)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// loadRaw loads a YAML or JSON file as a map. Durations must be strings.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if filepath.Ext(path) == ".json" {
		if err := checkJSONNesting(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return raw, nil
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseYAML, err := yaml.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := yaml.Unmarshal(baseYAML, &baseMap); err != nil {
		return nil, err
	}

	mergedYAML, err := yaml.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := yaml.Unmarshal(mergedYAML, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}

		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}

		result[k] = v
	}

	return result
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	var problems []error
	env := func(name string) string {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		if err := checkEnvValue(key, val); err != nil {
			problems = append(problems, err)
			return ""
		}
		return val
	}

	if val := env("TRANSPORT_KIND"); val != "" {
		cfg.Transport.Kind = strings.ToLower(val)
	}
	if val := env("TRANSPORT_CODEC"); val != "" {
		cfg.Transport.Codec = strings.ToLower(val)
	}
	if val := env("NATS_URLS"); val != "" {
		cfg.Transport.NATS.URLs = splitList(val)
	}
	if val := env("NATS_TOKEN"); val != "" {
		cfg.Transport.NATS.Token = val
	}
	if val := env("MQTT_BROKER"); val != "" {
		cfg.Transport.MQTT.Broker = val
	}
	if val := env("CLIENT_TOPIC"); val != "" {
		cfg.Client.Topic = val
	}
	if val := env("REPLY_TIMEOUT"); val != "" {
		d, err := parseDuration(val)
		if err != nil {
			problems = append(problems, fmt.Errorf("%s_REPLY_TIMEOUT: %w", l.envPrefix, err))
		} else {
			cfg.Client.ReplyTimeout = d
		}
	}

	return errors.Join(problems...)
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDuration accepts Go duration strings and bare milliseconds
func parseDuration(s string) (time.Duration, error) {
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// SaveToFile saves the configuration as YAML
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return writeConfigFile(path, data)
}

// String returns a YAML representation of the config with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, s := range []*string{
		&masked.Transport.NATS.Password,
		&masked.Transport.NATS.Token,
		&masked.Transport.MQTT.Password,
	} {
		if *s != "" {
			*s = "****"
		}
	}
	data, _ := yaml.Marshal(masked)
	return string(data)
}
