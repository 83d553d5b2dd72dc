// Package config loads and validates the service configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Redis   RedisConfig   `yaml:"redis"`
	Influx  InfluxConfig  `yaml:"influx"`
	NATS    NATSConfig    `yaml:"nats"`
	Queue   QueueConfig   `yaml:"queue"`
	Workers WorkersConfig `yaml:"workers"`
	Gateway GatewayConfig `yaml:"gateway"`
	API     APIConfig     `yaml:"api"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// MQTTConfig configures the inbound transport subscription.
type MQTTConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicFilter string `yaml:"topic_filter"` // device/category topics, default "+/+"
	// WildcardFilter additionally matches prefixed topic trees, deriving the
	// device id from the second-to-last segment.
	WildcardFilter string `yaml:"wildcard_filter"`
	QoS            byte   `yaml:"qos"`
}

// RedisConfig configures the reliable queue store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// InfluxConfig configures the time-series store.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	// FlushInterval controls the periodic buffered-write flush.
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

// NATSConfig configures the processed-event bus.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// QueueConfig tunes the reliable queue.
type QueueConfig struct {
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	DefaultMaxRetries int           `yaml:"default_max_retries"`
}

// WorkersConfig sets per-category consumer concurrency.
type WorkersConfig struct {
	Realtime int `yaml:"realtime"`
	SPC      int `yaml:"spc"`
	Tech     int `yaml:"tech"`
	Warning  int `yaml:"warning"`
}

// GatewayConfig configures the websocket fan-out gateway.
type GatewayConfig struct {
	Port              int           `yaml:"port"`
	Path              string        `yaml:"path"`
	MaxConnPerAddress int           `yaml:"max_conn_per_address"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

// APIConfig configures the HTTP read API server.
type APIConfig struct {
	Port int `yaml:"port"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		MQTT: MQTTConfig{
			BrokerURL:      "tcp://localhost:1883",
			ClientID:       "telemetryd",
			TopicFilter:    "+/+",
			WildcardFilter: "factory/#",
			QoS:            1,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 50,
		},
		Influx: InfluxConfig{
			URL:           "http://localhost:8086",
			Org:           "factory",
			Bucket:        "telemetry",
			FlushInterval: 5 * time.Second,
			BatchSize:     500,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			Name:          "telemetryd",
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Queue: QueueConfig{
			VisibilityTimeout: 5 * time.Minute,
			ReapInterval:      60 * time.Second,
			PollInterval:      500 * time.Millisecond,
			DefaultMaxRetries: 3,
		},
		Workers: WorkersConfig{
			Realtime: 8,
			SPC:      4,
			Tech:     1,
			Warning:  1,
		},
		Gateway: GatewayConfig{
			Port:              8081,
			Path:              "/ws",
			MaxConnPerAddress: 5,
			IdleTimeout:       5 * time.Minute,
			WriteTimeout:      5 * time.Second,
		},
		API: APIConfig{
			Port: 8080,
		},
	}
}

// Load reads configuration from path, overlaying defaults, then applies
// environment overrides. An empty path returns defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides select fields from the environment. Only connection
// endpoints and credentials are exposed this way; tuning stays in the file.
func (c *Config) applyEnv() {
	setString(&c.MQTT.BrokerURL, "TELEMETRY_MQTT_URL")
	setString(&c.MQTT.Username, "TELEMETRY_MQTT_USERNAME")
	setString(&c.MQTT.Password, "TELEMETRY_MQTT_PASSWORD")
	setString(&c.Redis.Addr, "TELEMETRY_REDIS_ADDR")
	setString(&c.Redis.Password, "TELEMETRY_REDIS_PASSWORD")
	setString(&c.Influx.URL, "TELEMETRY_INFLUX_URL")
	setString(&c.Influx.Token, "TELEMETRY_INFLUX_TOKEN")
	setString(&c.Influx.Org, "TELEMETRY_INFLUX_ORG")
	setString(&c.Influx.Bucket, "TELEMETRY_INFLUX_BUCKET")
	setString(&c.NATS.URL, "TELEMETRY_NATS_URL")
	setInt(&c.API.Port, "TELEMETRY_API_PORT")
	setInt(&c.Gateway.Port, "TELEMETRY_GATEWAY_PORT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.MQTT.BrokerURL == "" {
		return fmt.Errorf("config: mqtt.broker_url is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.Influx.URL == "" || c.Influx.Bucket == "" {
		return fmt.Errorf("config: influx.url and influx.bucket are required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("config: nats.url is required")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("config: queue.visibility_timeout must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		return fmt.Errorf("config: queue.poll_interval must be positive")
	}
	if c.Workers.Realtime < 1 || c.Workers.SPC < 1 || c.Workers.Tech < 1 || c.Workers.Warning < 1 {
		return fmt.Errorf("config: worker concurrency must be at least 1 per category")
	}
	if c.Gateway.MaxConnPerAddress < 1 {
		return fmt.Errorf("config: gateway.max_conn_per_address must be at least 1")
	}
	if c.Gateway.Port == c.API.Port {
		return fmt.Errorf("config: gateway and api ports must differ")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}
