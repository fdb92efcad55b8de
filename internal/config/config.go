package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// QueueConfig holds the queue engine settings.
type QueueConfig struct {
	SharedQueueTableName        string        `json:"shared_queue_table_name" yaml:"shared_queue_table_name"`
	TransactionalMode           string        `json:"transactional_mode" yaml:"transactional_mode"`
	MessageHandlingTimeout      time.Duration `json:"message_handling_timeout" yaml:"message_handling_timeout"`
	PollingInterval             time.Duration `json:"polling_interval" yaml:"polling_interval"`
	PollingDelayIncrementFactor float64       `json:"polling_delay_increment_factor" yaml:"polling_delay_increment_factor"`
	MaxPollingInterval          time.Duration `json:"max_polling_interval" yaml:"max_polling_interval"`
	DrainTimeout                time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	VerboseTracing              bool          `json:"verbose_tracing" yaml:"verbose_tracing"`
}

// NotifierConfig selects the change-notification transport.
type NotifierConfig struct {
	Kind      string `json:"kind" yaml:"kind"` // none, channel, postgres, redis
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	RedisPass string `json:"redis_pass" yaml:"redis_pass"`
	RedisDB   int    `json:"redis_db" yaml:"redis_db"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, none
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
}

// Config is the root configuration record.
type Config struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Notifier NotifierConfig `json:"notifier" yaml:"notifier"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// DefaultConfig returns the defaults for a single-instance embedding.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			SharedQueueTableName:        "durable_queue_messages",
			TransactionalMode:           "single_operation_transaction",
			MessageHandlingTimeout:      30 * time.Second,
			PollingInterval:             100 * time.Millisecond,
			PollingDelayIncrementFactor: 1.5,
			MaxPollingInterval:          10 * time.Second,
			DrainTimeout:                30 * time.Second,
		},
		Notifier: NotifierConfig{
			Kind:      "channel",
			RedisAddr: "localhost:6379",
		},
		Tracing: TracingConfig{
			Exporter:    "otlp-http",
			Endpoint:    "localhost:4318",
			ServiceName: "quasar",
			SampleRate:  1.0,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "quasar",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile reads a config file, json or yaml by extension, over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	return cfg, nil
}

// LoadFromEnv overlays QUASAR_* environment variables onto cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUASAR_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("QUASAR_QUEUE_TABLE"); v != "" {
		cfg.Queue.SharedQueueTableName = v
	}
	if v := os.Getenv("QUASAR_TRANSACTIONAL_MODE"); v != "" {
		cfg.Queue.TransactionalMode = v
	}
	if v := os.Getenv("QUASAR_MESSAGE_HANDLING_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.MessageHandlingTimeout = d
		}
	}
	if v := os.Getenv("QUASAR_POLLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.PollingInterval = d
		}
	}
	if v := os.Getenv("QUASAR_POLLING_DELAY_INCREMENT_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Queue.PollingDelayIncrementFactor = f
		}
	}
	if v := os.Getenv("QUASAR_MAX_POLLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.MaxPollingInterval = d
		}
	}
	if v := os.Getenv("QUASAR_VERBOSE_TRACING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Queue.VerboseTracing = b
		}
	}
	if v := os.Getenv("QUASAR_NOTIFIER"); v != "" {
		cfg.Notifier.Kind = v
	}
	if v := os.Getenv("QUASAR_REDIS_ADDR"); v != "" {
		cfg.Notifier.RedisAddr = v
	}
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
