// Package config loads the settings of a messaging server from YAML with
// MMATE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names a messaging backend
type Transport string

const (
	TransportMemory   Transport = "memory"
	TransportRedis    Transport = "redis"
	TransportRabbitMQ Transport = "rabbitmq"
)

// IsValid reports whether t names a known backend
func (t Transport) IsValid() bool {
	return t == TransportMemory || t == TransportRedis || t == TransportRabbitMQ
}

// Config is the complete configuration
type Config struct {
	Transport Transport      `yaml:"transport"`
	Redis     RedisConfig    `yaml:"redis"`
	RabbitMQ  RabbitMQConfig `yaml:"rabbitmq"`
	Server    ServerConfig   `yaml:"server"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Logger    LoggerConfig   `yaml:"logger"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	AckTTL   time.Duration `yaml:"ack_ttl"`
}

// RabbitMQConfig holds AMQP connection settings
type RabbitMQConfig struct {
	URL          string        `yaml:"url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ServerConfig holds worker settings
type ServerConfig struct {
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	RetryLimit      *int          `yaml:"retry_limit"`
	WorkerCount     int           `yaml:"worker_count"`
	NotifyQueueSize int           `yaml:"notify_queue_size"`
	DeadLetter      *bool         `yaml:"dead_letter"`
}

// Retries returns the redelivery limit; 2 unless set
func (c ServerConfig) Retries() int {
	if c.RetryLimit == nil {
		return 2
	}
	return *c.RetryLimit
}

// DeadLetterEnabled reports whether terminal failures are dead-lettered; on by default
func (c ServerConfig) DeadLetterEnabled() bool {
	return c.DeadLetter == nil || *c.DeadLetter
}

// MetricsConfig holds the metrics and health listener
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggerConfig holds logging settings
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads path, then applies environment overrides and defaults.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings defaults cannot repair
func (c *Config) Validate() error {
	var errs []error
	if !c.Transport.IsValid() {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Transport == TransportRabbitMQ && c.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rabbitmq.url is required"))
	}
	if c.Server.Retries() < 0 {
		errs = append(errs, errors.New("server.retry_limit must not be negative"))
	}
	if c.Server.WorkerCount < 1 {
		errs = append(errs, errors.New("server.worker_count must be at least 1"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Transport == "" {
		cfg.Transport = TransportMemory
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.AckTTL == 0 {
		cfg.Redis.AckTTL = 24 * time.Hour
	}

	if cfg.RabbitMQ.PollInterval == 0 {
		cfg.RabbitMQ.PollInterval = 50 * time.Millisecond
	}

	if cfg.Server.PollTimeout == 0 {
		cfg.Server.PollTimeout = time.Second
	}
	if cfg.Server.WorkerCount == 0 {
		cfg.Server.WorkerCount = 1
	}
	if cfg.Server.NotifyQueueSize == 0 {
		cfg.Server.NotifyQueueSize = 100
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}

	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Logger.Format == "" {
		cfg.Logger.Format = "json"
	}
}

// applyEnv overrides cfg from MMATE_* variables
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	if v, ok := lookup("MMATE_TRANSPORT"); ok {
		cfg.Transport = Transport(v)
	}
	str("MMATE_REDIS_ADDR", &cfg.Redis.Addr)
	str("MMATE_REDIS_PASSWORD", &cfg.Redis.Password)
	str("MMATE_AMQP_URL", &cfg.RabbitMQ.URL)
	str("MMATE_METRICS_ADDR", &cfg.Metrics.Addr)
	str("MMATE_LOG_LEVEL", &cfg.Logger.Level)
	str("MMATE_LOG_FORMAT", &cfg.Logger.Format)

	if v, ok := lookup("MMATE_DEAD_LETTER"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MMATE_DEAD_LETTER: %w", err)
		}
		cfg.Server.DeadLetter = &b
	}

	if _, ok := lookup("MMATE_RETRY_LIMIT"); ok {
		var limit int
		if err := num("MMATE_RETRY_LIMIT", &limit); err != nil {
			return err
		}
		cfg.Server.RetryLimit = &limit
	}

	return errors.Join(
		num("MMATE_REDIS_DB", &cfg.Redis.DB),
		num("MMATE_WORKER_COUNT", &cfg.Server.WorkerCount),
		num("MMATE_NOTIFY_QUEUE_SIZE", &cfg.Server.NotifyQueueSize),
		dur("MMATE_POLL_TIMEOUT", &cfg.Server.PollTimeout),
	)
}
