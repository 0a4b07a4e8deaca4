// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend selects a substrate implementation.
type Backend string

// Supported backends. Memory is for development and tests only; it does not
// survive a restart and does not span processes.
const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendMongo  Backend = "mongo"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	RedisURL    string `mapstructure:"redis_url"`
	MongoURL    string `mapstructure:"mongo_url"`
	MongoDBName string `mapstructure:"mongo_db_name"`

	APIPort int `mapstructure:"api_port"`

	QueueBackend Backend `mapstructure:"queue_backend"`
	StoreBackend Backend `mapstructure:"store_backend"`

	MaxRetryAttempts    int     `mapstructure:"max_retry_attempts"`
	RetryBaseDelaySec   float64 `mapstructure:"retry_base_delay"`
	ScrapeTimeoutSec    int     `mapstructure:"scrape_timeout"`
	WorkerCount         int     `mapstructure:"worker_count"`
	PollIntervalSec     float64 `mapstructure:"poll_interval"`
	WSHeartbeatSec      int     `mapstructure:"ws_heartbeat_interval"`
	SubscriberBufferLen int     `mapstructure:"subscriber_buffer"`

	LoggingDevelopment bool `mapstructure:"logging_development"`

	UserAgent string `mapstructure:"user_agent"`
}

// Load builds a Config from an optional file plus the environment. The
// environment wins, with keys uppercased as-is (redis_url -> REDIS_URL).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_url", "redis://localhost:6379")
	v.SetDefault("mongo_url", "mongodb://localhost:27017")
	v.SetDefault("mongo_db_name", "job_scheduler")
	v.SetDefault("api_port", 8000)
	v.SetDefault("queue_backend", string(BackendRedis))
	v.SetDefault("store_backend", string(BackendMongo))
	v.SetDefault("max_retry_attempts", 3)
	v.SetDefault("retry_base_delay", 1.0)
	v.SetDefault("scrape_timeout", 30)
	v.SetDefault("worker_count", 4)
	v.SetDefault("poll_interval", 1.0)
	v.SetDefault("ws_heartbeat_interval", 30)
	v.SetDefault("subscriber_buffer", 64)
	v.SetDefault("logging_development", false)
	v.SetDefault("user_agent", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.APIPort <= 0 {
		return fmt.Errorf("api_port must be > 0")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("max_retry_attempts must be > 0")
	}
	if c.ScrapeTimeoutSec <= 0 {
		return fmt.Errorf("scrape_timeout must be > 0")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("worker_count must be > 0")
	}
	switch c.QueueBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown queue_backend %q", c.QueueBackend)
	}
	switch c.StoreBackend {
	case BackendMemory, BackendMongo:
	default:
		return fmt.Errorf("unknown store_backend %q", c.StoreBackend)
	}
	if c.QueueBackend == BackendRedis && c.RedisURL == "" {
		return fmt.Errorf("redis_url must be set when queue_backend is redis")
	}
	if c.StoreBackend == BackendMongo && c.MongoURL == "" {
		return fmt.Errorf("mongo_url must be set when store_backend is mongo")
	}
	return nil
}

// ScrapeTimeout returns the scrape deadline as a duration.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.ScrapeTimeoutSec) * time.Second
}

// RetryBaseDelay returns the first retry backoff as a duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelaySec * float64(time.Second))
}

// PollInterval returns the worker's blocking-pop timeout as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec * float64(time.Second))
}

// WSHeartbeat returns the WebSocket heartbeat period as a duration.
func (c Config) WSHeartbeat() time.Duration {
	return time.Duration(c.WSHeartbeatSec) * time.Second
}
