// Package config loads service configuration from config.yaml, environment
// variables prefixed ARGUS_, and built-in defaults, in that precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Argus service.
type Config struct {
	Logging struct {
		// Level is one of debug, info, warn, error.
		Level string `mapstructure:"level"`
		// Format is "json" for production or "console" for development.
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`

	Engine struct {
		// Workers is the number of evaluation goroutines.
		Workers int `mapstructure:"workers"`
		// QueueSize bounds the ingestion queue; a full queue sheds load.
		QueueSize int `mapstructure:"queue_size"`
		// ShardCount partitions window state to reduce lock contention.
		ShardCount int `mapstructure:"shard_count"`
		// SweepIntervalSeconds paces the expired-window sweep.
		SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`
		// DedupCacheSize bounds the recently-seen event ID cache.
		DedupCacheSize int `mapstructure:"dedup_cache_size"`
		// RulesDir holds YAML rule files loaded at startup.
		RulesDir string `mapstructure:"rules_dir"`
	} `mapstructure:"engine"`

	Liveness struct {
		// OnlineThresholdSeconds is how stale a heartbeat may be before
		// the agent counts as offline.
		OnlineThresholdSeconds int `mapstructure:"online_threshold_seconds"`
	} `mapstructure:"liveness"`

	Sink struct {
		// QueueSize bounds the notification dispatch queue.
		QueueSize  int `mapstructure:"queue_size"`
		MaxRetries int `mapstructure:"max_retries"`

		Redis struct {
			Enabled  bool   `mapstructure:"enabled"`
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Stream   string `mapstructure:"stream"`
			MaxLen   int64  `mapstructure:"max_len"`
		} `mapstructure:"redis"`
	} `mapstructure:"sink"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
	} `mapstructure:"metrics"`
}

func setDefaults() {
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")

	viper.SetDefault("engine.workers", 4)
	viper.SetDefault("engine.queue_size", 1000)
	viper.SetDefault("engine.shard_count", 32)
	viper.SetDefault("engine.sweep_interval_seconds", 30)
	viper.SetDefault("engine.dedup_cache_size", 10000)
	viper.SetDefault("engine.rules_dir", "./rules")

	viper.SetDefault("liveness.online_threshold_seconds", 90)

	viper.SetDefault("sink.queue_size", 256)
	viper.SetDefault("sink.max_retries", 3)
	viper.SetDefault("sink.redis.enabled", false)
	viper.SetDefault("sink.redis.addr", "127.0.0.1:6379")
	viper.SetDefault("sink.redis.db", 0)
	viper.SetDefault("sink.redis.stream", "argus:alerts")
	viper.SetDefault("sink.redis.max_len", 100000)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.addr", ":9100")
}

func loadFromEnv() {
	viper.SetEnvPrefix("ARGUS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// LoadConfig reads config.yaml from the working directory or ./config,
// falling back to defaults and environment overrides when absent.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, defaults and env vars still apply.
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine.queue_size must be positive, got %d", c.Engine.QueueSize)
	}
	if c.Liveness.OnlineThresholdSeconds <= 0 {
		return fmt.Errorf("liveness.online_threshold_seconds must be positive, got %d", c.Liveness.OnlineThresholdSeconds)
	}
	if c.Sink.Redis.Enabled && c.Sink.Redis.Addr == "" {
		return fmt.Errorf("sink.redis.addr is required when the redis sink is enabled")
	}
	return nil
}

// OnlineThreshold returns the liveness threshold as a duration.
func (c *Config) OnlineThreshold() time.Duration {
	return time.Duration(c.Liveness.OnlineThresholdSeconds) * time.Second
}

// SweepInterval returns the window sweep pacing as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Engine.SweepIntervalSeconds) * time.Second
}
