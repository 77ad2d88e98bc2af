package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g.
// TASKCORE_DATABASE_URL or TASKCORE_TASK_MAX_RETRIES.
const EnvPrefix = "TASKCORE"

// setDefaults registers every key so that AutomaticEnv can override it
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.key_prefix", "taskcore")

	v.SetDefault("task.max_retries", 3)
	v.SetDefault("task.retry_base_delay", 30*time.Second)
	v.SetDefault("task.retry_max_delay", 300*time.Second)
	v.SetDefault("task.jitter_min", 0.75)
	v.SetDefault("task.jitter_max", 1.25)
	// Empty means the built-in non-retryable patterns of the retry policy.
	v.SetDefault("task.non_retryable_patterns", []string{})
	v.SetDefault("task.dequeue_batch_size", 10)
	v.SetDefault("task.lock_ttl", 10*time.Second)
	v.SetDefault("task.lock_backend", "auto")
	v.SetDefault("task.claim_strategy", "atomic")

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.maintenance_interval", 30*time.Second)
	v.SetDefault("worker.stale_claim_after", 0)
	v.SetDefault("worker.shutdown_timeout", 30*time.Second)

	v.SetDefault("executor.ingest_url", "")
	v.SetDefault("executor.reindex_url", "")
	v.SetDefault("executor.timeout", 5*time.Minute)
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// DATABASE_URL is the conventional name used by hosting platforms and by
	// the integration test suite.
	if err := v.BindEnv("database.url", EnvPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("failed to bind database url: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
