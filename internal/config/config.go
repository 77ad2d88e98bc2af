package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Task     TaskConfig     `mapstructure:"task" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Executor ExecutorConfig `mapstructure:"executor"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gte=0"`
}

// RedisConfig configures the optional fast path. An empty URL disables it and
// the scheduler polls the database only.
type RedisConfig struct {
	URL       string `mapstructure:"url" validate:"omitempty,url"`
	KeyPrefix string `mapstructure:"key_prefix" validate:"required"`
}

// Enabled reports whether a Redis URL was configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != ""
}

// TaskConfig holds the scheduling, retry and claiming parameters.
type TaskConfig struct {
	MaxRetries           int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay        time.Duration `mapstructure:"retry_max_delay" validate:"gtefield=RetryBaseDelay"`
	JitterMin            float64       `mapstructure:"jitter_min" validate:"gt=0"`
	JitterMax            float64       `mapstructure:"jitter_max" validate:"gtefield=JitterMin"`
	NonRetryablePatterns []string      `mapstructure:"non_retryable_patterns"`
	DequeueBatchSize     int           `mapstructure:"dequeue_batch_size" validate:"gte=1,lte=100"`
	LockTTL              time.Duration `mapstructure:"lock_ttl" validate:"gte=1s,lte=1m"`
	LockBackend          string        `mapstructure:"lock_backend" validate:"oneof=auto redis postgres"`
	ClaimStrategy        string        `mapstructure:"claim_strategy" validate:"oneof=atomic fallback auto"`
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	// ID identifies this worker in task ownership. Empty means derive one
	// from the hostname and process ID at startup.
	ID                  string        `mapstructure:"id"`
	Concurrency         int           `mapstructure:"concurrency" validate:"gte=1,lte=64"`
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"gte=10ms"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gte=1s"`
	// StaleClaimAfter enables reclaiming tasks stuck in processing longer than
	// this. Zero disables reclaiming.
	StaleClaimAfter time.Duration `mapstructure:"stale_claim_after" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// ExecutorConfig points task bodies at the services that perform them.
type ExecutorConfig struct {
	IngestURL  string        `mapstructure:"ingest_url" validate:"omitempty,url"`
	ReindexURL string        `mapstructure:"reindex_url" validate:"omitempty,url"`
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
}
