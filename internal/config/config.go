// Package config loads and validates worker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all worker configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Upload      UploadConfig      `mapstructure:"upload"`
	Storage     StorageConfig     `mapstructure:"storage"`
	DB          DBConfig          `mapstructure:"db"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig controls the liveness/metrics HTTP endpoint.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// WorkerConfig governs the supervisor loop and per-job policy.
type WorkerConfig struct {
	MaxJobs             int    `mapstructure:"max_jobs"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	BackoffInitialMs    int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs        int    `mapstructure:"backoff_max_ms"`
	ShutdownGraceSec    int    `mapstructure:"shutdown_grace_seconds"`
	ScratchDir          string `mapstructure:"scratch_dir"`
	AbortOnFailure      bool   `mapstructure:"abort_on_failure"`
	SkipArchived        bool   `mapstructure:"skip_archived"`
	ReportAttempts      int    `mapstructure:"report_attempts"`
}

// CoordinatorConfig locates the remote job queue.
type CoordinatorConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	ClaimRetries   int    `mapstructure:"claim_retries"`
}

// FetchConfig configures the asset fetcher and download scheduler.
type FetchConfig struct {
	Concurrency      int    `mapstructure:"concurrency"`
	QueueDepth       int    `mapstructure:"queue_depth"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	MaxRedirects     int    `mapstructure:"max_redirects"`
	UserAgent        string `mapstructure:"user_agent"`
}

// UploadConfig controls upload retry behavior and object naming.
type UploadConfig struct {
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	Prefix           string `mapstructure:"prefix"`
	ContentType      string `mapstructure:"content_type"`
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	// Provider is one of "gcs", "bucket", or "memory".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	// BucketURL is a gocloud.dev URL such as s3://name or file:///path.
	BucketURL string `mapstructure:"bucket_url"`
}

// DBConfig controls the optional Postgres job history store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PACKD")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.max_jobs", 2)
	v.SetDefault("worker.poll_interval_seconds", 5)
	v.SetDefault("worker.backoff_initial_ms", 500)
	v.SetDefault("worker.backoff_max_ms", 30000)
	v.SetDefault("worker.shutdown_grace_seconds", 30)
	v.SetDefault("worker.scratch_dir", "")
	v.SetDefault("worker.abort_on_failure", false)
	v.SetDefault("worker.skip_archived", true)
	v.SetDefault("worker.report_attempts", 5)
	v.SetDefault("coordinator.base_url", "")
	v.SetDefault("coordinator.timeout_seconds", 15)
	v.SetDefault("coordinator.claim_retries", 3)
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.queue_depth", 8)
	v.SetDefault("fetch.timeout_seconds", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.user_agent", "packd/0.1")
	v.SetDefault("upload.max_attempts", 4)
	v.SetDefault("upload.backoff_initial_ms", 500)
	v.SetDefault("upload.backoff_max_ms", 10000)
	v.SetDefault("upload.prefix", "archives")
	v.SetDefault("upload.content_type", "application/zip")
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("db.table", "job_history")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker.max_jobs must be > 0")
	}
	if c.Coordinator.BaseURL == "" {
		return fmt.Errorf("coordinator.base_url is required")
	}
	if c.Fetch.Concurrency <= 0 {
		return fmt.Errorf("fetch.concurrency must be > 0")
	}
	if c.Fetch.QueueDepth <= 0 {
		return fmt.Errorf("fetch.queue_depth must be > 0")
	}
	if c.Upload.MaxAttempts <= 0 {
		return fmt.Errorf("upload.max_attempts must be > 0")
	}
	switch c.Storage.Provider {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	case "bucket":
		if c.Storage.BucketURL == "" {
			return fmt.Errorf("storage.bucket_url is required for the bucket provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage provider %q", c.Storage.Provider)
	}
	return nil
}

// PollInterval converts the supervisor poll knob into a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

// ShutdownGrace returns the bounded wait applied during shutdown.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Worker.ShutdownGraceSec) * time.Second
}
