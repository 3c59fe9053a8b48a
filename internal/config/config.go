// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	DB        DBConfig        `mapstructure:"db"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// ProgressConfig tunes the coalescing watchers.
type ProgressConfig struct {
	// ThrottleMs is the minimum spacing between committed flushes per job.
	ThrottleMs int `mapstructure:"throttle_ms"`
	// MaxLogLines bounds the retained detail log per job.
	MaxLogLines int `mapstructure:"max_log_lines"`
	// EgressTopic, when set, receives every committed snapshot.
	EgressTopic string `mapstructure:"egress_topic"`
}

// DBConfig controls access to the run history database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// BlobConfig selects where finished job logs are archived.
type BlobConfig struct {
	// Provider is one of "none", "local", "gcs".
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PublisherConfig selects the egress publisher.
type PublisherConfig struct {
	// Provider is one of "none", "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
}

// RetentionConfig governs history pruning.
type RetentionConfig struct {
	Days          int `mapstructure:"days"`
	IntervalHours int `mapstructure:"interval_hours"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBWATCH")
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
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("progress.throttle_ms", 100)
	v.SetDefault("progress.max_log_lines", 10000)
	v.SetDefault("blob.provider", "none")
	v.SetDefault("blob.prefix", "job-logs")
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.interval_hours", 6)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Progress.ThrottleMs <= 0 {
		return fmt.Errorf("progress.throttle_ms must be > 0")
	}
	if c.Progress.MaxLogLines <= 0 {
		return fmt.Errorf("progress.max_log_lines must be > 0")
	}
	switch c.Blob.Provider {
	case "none":
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set when blob.provider is local")
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set when blob.provider is gcs")
		}
	default:
		return fmt.Errorf("blob.provider must be one of none, local, gcs")
	}
	switch c.Publisher.Provider {
	case "none":
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set when publisher.provider is pubsub")
		}
		if c.Progress.EgressTopic == "" {
			return fmt.Errorf("progress.egress_topic must be set when publisher.provider is pubsub")
		}
	default:
		return fmt.Errorf("publisher.provider must be one of none, pubsub")
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention.days must be > 0")
	}
	if c.Retention.IntervalHours <= 0 {
		return fmt.Errorf("retention.interval_hours must be > 0")
	}
	return nil
}

// Throttle returns the per-job flush spacing as a duration.
func (c Config) Throttle() time.Duration {
	return time.Duration(c.Progress.ThrottleMs) * time.Millisecond
}

// ServerTimeout returns the per-request budget for the HTTP API.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// RetentionWindow returns how long finished runs are kept.
func (c Config) RetentionWindow() time.Duration {
	return time.Duration(c.Retention.Days) * 24 * time.Hour
}

// RetentionInterval returns how often the prune sweep fires.
func (c Config) RetentionInterval() time.Duration {
	return time.Duration(c.Retention.IntervalHours) * time.Hour
}
