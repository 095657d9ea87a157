package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Ingestion   IngestionConfig   `mapstructure:"ingestion"`
	Ranking     RankingConfig     `mapstructure:"ranking"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds listener addresses.
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// PostgresConfig holds the store connection. An empty URL selects the in-memory store.
type PostgresConfig struct {
	URL           string `mapstructure:"url"`
	MaxOpenConns  int    `mapstructure:"max_open_conns"`
	MaxIdleConns  int    `mapstructure:"max_idle_conns"`
	MigrationsDir string `mapstructure:"migrations_dir"`
	AutoMigrate   bool   `mapstructure:"auto_migrate"`
}

// NATSConfig holds JetStream settings. An empty URL disables the subscriber and publisher.
type NATSConfig struct {
	URL          string `mapstructure:"url"`
	ConsumerName string `mapstructure:"consumer_name"`
	Workers      int    `mapstructure:"workers"`
}

// IngestionConfig tunes the coordinator.
type IngestionConfig struct {
	PersistTimeout   time.Duration `mapstructure:"persist_timeout"`
	PersistRetries   int           `mapstructure:"persist_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	MaxVersionRetry  int           `mapstructure:"max_version_retry"`
	DedupCacheSize   int           `mapstructure:"dedup_cache_size"`
	ParticipantLocks int           `mapstructure:"participant_locks"`
}

// RankingConfig tunes leaderboard publication. Paging limits are fixed by ledger.NormalizePage.
type RankingConfig struct {
	PublishBuffer int `mapstructure:"publish_buffer"`
}

// RetentionConfig holds the purge horizons run by the maintenance scheduler.
type RetentionConfig struct {
	PerformanceDays int    `mapstructure:"performance_days"`
	AuditDays       int    `mapstructure:"audit_days"`
	Schedule        string `mapstructure:"schedule"`
}

// PerformanceConfig controls periodic snapshot capture. A zero interval disables it.
type PerformanceConfig struct {
	CaptureInterval time.Duration `mapstructure:"capture_interval"`
}

// ArchiveConfig points retention at an S3-compatible bucket. Disabled when Bucket is empty.
type ArchiveConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// TelegramConfig holds operator alert configuration.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	Enabled  bool   `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads configuration from defaults, an optional config file and ARENA_* environment
// variables. A .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":9090")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.max_open_conns", 20)
	v.SetDefault("postgres.max_idle_conns", 5)
	v.SetDefault("postgres.migrations_dir", "")
	v.SetDefault("postgres.auto_migrate", true)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.consumer_name", "arena-ingest")
	v.SetDefault("nats.workers", 4)

	v.SetDefault("ingestion.persist_timeout", "5s")
	v.SetDefault("ingestion.persist_retries", 3)
	v.SetDefault("ingestion.retry_backoff", "100ms")
	v.SetDefault("ingestion.max_version_retry", 5)
	v.SetDefault("ingestion.dedup_cache_size", 100_000)
	v.SetDefault("ingestion.participant_locks", 256)

	v.SetDefault("ranking.publish_buffer", 256)

	v.SetDefault("retention.performance_days", 90)
	v.SetDefault("retention.audit_days", 365)
	v.SetDefault("retention.schedule", "0 3 * * *")

	v.SetDefault("performance.capture_interval", "0s")

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "arena-archive")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.region", "auto")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)

	v.SetDefault("logging.level", "info")
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Ingestion.PersistTimeout <= 0 {
		return fmt.Errorf("ingestion.persist_timeout must be positive")
	}
	if c.Ingestion.PersistRetries < 1 {
		return fmt.Errorf("ingestion.persist_retries must be at least 1")
	}
	if c.Ingestion.MaxVersionRetry < 1 {
		return fmt.Errorf("ingestion.max_version_retry must be at least 1")
	}
	if c.Ingestion.DedupCacheSize < 1 {
		return fmt.Errorf("ingestion.dedup_cache_size must be at least 1")
	}
	if c.Ingestion.ParticipantLocks < 1 {
		return fmt.Errorf("ingestion.participant_locks must be at least 1")
	}
	if c.Ranking.PublishBuffer < 1 {
		return fmt.Errorf("ranking.publish_buffer must be at least 1")
	}
	if c.Retention.PerformanceDays < 1 {
		return fmt.Errorf("retention.performance_days must be at least 1")
	}
	if c.Retention.AuditDays < 1 {
		return fmt.Errorf("retention.audit_days must be at least 1")
	}
	if c.Performance.CaptureInterval < 0 {
		return fmt.Errorf("performance.capture_interval must not be negative")
	}
	if c.NATS.URL != "" && c.NATS.Workers < 1 {
		return fmt.Errorf("nats.workers must be at least 1")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	return nil
}
