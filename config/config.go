// Package config loads service settings from the environment (optionally a
// stratengine.env file) and the strategy seed file.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	ServiceName string `mapstructure:"SERVICE_NAME"`
	LogLevel    string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`

	// HTTP
	HTTPAddr    string `mapstructure:"HTTP_ADDR" validate:"required"`
	MetricsAddr string `mapstructure:"METRICS_ADDR"`

	// Redis: bar feed, backfill stream, hot snapshots, observer relay
	RedisEnabled      bool   `mapstructure:"REDIS_ENABLED"`
	RedisAddr         string `mapstructure:"REDIS_ADDR" validate:"required_if=RedisEnabled true"`
	RedisPassword     string `mapstructure:"REDIS_PASSWORD"`
	RedisDB           int    `mapstructure:"REDIS_DB" validate:"gte=0"`
	RedisFeedMode     string `mapstructure:"REDIS_FEED_MODE" validate:"oneof=pubsub stream off"`
	RedisBarPattern   string `mapstructure:"REDIS_BAR_PATTERN"`
	ConsumerGroup     string `mapstructure:"CONSUMER_GROUP"`
	ConsumerName      string `mapstructure:"CONSUMER_NAME"`
	RedisArchive      bool   `mapstructure:"REDIS_ARCHIVE"`
	RedisStreamMaxLen int64  `mapstructure:"REDIS_STREAM_MAXLEN" validate:"gte=0"`
	RedisRelay        bool   `mapstructure:"REDIS_RELAY"`

	// SQLite: candle archive, durable snapshots, action journal
	SQLitePath     string `mapstructure:"SQLITE_PATH"`
	JournalEnabled bool   `mapstructure:"JOURNAL_ENABLED"`

	// NATS: second bar feed; empty URL disables it
	NATSURL     string `mapstructure:"NATS_URL"`
	NATSSubject string `mapstructure:"NATS_SUBJECT"`

	// Strategies
	StrategiesFile  string `mapstructure:"STRATEGIES_FILE"`
	WatchStrategies bool   `mapstructure:"WATCH_STRATEGIES"`

	// Persistence
	SnapshotSchedule string        `mapstructure:"SNAPSHOT_SCHEDULE"`
	SnapshotTimeout  time.Duration `mapstructure:"SNAPSHOT_TIMEOUT"`

	// Dispatch
	DispatchQueue      int           `mapstructure:"DISPATCH_QUEUE" validate:"gt=0"`
	DispatchWorkers    int           `mapstructure:"DISPATCH_WORKERS" validate:"gt=0"`
	DispatchTimeout    time.Duration `mapstructure:"DISPATCH_TIMEOUT"`
	WebhookFallbackURL string        `mapstructure:"WEBHOOK_FALLBACK_URL" validate:"omitempty,url"`
	TelegramToken      string        `mapstructure:"TELEGRAM_TOKEN"`
	TelegramChatID     string        `mapstructure:"TELEGRAM_CHAT_ID" validate:"required_with=TelegramToken"`
	PaperTrading       bool          `mapstructure:"PAPER_TRADING"`
	PaperSlippageBps   int64         `mapstructure:"PAPER_SLIPPAGE_BPS" validate:"gte=0"`

	// Control API
	ManualTOTPSecret string `mapstructure:"MANUAL_TOTP_SECRET"`

	// Observers, backfill, shutdown
	ObserverQueue   int           `mapstructure:"OBSERVER_QUEUE" validate:"gt=0"`
	BackfillTimeout time.Duration `mapstructure:"BACKFILL_TIMEOUT"`
	DrainTimeout    time.Duration `mapstructure:"DRAIN_TIMEOUT"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var defaults = map[string]interface{}{
	"SERVICE_NAME":         "stratengine",
	"LOG_LEVEL":            "info",
	"HTTP_ADDR":            ":8080",
	"METRICS_ADDR":         ":9090",
	"REDIS_ENABLED":        true,
	"REDIS_ADDR":           "localhost:6379",
	"REDIS_PASSWORD":       "",
	"REDIS_DB":             0,
	"REDIS_FEED_MODE":      "pubsub",
	"REDIS_BAR_PATTERN":    "pub:bar:*",
	"CONSUMER_GROUP":       "stratengine",
	"CONSUMER_NAME":        "worker-1",
	"REDIS_ARCHIVE":        false,
	"REDIS_STREAM_MAXLEN":  2000,
	"REDIS_RELAY":          true,
	"SQLITE_PATH":          "data/strategies.db",
	"JOURNAL_ENABLED":      true,
	"NATS_URL":             "",
	"NATS_SUBJECT":         "market.kline.*.*",
	"STRATEGIES_FILE":      "strategies.yaml",
	"WATCH_STRATEGIES":     true,
	"SNAPSHOT_SCHEDULE":    "@every 30s",
	"SNAPSHOT_TIMEOUT":     "5s",
	"DISPATCH_QUEUE":       1024,
	"DISPATCH_WORKERS":     4,
	"DISPATCH_TIMEOUT":     "10s",
	"WEBHOOK_FALLBACK_URL": "",
	"TELEGRAM_TOKEN":       "",
	"TELEGRAM_CHAT_ID":     "",
	"PAPER_TRADING":        false,
	"PAPER_SLIPPAGE_BPS":   0,
	"MANUAL_TOTP_SECRET":   "",
	"OBSERVER_QUEUE":       1024,
	"BACKFILL_TIMEOUT":     "10s",
	"DRAIN_TIMEOUT":        "5s",
	"SHUTDOWN_TIMEOUT":     "10s",
}

var validate = validator.New()

// Load reads stratengine.env from the working directory if present, then the
// environment, which wins.
func Load() (*Config, error) {
	v := viper.New()
	v.AddConfigPath(".")
	v.SetConfigName("stratengine")
	v.SetConfigType("env")
	return load(v)
}

// LoadFile is Load with an explicit env file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// RedisFeedEnabled reports whether bars are consumed from Redis.
func (c *Config) RedisFeedEnabled() bool {
	return c.RedisEnabled && c.RedisFeedMode != "off"
}
