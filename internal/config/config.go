// Package config loads server configuration from environment variables,
// with an optional .env file for development convenience.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/madkind/pixels/internal/canvas"
)

// Config holds all server configuration.
// Priority: environment variables > .env file > defaults.
type Config struct {
	// Server basics
	Addr        string `env:"PIXELS_ADDR" envDefault:":8000"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Canvas geometry
	CanvasWidth     int    `env:"CANVAS_WIDTH" envDefault:"900"`
	CanvasHeight    int    `env:"CANVAS_HEIGHT" envDefault:"900"`
	CanvasInitColor string `env:"CANVAS_INIT_COLOR" envDefault:"#000000"`

	// Edit pipeline
	FlushInterval  time.Duration `env:"FLUSH_INTERVAL" envDefault:"50ms"`
	MaxBatchBuffer int           `env:"MAX_BATCH_BUFFER" envDefault:"100000"`

	// Per-user rate limiting
	BucketCapacity     int           `env:"BUCKET_CAPACITY" envDefault:"20"`
	BucketRefillPerSec float64       `env:"BUCKET_REFILL_PER_SEC" envDefault:"10"`
	BucketIdleTTL      time.Duration `env:"BUCKET_IDLE_TTL" envDefault:"300s"`
	MinuteWindowMax    int           `env:"MINUTE_WINDOW_MAX" envDefault:"100"`

	// Subscribers
	SubscriberQueueCap int `env:"SUBSCRIBER_QUEUE_CAP" envDefault:"64"`
	MaxConnections     int `env:"MAX_CONNECTIONS" envDefault:"10000"`

	// Cache freshness
	LockCacheTTL   time.Duration `env:"LOCK_CACHE_TTL" envDefault:"300s"`
	CanvasCacheTTL time.Duration `env:"CANVAS_CACHE_TTL" envDefault:"3600s"`

	// Redis (empty address disables the cache tier)
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// DynamoDB
	DynamoRegion      string `env:"DYNAMO_REGION" envDefault:"us-east-1"`
	DynamoEndpoint    string `env:"DYNAMO_ENDPOINT"`
	DynamoCanvasTable string `env:"DYNAMO_CANVAS_TABLE" envDefault:"pixels-canvas"`
	DynamoAuditTable  string `env:"DYNAMO_AUDIT_TABLE" envDefault:"pixels-audit"`
	DynamoLocksTable  string `env:"DYNAMO_LOCKS_TABLE" envDefault:"pixels-locks"`
	// UseMemoryStore swaps DynamoDB for the in-process store. Canvas
	// state does not survive a restart; development only.
	UseMemoryStore bool `env:"USE_MEMORY_STORE" envDefault:"false"`

	// NATS (empty URL disables event publishing)
	NATSURL string `env:"NATS_URL"`

	// HTTP server
	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Monitoring
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from a .env file (if present) and the
// environment. The optional logger is for bootstrap messages only.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("PIXELS_ADDR is required")
	}
	if c.CanvasWidth < 1 || c.CanvasHeight < 1 {
		return fmt.Errorf("canvas dimensions must be positive, got %dx%d", c.CanvasWidth, c.CanvasHeight)
	}
	if _, err := canvas.ParseColor(c.CanvasInitColor); err != nil {
		return fmt.Errorf("CANVAS_INIT_COLOR: %w", err)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("FLUSH_INTERVAL must be positive, got %s", c.FlushInterval)
	}
	if c.MaxBatchBuffer < 1 {
		return fmt.Errorf("MAX_BATCH_BUFFER must be > 0, got %d", c.MaxBatchBuffer)
	}
	if c.BucketCapacity < 1 {
		return fmt.Errorf("BUCKET_CAPACITY must be > 0, got %d", c.BucketCapacity)
	}
	if c.BucketRefillPerSec <= 0 {
		return fmt.Errorf("BUCKET_REFILL_PER_SEC must be > 0, got %g", c.BucketRefillPerSec)
	}
	if c.MinuteWindowMax < 1 {
		return fmt.Errorf("MINUTE_WINDOW_MAX must be > 0, got %d", c.MinuteWindowMax)
	}
	if c.SubscriberQueueCap < 1 {
		return fmt.Errorf("SUBSCRIBER_QUEUE_CAP must be > 0, got %d", c.SubscriberQueueCap)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// InitColorRGB returns the parsed canvas fill color. Validate must have
// accepted the config first.
func (c *Config) InitColorRGB() [3]byte {
	rgb, _ := canvas.ParseColor(c.CanvasInitColor)
	return rgb
}

// StoreBackend names the persistence backend in logs and health output.
func (c *Config) StoreBackend() string {
	if c.UseMemoryStore {
		return "memory"
	}
	return "dynamodb"
}

// LogConfig logs the effective configuration at boot.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("environment", c.Environment).
		Int("canvas_width", c.CanvasWidth).
		Int("canvas_height", c.CanvasHeight).
		Dur("flush_interval", c.FlushInterval).
		Int("max_batch_buffer", c.MaxBatchBuffer).
		Int("bucket_capacity", c.BucketCapacity).
		Float64("bucket_refill_per_sec", c.BucketRefillPerSec).
		Int("minute_window_max", c.MinuteWindowMax).
		Int("subscriber_queue_cap", c.SubscriberQueueCap).
		Int("max_connections", c.MaxConnections).
		Str("store_backend", c.StoreBackend()).
		Bool("redis_enabled", c.RedisAddr != "").
		Bool("nats_enabled", c.NATSURL != "").
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
