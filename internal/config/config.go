// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageMongo    = "mongo"
)

var (
	// ErrInvalidConfig is returned when a loaded value is out of range
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrParse wraps env parsing failures
	ErrParse = errors.New("failed to parse configuration")
)

// Config is the complete process configuration
type Config struct {
	Env string `env:"VOYAJ_ENV" envDefault:"development"`

	HTTP         HTTPConfig         `envPrefix:"HTTP_"`
	Log          LogConfig          `envPrefix:"LOG_"`
	Storage      StorageConfig      `envPrefix:"STORAGE_"`
	Postgres     PostgresConfig     `envPrefix:"POSTGRES_"`
	Mongo        MongoConfig        `envPrefix:"MONGO_"`
	Redis        RedisConfig        `envPrefix:"REDIS_"`
	Stripe       StripeConfig       `envPrefix:"STRIPE_"`
	MercadoPago  MercadoPagoConfig  `envPrefix:"MERCADOPAGO_"`
	Postmark     PostmarkConfig     `envPrefix:"POSTMARK_"`
	Entitlements EntitlementsConfig `envPrefix:"ENTITLEMENTS_"`
	Scheduler    SchedulerConfig    `envPrefix:"SCHEDULER_"`
	Metrics      MetricsConfig      `envPrefix:"METRICS_"`
}

// HTTPConfig configures the API listener
type HTTPConfig struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	UserHeader      string        `env:"USER_HEADER" envDefault:"X-User-ID"`
	AdminToken      string        `env:"ADMIN_TOKEN"`
}

// LogConfig configures internal/logging
type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"auto"`
}

// StorageConfig selects the subscription store
type StorageConfig struct {
	Backend string `env:"BACKEND" envDefault:"memory"`
}

// PostgresConfig configures storage/postgres
type PostgresConfig struct {
	DSN         string `env:"DSN"`
	MaxConns    int32  `env:"MAX_CONNS" envDefault:"10"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`
}

// MongoConfig configures storage/mongo
type MongoConfig struct {
	URI      string `env:"URI"`
	Database string `env:"DATABASE" envDefault:"voyaj"`
}

// RedisConfig configures the shared limit notice tracker. Empty Addr keeps
// notices in the subscription store.
type RedisConfig struct {
	Addr      string `env:"ADDR"`
	Password  string `env:"PASSWORD"`
	DB        int    `env:"DB" envDefault:"0"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"voyaj:"`
}

// StripeConfig configures the Stripe gateway; empty SecretKey disables it
type StripeConfig struct {
	SecretKey            string `env:"SECRET_KEY"`
	WebhookSecret        string `env:"WEBHOOK_SECRET"`
	AventureroPriceID    string `env:"PRICE_AVENTURERO"`
	NomadaDigitalPriceID string `env:"PRICE_NOMADA_DIGITAL"`
}

// MercadoPagoConfig configures the MercadoPago gateway; empty AccessToken disables it
type MercadoPagoConfig struct {
	AccessToken     string `env:"ACCESS_TOKEN"`
	WebhookSecret   string `env:"WEBHOOK_SECRET"`
	NotificationURL string `env:"NOTIFICATION_URL"`
	Sandbox         bool   `env:"SANDBOX" envDefault:"false"`
}

// PostmarkConfig configures email delivery; empty ServerToken logs emails instead
type PostmarkConfig struct {
	ServerToken  string `env:"SERVER_TOKEN"`
	AccountToken string `env:"ACCOUNT_TOKEN"`
	SenderEmail  string `env:"SENDER_EMAIL" envDefault:"noreply@voyaj.app"`
	SupportEmail string `env:"SUPPORT_EMAIL"`
}

// EntitlementsConfig tunes the validator
type EntitlementsConfig struct {
	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheSize    int           `env:"CACHE_SIZE" envDefault:"1000"`
	NoticeWindow time.Duration `env:"NOTICE_WINDOW" envDefault:"24h"`
}

// SchedulerConfig controls the in-process maintenance loop
type SchedulerConfig struct {
	Enabled     bool          `env:"ENABLED" envDefault:"true"`
	Interval    time.Duration `env:"INTERVAL" envDefault:"24h"`
	WarningDays int           `env:"WARNING_DAYS" envDefault:"3"`
	MaxRetries  int           `env:"MAX_RETRIES" envDefault:"5"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `env:"ENABLED" envDefault:"true"`
	Namespace string `env:"NAMESPACE" envDefault:"voyaj"`
}

// Load reads files (default ".env", missing files are fine) into the
// environment and parses it into a Config.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		// Existing environment variables win over file values
		_ = godotenv.Load(f)
	}
	return Parse(env.Options{})
}

// Parse builds a Config from the environment described by opts.
func Parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, errors.Join(ErrParse, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	switch c.Storage.Backend {
	case StorageMemory:
	case StoragePostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("%w: POSTGRES_DSN is required for the postgres backend", ErrInvalidConfig)
		}
	case StorageMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("%w: MONGO_URI is required for the mongo backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("%w: STRIPE_WEBHOOK_SECRET is required when Stripe is enabled", ErrInvalidConfig)
	}
	if c.Scheduler.WarningDays < 0 {
		return fmt.Errorf("%w: SCHEDULER_WARNING_DAYS must not be negative", ErrInvalidConfig)
	}
	if c.Entitlements.CacheSize <= 0 {
		return fmt.Errorf("%w: ENTITLEMENTS_CACHE_SIZE must be positive", ErrInvalidConfig)
	}
	return nil
}

// IsProduction reports whether the process runs in production
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}
