package config

import (
	"fmt"
	"slices"
	"time"

	pkgconfig "github.com/kaninstein/invitee-bot-2.0/pkg/config"
	"github.com/kaninstein/invitee-bot-2.0/pkg/database"
	"github.com/kaninstein/invitee-bot-2.0/pkg/tracing"
)

// Config holds all configuration for the invitee bot.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development" validate:"oneof=development staging production"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`

	// HTTP server (health, metrics, webhook)
	HTTPPort int `env:"HTTP_PORT" envDefault:"8080"`

	// PostgreSQL
	PostgresHost     string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     int           `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string        `env:"POSTGRES_USER" envDefault:"invitee"`
	PostgresPass     string        `env:"POSTGRES_PASSWORD" envDefault:"invitee_secret"`
	PostgresDB       string        `env:"POSTGRES_DB" envDefault:"invitee_bot"`
	PostgresSSL      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	DBMaxConns       int32         `env:"DB_MAX_CONNS" envDefault:"10" validate:"gte=1"`
	DBMinConns       int32         `env:"DB_MIN_CONNS" envDefault:"1" validate:"gte=0"`
	DBMaxConnLife    time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBMaxConnIdle    time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	DBSlowQueryAfter time.Duration `env:"DB_SLOW_QUERY_THRESHOLD" envDefault:"200ms"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`

	// Kafka
	KafkaEnabled bool     `env:"KAFKA_ENABLED" envDefault:"false"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// OpenTelemetry
	OTELEnabled    bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELEndpoint   string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4318"`
	OTELSampleRate float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0" validate:"gte=0,lte=1"`

	// Telegram
	TelegramBotToken      string  `env:"TELEGRAM_BOT_TOKEN" validate:"required"`
	TelegramGroupID       int64   `env:"TELEGRAM_GROUP_ID" validate:"required"`
	TelegramAPIURL        string  `env:"TELEGRAM_API_URL" envDefault:"https://api.telegram.org" validate:"url"`
	TelegramWebhookSecret string  `env:"TELEGRAM_WEBHOOK_SECRET"`
	TelegramSendRPS       float64 `env:"TELEGRAM_SEND_RPS" envDefault:"25" validate:"gt=0"`
	AdminIDs              []int64 `env:"ADMIN_IDS" envSeparator:","`

	// BloFin affiliate API
	BlofinAPIKey     string `env:"BLOFIN_API_KEY" validate:"required"`
	BlofinSecretKey  string `env:"BLOFIN_SECRET_KEY" validate:"required"`
	BlofinPassphrase string `env:"BLOFIN_PASSPHRASE" validate:"required"`
	BlofinBaseURL    string `env:"BLOFIN_BASE_URL" envDefault:"https://openapi.blofin.com" validate:"url"`
	ReferralCode     string `env:"REFERRAL_CODE" validate:"required"`

	AffiliateTimeout      time.Duration `env:"AFFILIATE_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	AffiliatePageSizes    []int         `env:"AFFILIATE_PAGE_SIZES" envDefault:"200,100,50" envSeparator:","`
	AffiliateRecentWindow time.Duration `env:"AFFILIATE_RECENT_WINDOW" envDefault:"48h" validate:"gte=0"`

	// Verification flow
	SessionTimeout          time.Duration `env:"SESSION_TIMEOUT" envDefault:"10m" validate:"gt=0"`
	MaxVerificationAttempts int           `env:"MAX_VERIFICATION_ATTEMPTS" envDefault:"3" validate:"gte=1"`
	InviteTTL               time.Duration `env:"INVITE_TTL" envDefault:"1h" validate:"gt=0"`

	// Rate limits
	RateLimitMaxRequests int           `env:"RATE_LIMIT_MAX_REQUESTS" envDefault:"10" validate:"gte=1"`
	RateLimitWindow      time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m" validate:"gt=0"`
	StartLimit           int           `env:"START_LIMIT" envDefault:"3" validate:"gte=1"`
	RegisterLimit        int           `env:"REGISTER_LIMIT" envDefault:"2" validate:"gte=1"`
	SubmitLimit          int           `env:"SUBMIT_LIMIT" envDefault:"5" validate:"gte=1"`
	CommandWindow        time.Duration `env:"COMMAND_WINDOW" envDefault:"5m" validate:"gt=0"`

	// Poller lease
	LeaseKey    string        `env:"LEASE_KEY" envDefault:"poller:lease" validate:"required"`
	LeaseTTL    time.Duration `env:"LEASE_TTL" envDefault:"30s" validate:"gt=0"`
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"25s" validate:"gt=0"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load invitee-bot config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) check() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if len(c.AffiliatePageSizes) == 0 {
		return fmt.Errorf("AFFILIATE_PAGE_SIZES must list at least one page size")
	}
	for _, size := range c.AffiliatePageSizes {
		if size < 1 || size > 500 {
			return fmt.Errorf("invalid affiliate page size: %d", size)
		}
	}
	// The renew loop runs at a third of the TTL; the poll has to finish inside it.
	if c.PollTimeout >= c.LeaseTTL {
		return fmt.Errorf("POLL_TIMEOUT (%s) must be shorter than LEASE_TTL (%s)", c.PollTimeout, c.LeaseTTL)
	}

	// Outside development the webhook must be authenticated.
	if c.Environment != "development" && c.TelegramWebhookSecret == "" {
		return fmt.Errorf("TELEGRAM_WEBHOOK_SECRET must be set in %q mode", c.Environment)
	}
	return nil
}

// IsAdmin reports whether the platform user id is configured as an admin.
func (c *Config) IsAdmin(platformUserID int64) bool {
	return slices.Contains(c.AdminIDs, platformUserID)
}

// Postgres returns the connection settings for pkg/database.
func (c *Config) Postgres() *database.PostgresConfig {
	return &database.PostgresConfig{
		Host:            c.PostgresHost,
		Port:            c.PostgresPort,
		User:            c.PostgresUser,
		Password:        c.PostgresPass,
		DBName:          c.PostgresDB,
		SSLMode:         c.PostgresSSL,
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: c.DBMaxConnLife,
		MaxConnIdleTime: c.DBMaxConnIdle,
	}
}

// Redis returns the connection settings for pkg/database.
func (c *Config) Redis() database.RedisConfig {
	return database.RedisConfig{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

// Tracing returns the OpenTelemetry settings for pkg/tracing.
func (c *Config) Tracing(serviceName, version string) tracing.Config {
	return tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTELEndpoint,
		SampleRate:     c.OTELSampleRate,
		Enabled:        c.OTELEnabled,
	}
}
