package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment       string        `env:"APP_ENV" envDefault:"development"`
	HTTPPort          string        `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL       string        `env:"DATABASE_URL"`
	DBMigrate         bool          `env:"DB_MIGRATE" envDefault:"false"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`
	NodeID            int64         `env:"NODE_ID" envDefault:"1"`
	RedisAddr         string        `env:"REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB" envDefault:"0"`
	Issuer            string        `env:"ISSUER" envDefault:"http://localhost:8080"`
	AccessTokenTTL    time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL   time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	RefreshTokenBytes int           `env:"REFRESH_TOKEN_BYTES" envDefault:"32"`

	JWTPrivateKeyPath  string `env:"JWT_PRIVATE_KEY_PATH"`
	JWTPublicKeyPath   string `env:"JWT_PUBLIC_KEY_PATH"`
	JWTSecret          string `env:"JWT_HS256_SECRET"`
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	DeviceCodeTTL         time.Duration `env:"DEVICE_CODE_TTL" envDefault:"15m"`
	DevicePollInterval    time.Duration `env:"DEVICE_POLL_INTERVAL" envDefault:"5s"`
	DeviceVerificationURI string        `env:"DEVICE_VERIFICATION_URI" envDefault:"http://localhost:3000/device"`

	DeletionGracePeriod time.Duration `env:"DELETION_GRACE_PERIOD" envDefault:"720h"`
	DeletionSweepAt     string        `env:"DELETION_SWEEP_AT" envDefault:"03:00"`

	DevSeedEmail string `env:"DEV_SEED_EMAIL"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"pantry.account-events"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`
	AppleClientID      string `env:"APPLE_CLIENT_ID"`
	AppleTeamID        string `env:"APPLE_TEAM_ID"`
	AppleKeyID         string `env:"APPLE_KEY_ID"`
	ApplePrivateKey    string `env:"APPLE_PRIVATE_KEY"`
	AppleRedirectURL   string `env:"APPLE_REDIRECT_URL"`

	ServiceName          string   `env:"SERVICE_NAME" envDefault:"pantry-auth"`
	RateLimitRPM         int      `env:"RATE_LIMIT_RPM" envDefault:"600"`
	TelemetryEndpoint    string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TelemetryInsecure    bool     `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	TelemetrySampleRatio float64  `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	CORSAllowedMethods   []string `env:"CORS_ALLOWED_METHODS" envSeparator:"," envDefault:"GET,POST,DELETE,OPTIONS"`
	CORSAllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS" envSeparator:"," envDefault:"Authorization,Content-Type"`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
}

// Load reads configuration from the environment (and .env when present).
func Load() (Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenBytes < 32 {
		cfg.RefreshTokenBytes = 32
	}
	cfg.KafkaBrokers = trimList(cfg.KafkaBrokers)
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.JWTPrivateKeyPath == "" && c.JWTPublicKeyPath == "" && c.JWTSecret == "" {
		return errors.New("JWT_PRIVATE_KEY_PATH or JWT_HS256_SECRET is required")
	}
	if c.IsProduction() && c.JWTPrivateKeyPath == "" && c.JWTPublicKeyPath == "" {
		return errors.New("JWT_PRIVATE_KEY_PATH is required in production")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return errors.New("NODE_ID must be between 0 and 1023")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.DeviceCodeTTL <= 0 || c.DevicePollInterval <= 0 {
		return errors.New("DEVICE_CODE_TTL and DEVICE_POLL_INTERVAL must be positive")
	}
	if c.DeletionGracePeriod <= 0 {
		return errors.New("DELETION_GRACE_PERIOD must be positive")
	}
	if _, _, err := c.SweepClock(); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether insecure fallbacks must be refused.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// SweepClock returns the hour and minute (UTC) of the daily maintenance run.
func (c Config) SweepClock() (int, int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(c.DeletionSweepAt))
	if err != nil {
		return 0, 0, fmt.Errorf("DELETION_SWEEP_AT must be HH:MM: %w", err)
	}
	return t.Hour(), t.Minute(), nil
}

func trimList(values []string) []string {
	var cleaned []string
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}
