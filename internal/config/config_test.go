package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(env.Options{Environment: map[string]string{
		"DATABASE_URL":     "postgres://localhost/pantry",
		"JWT_HS256_SECRET": "secret",
		"KAFKA_BROKERS":    "kafka-1:9092, ,kafka-2:9092",
	}})
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	require.Equal(t, 30*24*time.Hour, cfg.DeletionGracePeriod)
	require.Equal(t, 5*time.Second, cfg.DevicePollInterval)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.False(t, cfg.IsProduction())
	require.Equal(t, int64(1), cfg.NodeID)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 1.0, cfg.TelemetrySampleRatio)

	hour, minute, err := cfg.SweepClock()
	require.NoError(t, err)
	require.Equal(t, 3, hour)
	require.Equal(t, 0, minute)
}

func TestParseValidation(t *testing.T) {
	_, err := parse(env.Options{Environment: map[string]string{"JWT_HS256_SECRET": "secret"}})
	require.EqualError(t, err, "DATABASE_URL is required")

	_, err = parse(env.Options{Environment: map[string]string{"DATABASE_URL": "postgres://x"}})
	require.Error(t, err)

	_, err = parse(env.Options{Environment: map[string]string{
		"DATABASE_URL":      "postgres://x",
		"JWT_HS256_SECRET":  "secret",
		"DELETION_SWEEP_AT": "3am",
	}})
	require.Error(t, err)

	_, err = parse(env.Options{Environment: map[string]string{
		"DATABASE_URL":     "postgres://x",
		"JWT_HS256_SECRET": "secret",
		"NODE_ID":          "2048",
	}})
	require.EqualError(t, err, "NODE_ID must be between 0 and 1023")

	_, err = parse(env.Options{Environment: map[string]string{
		"APP_ENV":          "production",
		"DATABASE_URL":     "postgres://x",
		"JWT_HS256_SECRET": "secret",
	}})
	require.EqualError(t, err, "JWT_PRIVATE_KEY_PATH is required in production")
}

func TestRefreshTokenBytesFloor(t *testing.T) {
	cfg, err := parse(env.Options{Environment: map[string]string{
		"DATABASE_URL":        "postgres://x",
		"JWT_HS256_SECRET":    "secret",
		"REFRESH_TOKEN_BYTES": "8",
	}})
	require.NoError(t, err)
	require.Equal(t, 32, cfg.RefreshTokenBytes)
}
