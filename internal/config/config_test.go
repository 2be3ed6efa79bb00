package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigMethods(t *testing.T) {
	t.Run("Addr returns formatted port", func(t *testing.T) {
		cfg := &Config{Port: 3000}
		assert.Equal(t, ":3000", cfg.Addr())
	})

	t.Run("SessionTTL converts seconds to duration", func(t *testing.T) {
		cfg := &Config{SessionTTLSeconds: 1800}
		assert.Equal(t, 30*time.Minute, cfg.SessionTTL())
	})

	t.Run("StoreTimeout converts milliseconds to duration", func(t *testing.T) {
		cfg := &Config{StoreTimeoutMillis: 1500}
		assert.Equal(t, 1500*time.Millisecond, cfg.StoreTimeout())
	})

	t.Run("throttle TTLs convert seconds to duration", func(t *testing.T) {
		cfg := &Config{DMThrottleSeconds: 1200, ReactionThrottleSeconds: 60}
		assert.Equal(t, 20*time.Minute, cfg.DMThrottleTTL())
		assert.Equal(t, time.Minute, cfg.ReactionThrottleTTL())
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:            "rediss://localhost:6379",
			JWTSecret:           "a-very-long-secret-value-for-production-use",
			SessionTTLSeconds:   1800,
			ProximityTTLSeconds: 1200,
			StoreTimeoutMillis:  2000,
			StoreMaxRetries:     2,
		}
	}

	t.Run("accepts valid production config", func(t *testing.T) {
		assert.NoError(t, valid().Validate(true))
	})

	t.Run("rejects short secret in production", func(t *testing.T) {
		cfg := valid()
		cfg.JWTSecret = "short"
		assert.Error(t, cfg.Validate(true))
		assert.NoError(t, cfg.Validate(false))
	})

	t.Run("rejects unbounded retries", func(t *testing.T) {
		cfg := valid()
		cfg.StoreMaxRetries = MaxStoreRetries + 1
		assert.Error(t, cfg.Validate(false))
	})

	t.Run("rejects non-positive session ttl", func(t *testing.T) {
		cfg := valid()
		cfg.SessionTTLSeconds = 0
		assert.Error(t, cfg.Validate(false))
	})
}

func TestLoad(t *testing.T) {
	keys := []string{
		"PORT", "REDIS_URL", "JWT_SECRET", "SESSION_TTL_SECONDS",
		"DM_THROTTLE_SECONDS", "REACTION_THROTTLE_SECONDS", "LOG_LEVEL", "REDIS_KEY_PREFIX",
	}
	originalEnv := make(map[string]string, len(keys))
	for _, k := range keys {
		originalEnv[k] = os.Getenv(k)
	}

	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("loads config with defaults", func(t *testing.T) {
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("JWT_SECRET", "test-secret")
		os.Unsetenv("PORT")
		os.Unsetenv("SESSION_TTL_SECONDS")
		os.Unsetenv("DM_THROTTLE_SECONDS")
		os.Unsetenv("REACTION_THROTTLE_SECONDS")
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("REDIS_KEY_PREFIX")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
		assert.Equal(t, 1800, cfg.SessionTTLSeconds)
		assert.Equal(t, 1200, cfg.DMThrottleSeconds)
		assert.Equal(t, 60, cfg.ReactionThrottleSeconds)
		assert.Equal(t, "", cfg.RedisKeyPrefix)
		assert.Equal(t, "info", cfg.LogLevel)
	})

	t.Run("loads custom values", func(t *testing.T) {
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Setenv("JWT_SECRET", "test-secret")
		os.Setenv("PORT", "3000")
		os.Setenv("SESSION_TTL_SECONDS", "60")
		os.Setenv("REDIS_KEY_PREFIX", "websocket-service:")
		os.Setenv("LOG_LEVEL", "debug")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Port)
		assert.Equal(t, 60, cfg.SessionTTLSeconds)
		assert.Equal(t, "websocket-service:", cfg.RedisKeyPrefix)
		assert.Equal(t, "debug", cfg.LogLevel)
	})

	t.Run("fails without required REDIS_URL", func(t *testing.T) {
		os.Unsetenv("REDIS_URL")
		os.Setenv("JWT_SECRET", "test-secret")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("fails without required JWT_SECRET", func(t *testing.T) {
		os.Setenv("REDIS_URL", "redis://localhost:6379")
		os.Unsetenv("JWT_SECRET")

		_, err := Load()
		assert.Error(t, err)
	})
}
