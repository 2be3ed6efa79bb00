package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "jwt-secret", "password",
}

type Config struct {
	Port                           int    `env:"PORT" envDefault:"8080"`
	RedisURL                       string `env:"REDIS_URL,required"`
	RedisKeyPrefix                 string `env:"REDIS_KEY_PREFIX" envDefault:""`
	DatabaseURL                    string `env:"DATABASE_URL"`
	JWTSecret                      string `env:"JWT_SECRET,required"`
	JWTAudience                    string `env:"JWT_AUDIENCE" envDefault:"therr"`
	SessionTTLSeconds              int    `env:"SESSION_TTL_SECONDS" envDefault:"1800"`
	ProximityTTLSeconds            int    `env:"PROXIMITY_CACHE_TTL_SECONDS" envDefault:"1200"`
	StoreTimeoutMillis             int    `env:"STORE_TIMEOUT_MS" envDefault:"2000"`
	StoreMaxRetries                int    `env:"STORE_MAX_RETRIES" envDefault:"2"`
	DMThrottleSeconds              int    `env:"DM_THROTTLE_SECONDS" envDefault:"1200"`
	ReactionThrottleSeconds        int    `env:"REACTION_THROTTLE_SECONDS" envDefault:"60"`
	MinNotificationIntervalSeconds int    `env:"MIN_NOTIFICATION_INTERVAL_SECONDS" envDefault:"1800"`
	LocationRateLimitPerMin        int    `env:"LOCATION_RATE_LIMIT_PER_MIN" envDefault:"30"`
	LogLevel                       string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c *Config) ProximityTTL() time.Duration {
	return time.Duration(c.ProximityTTLSeconds) * time.Second
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMillis) * time.Millisecond
}

func (c *Config) DMThrottleTTL() time.Duration {
	return time.Duration(c.DMThrottleSeconds) * time.Second
}

func (c *Config) ReactionThrottleTTL() time.Duration {
	return time.Duration(c.ReactionThrottleSeconds) * time.Second
}

func (c *Config) MinNotificationInterval() time.Duration {
	return time.Duration(c.MinNotificationIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate(isProduction bool) error {
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be positive")
	}
	if c.ProximityTTLSeconds <= 0 {
		return fmt.Errorf("PROXIMITY_CACHE_TTL_SECONDS must be positive")
	}
	if c.StoreTimeoutMillis <= 0 {
		return fmt.Errorf("STORE_TIMEOUT_MS must be positive")
	}
	if c.StoreMaxRetries < 0 || c.StoreMaxRetries > MaxStoreRetries {
		return fmt.Errorf("STORE_MAX_RETRIES must be between 0 and %d", MaxStoreRetries)
	}

	if isProduction {
		if err := validateSecret("JWT_SECRET", c.JWTSecret); err != nil {
			return err
		}
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.DatabaseURL == "" {
			log.Warn().Msg("DATABASE_URL is empty in production: nearby content will never be refreshed")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
