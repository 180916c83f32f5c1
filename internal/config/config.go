package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime configuration for the server. Fields are
// populated from NATTER_* environment variables; the cmd layer may
// override the operational ones from CLI flags before Validate.
type Config struct {
	ServerAddr       string        `env:"NATTER_LISTEN_ADDR" envDefault:"localhost:8000"`
	DatabaseDSN      string        `env:"NATTER_DATABASE_URL"`
	SigningSecret    string        `env:"NATTER_SIGNING_KEY"`
	AllowedOrigins   []string      `env:"NATTER_ALLOWED_ORIGINS" envSeparator:","`
	LogLevel         string        `env:"NATTER_LOG_LEVEL" envDefault:"info"`
	LogJSON          bool          `env:"NATTER_LOG_JSON" envDefault:"false"`
	TypingTTL        time.Duration `env:"NATTER_TYPING_TTL" envDefault:"5s"`
	TopicIdleTTL     time.Duration `env:"NATTER_TOPIC_IDLE_TTL" envDefault:"30s"`
	StoreTimeout     time.Duration `env:"NATTER_STORE_TIMEOUT" envDefault:"3s"`
	SessionQueueSize int           `env:"NATTER_SESSION_QUEUE_SIZE" envDefault:"256"`
	RecentMessages   int           `env:"NATTER_RECENT_MESSAGES" envDefault:"50"`

	// SigningKey is the decoded form of SigningSecret.
	SigningKey []byte `env:"-"`
}

// FromEnv parses the environment into a Config. The result is not yet
// validated; call Validate once CLI overrides have been applied.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	key, err := base64.StdEncoding.DecodeString(base64Secret)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// Validate checks required fields and decodes the signing secret.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("typing TTL must be positive")
	}
	if c.TopicIdleTTL <= 0 {
		return fmt.Errorf("topic idle TTL must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	if c.SessionQueueSize <= 0 {
		return fmt.Errorf("session queue size must be positive")
	}
	if c.RecentMessages <= 0 {
		return fmt.Errorf("recent message limit must be positive")
	}

	signingKey, err := decodeSigningSecret(c.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.SigningKey = signingKey

	return nil
}
