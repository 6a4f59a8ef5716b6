// Package config resolves the service configuration once at startup from
// optional .env files and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode says whether a concern runs against its real backend or a local fallback
type Mode string

const (
	ModeConfigured Mode = "configured"
	ModeFallback   Mode = "fallback"
)

// DevJWTSecret signs sessions when JWT_SECRET is unset. Rejected in production.
const DevJWTSecret = "storyflow-dev-secret-change-me"

// Config holds the resolved configuration
type Config struct {
	Env      string // APP_ENV: development | production | test
	Port     string
	SiteURL  string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeTimeout       time.Duration

	JWTSecret  string
	SessionTTL time.Duration

	AIServerURL string

	// WebhookOrdering is "last_write_wins" (default) or "event_time"
	WebhookOrdering  string
	WebhookRateLimit int // deliveries per minute per IP, 0 disables
	EventLedgerTTL   time.Duration

	// TrustProxy honors X-Forwarded-For / X-Real-IP for client addresses.
	// Only enable it when a proxy in front of the service sets those headers.
	TrustProxy bool
}

// Load reads the given .env files (missing files are skipped) and then the
// process environment, which takes precedence
func Load(files ...string) (*Config, error) {
	values := make(map[string]string)
	for _, file := range files {
		env, err := godotenv.Read(file)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		for k, v := range env {
			values[k] = v
		}
	}

	return parse(func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return values[key]
	})
}

func parse(get func(string) string) (*Config, error) {
	str := func(key, def string) string {
		if v := strings.TrimSpace(get(key)); v != "" {
			return v
		}
		return def
	}

	var errs []error
	duration := func(key string, def time.Duration) time.Duration {
		v := str(key, "")
		if v == "" {
			return def
		}
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, v))
			return def
		}
		return d
	}
	integer := func(key string, def int) int {
		v := str(key, "")
		if v == "" {
			return def
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid integer %q", key, v))
			return def
		}
		return n
	}

	boolean := func(key string) bool {
		v := str(key, "")
		if v == "" {
			return false
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		}
		return b
	}

	port := str("PORT", "8080")
	cfg := &Config{
		Env:      strings.ToLower(str("APP_ENV", "development")),
		Port:     port,
		SiteURL:  strings.TrimRight(str("SITE_URL", "http://localhost:"+port), "/"),
		LogLevel: strings.ToLower(str("LOG_LEVEL", "info")),

		DatabaseURL: str("DATABASE_URL", ""),
		RedisURL:    str("REDIS_URL", ""),

		StripeSecretKey:     str("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: str("STRIPE_WEBHOOK_SECRET", ""),
		StripeTimeout:       duration("STRIPE_TIMEOUT", 10*time.Second),

		JWTSecret:  str("JWT_SECRET", DevJWTSecret),
		SessionTTL: duration("SESSION_TTL", 7*24*time.Hour),

		AIServerURL: strings.TrimRight(str("AI_SERVER_URL", ""), "/"),

		WebhookOrdering:  strings.ToLower(str("WEBHOOK_ORDERING", "last_write_wins")),
		WebhookRateLimit: integer("WEBHOOK_RATE_LIMIT", 100),
		EventLedgerTTL:   duration("EVENT_LEDGER_TTL", 72*time.Hour),

		TrustProxy: boolean("TRUST_PROXY"),
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.IsProduction() && c.JWTSecret == DevJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set in production"))
	}
	switch c.WebhookOrdering {
	case "last_write_wins", "event_time":
	default:
		errs = append(errs, fmt.Errorf("WEBHOOK_ORDERING: unknown value %q", c.WebhookOrdering))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL: unknown value %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV is production
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// StorageMode is configured when DATABASE_URL is set; otherwise the
// in-memory store is used
func (c *Config) StorageMode() Mode {
	return modeOf(c.DatabaseURL)
}

// GatewayMode is configured when STRIPE_SECRET_KEY is set; otherwise checkout
// and the billing portal answer with placeholder URLs
func (c *Config) GatewayMode() Mode {
	return modeOf(c.StripeSecretKey)
}

// WebhookMode is configured when STRIPE_WEBHOOK_SECRET is set; otherwise
// webhook deliveries are acknowledged without processing
func (c *Config) WebhookMode() Mode {
	return modeOf(c.StripeWebhookSecret)
}

// LedgerMode is configured when REDIS_URL is set; otherwise processed
// event ids are kept in process memory
func (c *Config) LedgerMode() Mode {
	return modeOf(c.RedisURL)
}

// GeneratorMode is configured when AI_SERVER_URL is set; otherwise the
// placeholder generator answers
func (c *Config) GeneratorMode() Mode {
	return modeOf(c.AIServerURL)
}

func modeOf(v string) Mode {
	if v == "" {
		return ModeFallback
	}
	return ModeConfigured
}
