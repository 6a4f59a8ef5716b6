package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mihaimyh/storyflow/pkg/auth"
	"github.com/mihaimyh/storyflow/pkg/billing"
	"github.com/mihaimyh/storyflow/pkg/generator"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const (
	defaultMaxBodyBytes = 64 * 1024
	defaultSiteURL      = "http://localhost:8080"
)

// Services describes the configured collaborators for the health report
type Services struct {
	// DatabaseConfigured enables the store ping; otherwise the database is
	// reported as not_configured
	DatabaseConfigured bool

	// Stripe, Webhook and Ledger are reported verbatim
	// (e.g. "configured", "not_configured", "redis", "memory")
	Stripe  string
	Webhook string
	Ledger  string
}

// Config holds configuration for the HTTP API
type Config struct {
	// Store is the data-access layer (required)
	Store storyflow.Storage

	// Sessions issues and verifies session cookies (required)
	Sessions *auth.SessionManager

	// Gateway creates checkout and portal sessions.
	// If nil, or if it reports ErrGatewayUnconfigured, the demo fallback answers.
	Gateway billing.Gateway

	// Webhook receives provider deliveries.
	// If nil, deliveries are acknowledged without processing.
	Webhook http.Handler

	// Generator defaults to generator.Placeholder
	Generator generator.Generator

	// MetricsHandler is mounted on GET /metrics when set
	MetricsHandler http.Handler

	// SiteURL is the public base URL used for redirect targets
	SiteURL string

	// Environment is reported by the health endpoint
	Environment string

	Services Services

	// MaxBodyBytes bounds JSON request bodies. Defaults to 64KiB.
	MaxBodyBytes int64

	// GenerateRateLimit caps generation requests per client IP per minute.
	// Zero disables the limit.
	GenerateRateLimit int

	// TrustProxy mounts chi's RealIP so per-IP limits key on the forwarded
	// client address. Leave off unless a trusted proxy sets the headers.
	TrustProxy bool

	// Logger defaults to a no-op logger
	Logger storyflow.Logger

	// Now defaults to time.Now
	Now func() time.Time
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Store == nil {
		return fmt.Errorf("store is required")
	}
	if c.Sessions == nil {
		return fmt.Errorf("sessions is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("max body bytes must not be negative")
	}
	if c.GenerateRateLimit < 0 {
		return fmt.Errorf("generate rate limit must not be negative")
	}
	return nil
}

// Handler serves the storyflow JSON API
type Handler struct {
	config   Config
	logger   storyflow.Logger
	validate *validator.Validate
	router   http.Handler
}

// NewHandler creates the API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	if config.SiteURL == "" {
		config.SiteURL = defaultSiteURL
	}
	config.SiteURL = strings.TrimRight(config.SiteURL, "/")
	if config.Environment == "" {
		config.Environment = "development"
	}
	if config.Generator == nil {
		config.Generator = generator.Placeholder{Now: config.Now}
	}
	if config.Webhook == nil {
		config.Webhook = billing.NewWebhookHandler(billing.WebhookHandlerConfig{Logger: config.Logger})
	}
	if config.Logger == nil {
		config.Logger = &storyflow.NoopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	h := &Handler{
		config:   config,
		logger:   config.Logger,
		validate: newValidator(),
	}
	h.router = h.routes()
	return h, nil
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}
