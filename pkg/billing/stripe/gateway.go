// Package stripe implements billing.Gateway and billing.WebhookVerifier on top
// of stripe-go.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/storyflow/pkg/billing"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const (
	providerName          = "stripe"
	defaultTimeout        = 10 * time.Second
	defaultBreakerFailure = 5
	defaultBreakerReset   = 30 * time.Second

	endpointCheckout = "/v1/checkout/sessions"
	endpointPortal   = "/v1/billing_portal/sessions"
)

// Config configures the Stripe gateway
type Config struct {
	// SecretKey is the Stripe API key. Without it every call returns
	// billing.ErrGatewayUnconfigured.
	SecretKey string

	// Timeout bounds each API call. Defaults to 10s.
	Timeout time.Duration

	// HTTPClient is an optional HTTP client for API calls.
	HTTPClient *http.Client

	// BackendURL overrides the Stripe API base URL (stripe-mock, tests)
	BackendURL string

	// Breaker defaults to a circuit breaker that opens after 5 consecutive
	// failures for 30 seconds
	Breaker billing.CircuitBreaker

	Metrics billing.Metrics
	Logger  storyflow.Logger
}

// Gateway implements billing.Gateway for Stripe
type Gateway struct {
	client  *stripe.Client
	timeout time.Duration
	breaker billing.CircuitBreaker
	metrics billing.Metrics
	logger  storyflow.Logger
}

// NewGateway creates a Stripe gateway
func NewGateway(cfg Config) *Gateway {
	g := &Gateway{
		timeout: cfg.Timeout,
		breaker: cfg.Breaker,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if g.timeout <= 0 {
		g.timeout = defaultTimeout
	}
	if g.metrics == nil {
		g.metrics = &billing.NoopMetrics{}
	}
	if g.logger == nil {
		g.logger = &storyflow.NoopLogger{}
	}
	if g.breaker == nil {
		g.breaker = billing.NewDefaultCircuitBreaker(defaultBreakerFailure, defaultBreakerReset,
			func(state billing.CircuitBreakerState) {
				g.metrics.RecordCircuitBreakerStateChange(providerName, string(state))
				g.logger.Warn("stripe circuit breaker state changed", storyflow.F("state", string(state)))
			})
	}

	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return g
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: g.timeout}
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     &leveledLogger{logger: g.logger},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BackendURL != "" {
		backendCfg.URL = stripe.String(cfg.BackendURL)
	}
	g.client = stripe.NewClient(key, stripe.WithBackends(stripe.NewBackendsWithConfig(backendCfg)))
	return g
}

// Name returns the provider name
func (g *Gateway) Name() string {
	return providerName
}

// Configured reports whether an API key is present
func (g *Gateway) Configured() bool {
	return g.client != nil
}

// call runs fn under the timeout and the circuit breaker and classifies failures
func (g *Gateway) call(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	if g.client == nil {
		return billing.ErrGatewayUnconfigured
	}

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var callerErr error
	err := g.breaker.Execute(ctx, func() error {
		err := fn(ctx)
		if isCallerError(err) {
			callerErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = callerErr
	}
	g.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(startTime))
	if err != nil {
		g.metrics.RecordAPICall(providerName, endpoint, "error")
		g.logger.Error("stripe api call failed",
			storyflow.F("endpoint", endpoint), storyflow.F("error", err))
		return fmt.Errorf("%w: %s: %w", billing.ErrGatewayError, endpoint, err)
	}
	g.metrics.RecordAPICall(providerName, endpoint, "success")
	return nil
}

// isCallerError reports a 4xx answer other than 429. Stripe rejected the
// request itself, so the provider is healthy and the breaker must not count it.
func isCallerError(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	code := stripeErr.HTTPStatusCode
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// leveledLogger routes stripe-go's internal logging into storyflow.Logger
type leveledLogger struct {
	logger storyflow.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), storyflow.F("component", "stripe-go"))
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), storyflow.F("component", "stripe-go"))
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), storyflow.F("component", "stripe-go"))
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), storyflow.F("component", "stripe-go"))
}

var _ billing.Gateway = (*Gateway)(nil)
