package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mihaimyh/storyflow/pkg/api"
	"github.com/mihaimyh/storyflow/pkg/auth"
	"github.com/mihaimyh/storyflow/pkg/billing"
	prommetrics "github.com/mihaimyh/storyflow/pkg/billing/metrics/prometheus"
	stripebilling "github.com/mihaimyh/storyflow/pkg/billing/stripe"
	"github.com/mihaimyh/storyflow/pkg/config"
	"github.com/mihaimyh/storyflow/pkg/generator"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
	"github.com/mihaimyh/storyflow/storage/memory"
	"github.com/mihaimyh/storyflow/storage/postgres"
	redisledger "github.com/mihaimyh/storyflow/storage/redis"
	"github.com/mihaimyh/storyflow/storage/tiered"
)

const (
	statusConfigured    = "configured"
	statusNotConfigured = "not_configured"

	generateRateLimit = 10
)

type app struct {
	handler http.Handler
	closers []func()
}

// Close releases backends in reverse order of creation
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func status(m config.Mode) string {
	if m == config.ModeConfigured {
		return statusConfigured
	}
	return statusNotConfigured
}

// newApp wires every component from cfg. Unset integrations fall back to
// local implementations and are reported as such by the health endpoint.
func newApp(ctx context.Context, cfg *config.Config, logger storyflow.Logger, reg prometheus.Registerer) (a *app, err error) {
	a = &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	metrics := prommetrics.NewMetrics(reg, "storyflow")
	services := api.Services{
		Stripe:  status(cfg.GatewayMode()),
		Webhook: status(cfg.WebhookMode()),
	}

	var (
		store  storyflow.Storage
		ledger billing.EventLedger
	)
	if cfg.StorageMode() == config.ModeConfigured {
		pgCfg := postgres.DefaultConfig()
		pgCfg.ConnectionString = cfg.DatabaseURL
		pgCfg.EventTTL = cfg.EventLedgerTTL
		pgCfg.Logger = logger
		pg, err := postgres.New(ctx, pgCfg)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		store, ledger = pg, pg
		services.DatabaseConfigured = true
		services.Ledger = "postgres"
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
		store = memory.New()
	}

	if cfg.LedgerMode() == config.ModeConfigured {
		rl, err := redisledger.NewFromURL(ctx, cfg.RedisURL, redisledger.Config{EventTTL: cfg.EventLedgerTTL})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rl.Close() })
		if ledger == nil {
			ledger = rl
			services.Ledger = "redis"
		} else {
			tl, err := tiered.New(tiered.Config{
				Hot:           rl,
				Cold:          ledger,
				AsyncHotWrite: true,
				AsyncErrorHandler: func(err error) {
					logger.Warn("event ledger hot write failed", storyflow.F("error", err.Error()))
				},
			})
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, func() { _ = tl.Close() })
			ledger = tl
			services.Ledger = "redis+postgres"
		}
	} else if ledger == nil {
		ledger = memory.NewLedger(cfg.EventLedgerTTL)
		services.Ledger = "memory"
	}

	sessions, err := auth.NewSessionManager(auth.SessionConfig{
		Secret: []byte(cfg.JWTSecret),
		TTL:    cfg.SessionTTL,
		Secure: cfg.IsProduction(),
	})
	if err != nil {
		return nil, err
	}

	var gateway billing.Gateway
	if cfg.GatewayMode() == config.ModeConfigured {
		gateway = stripebilling.NewGateway(stripebilling.Config{
			SecretKey: cfg.StripeSecretKey,
			Timeout:   cfg.StripeTimeout,
			Metrics:   metrics,
			Logger:    logger,
		})
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, checkout and portal answer with demo redirects")
	}

	var verifier billing.WebhookVerifier
	if cfg.WebhookMode() == config.ModeConfigured {
		verifier = stripebilling.NewWebhookVerifier(cfg.StripeWebhookSecret)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook deliveries are acknowledged and not processed")
	}

	ordering, err := billing.ParseOrdering(cfg.WebhookOrdering)
	if err != nil {
		return nil, err
	}
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Store:    store,
		Ledger:   ledger,
		Ordering: ordering,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	webhook := billing.NewWebhookHandler(billing.WebhookHandlerConfig{
		Verifier:   verifier,
		Reconciler: reconciler,
		RateLimit:  cfg.WebhookRateLimit,
		RateWindow: time.Minute,
		Metrics:    metrics,
		Logger:     logger,
	})

	var gen generator.Generator = generator.Placeholder{}
	if cfg.GeneratorMode() == config.ModeConfigured {
		gen = generator.NewRemote(generator.RemoteConfig{
			BaseURL: cfg.AIServerURL,
			Logger:  logger,
		})
	}

	var metricsHandler http.Handler
	if g, ok := reg.(prometheus.Gatherer); ok {
		metricsHandler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}

	handler, err := api.NewHandler(api.Config{
		Store:             store,
		Sessions:          sessions,
		Gateway:           gateway,
		Webhook:           webhook,
		Generator:         gen,
		MetricsHandler:    metricsHandler,
		SiteURL:           cfg.SiteURL,
		Environment:       cfg.Env,
		Services:          services,
		GenerateRateLimit: generateRateLimit,
		TrustProxy:        cfg.TrustProxy,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	a.handler = handler
	return a, nil
}
