package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/storyflow/pkg/internal/httpx"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const (
	defaultWebhookBodyLimit = 256 * 1024
	signatureHeader         = "Stripe-Signature"
)

// WebhookHandlerConfig configures the webhook receiver
type WebhookHandlerConfig struct {
	// Verifier and Reconciler both nil-able; without them deliveries are
	// acknowledged and not processed
	Verifier   WebhookVerifier
	Reconciler *Reconciler

	// MaxBodyBytes defaults to 256 KiB
	MaxBodyBytes int64

	// RateLimit is the number of deliveries allowed per client IP and RateWindow.
	// Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration

	Metrics Metrics
	Logger  storyflow.Logger
}

type webhookHandler struct {
	verifier   WebhookVerifier
	reconciler *Reconciler
	maxBody    int64
	provider   string
	metrics    Metrics
	logger     storyflow.Logger
}

// NewWebhookHandler returns the HTTP receiver for payment provider webhooks.
// Every delivery whose signature verifies is acknowledged with 200, whatever
// the reconciliation outcome, so the provider does not retry deterministic failures.
func NewWebhookHandler(cfg WebhookHandlerConfig) http.Handler {
	h := &webhookHandler{
		verifier:   cfg.Verifier,
		reconciler: cfg.Reconciler,
		maxBody:    cfg.MaxBodyBytes,
		provider:   "stripe",
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultWebhookBodyLimit
	}
	if h.verifier != nil {
		h.provider = h.verifier.Name()
	}
	if h.metrics == nil {
		h.metrics = &NoopMetrics{}
	}
	if h.logger == nil {
		h.logger = &storyflow.NoopLogger{}
	}

	if cfg.RateLimit <= 0 {
		return h
	}
	window := cfg.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	return httpx.NewRateLimiter(cfg.RateLimit, window).Middleware(h)
}

func (h *webhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	httpx.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.verifier == nil || h.reconciler == nil {
		h.logger.Warn("webhook received but not configured, acknowledging without processing")
		h.reply(w, map[string]interface{}{"received": true, "note": "webhook_not_configured"})
		return
	}

	body, err := httpx.ReadBodyStrict(w, r, h.maxBody)
	if err != nil {
		if errors.Is(err, httpx.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			h.metrics.RecordWebhookError(h.provider, "payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			h.metrics.RecordWebhookError(h.provider, "invalid_payload")
		}
		return
	}

	event, err := h.verifier.VerifyWebhook(body, r.Header.Get(signatureHeader))
	if errors.Is(err, ErrSignatureInvalid) {
		h.logger.Warn("webhook signature verification failed", storyflow.F("error", err))
		h.metrics.RecordWebhookError(h.provider, "auth_failed")
		h.replyStatus(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid signature"})
		return
	}
	if err != nil {
		// authentic but undecodable; retrying would not help
		h.logger.Error("failed to decode verified webhook", storyflow.F("error", err))
		h.metrics.RecordWebhookError(h.provider, "invalid_payload")
		h.reply(w, map[string]interface{}{"received": true})
		return
	}

	eventType := string(event.Kind())
	if eventType == "" {
		eventType = "unknown"
	}

	// the provider may hang up early; bookkeeping must still complete
	ctx := context.WithoutCancel(r.Context())
	outcome, err := h.reconciler.Apply(ctx, event)
	if err != nil {
		h.logger.Error("webhook reconciliation failed",
			storyflow.F("event_id", event.EventID()),
			storyflow.F("event_type", eventType),
			storyflow.F("outcome", string(outcome)),
			storyflow.F("error", err))
		h.metrics.RecordWebhookError(h.provider, "processing_error")
	}

	h.metrics.RecordWebhookEvent(h.provider, eventType, string(outcome))
	h.metrics.RecordWebhookProcessingDuration(h.provider, eventType, time.Since(startTime))
	h.reply(w, map[string]interface{}{"received": true})
}

func (h *webhookHandler) reply(w http.ResponseWriter, body interface{}) {
	h.replyStatus(w, http.StatusOK, body)
}

func (h *webhookHandler) replyStatus(w http.ResponseWriter, code int, body interface{}) {
	if err := httpx.WriteJSON(w, code, body); err != nil {
		h.logger.Debug("failed to write webhook response", storyflow.F("error", err))
	}
}
