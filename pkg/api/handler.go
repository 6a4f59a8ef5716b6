// Package api serves the storyflow JSON API over chi
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	mwhttp "github.com/mihaimyh/storyflow/middleware/http"
	"github.com/mihaimyh/storyflow/pkg/internal/httpx"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const healthPingTimeout = 2 * time.Second

func (h *Handler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if h.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	authCfg := mwhttp.Config{
		Sessions: h.config.Sessions,
		OnUnauthorized: func(w http.ResponseWriter, _ *http.Request) {
			h.respond(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
		},
	}
	requireAuth := mwhttp.RequireAuth(authCfg)
	optionalAuth := mwhttp.OptionalAuth(authCfg)

	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", h.Signup)
			r.Post("/login", h.Login)
			r.Post("/logout", h.Logout)
			r.With(optionalAuth).Get("/me", h.Me)
		})

		r.Route("/stories", func(r chi.Router) {
			r.With(optionalAuth).Get("/", h.ListStories)
			r.With(optionalAuth).Get("/{id}", h.GetStory)
			r.With(requireAuth).Post("/", h.CreateStory)
		})
		r.With(requireAuth).Post("/ratings", h.RateStory)

		limiter := httpx.NewRateLimiter(h.config.GenerateRateLimit, time.Minute)
		r.With(limiter.Middleware).Post("/generate", h.Generate)

		r.With(optionalAuth).Post("/checkout", h.CreateCheckout)
		r.With(requireAuth).Post("/billing-portal", h.CreateBillingPortal)

		// the receiver reads the raw body itself for signature verification
		r.Method(http.MethodPost, "/stripe/webhook", h.config.Webhook)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		h.respond(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		h.respond(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})
	return r
}

// Health reports the state of the store and the configured collaborators.
// A failed database ping answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	svc := h.config.Services
	resp := HealthResponse{
		Status:      "ok",
		Timestamp:   h.config.Now().UTC(),
		Environment: h.config.Environment,
		Services: map[string]string{
			"database": "not_configured",
			"stripe":   orDefault(svc.Stripe, "not_configured"),
			"webhook":  orDefault(svc.Webhook, "not_configured"),
			"ledger":   orDefault(svc.Ledger, "none"),
		},
	}

	if svc.DatabaseConfigured {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.config.Store.Ping(ctx); err != nil {
			h.logger.Warn("health check database ping failed", storyflow.F("error", err.Error()))
			resp.Services["database"] = "error"
			resp.Status = "error"
		} else {
			resp.Services["database"] = "connected"
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	h.respond(w, code, resp)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			storyflow.F("request_id", middleware.GetReqID(r.Context())),
			storyflow.F("method", r.Method),
			storyflow.F("path", r.URL.Path),
			storyflow.F("status", ww.Status()),
			storyflow.F("bytes", ww.BytesWritten()),
			storyflow.F("duration", time.Since(start)))
	})
}

// respond writes a JSON response. API responses are never cached.
func (h *Handler) respond(w http.ResponseWriter, code int, body interface{}) {
	httpx.SetSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("response encoding failed", storyflow.F("error", err.Error()))
	}
}

func identity(r *http.Request) *storyflow.Identity {
	id, _ := mwhttp.IdentityFromContext(r.Context())
	return id
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
