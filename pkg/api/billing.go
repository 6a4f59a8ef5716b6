package api

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/storyflow/pkg/billing"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const (
	noteDemoFallback = "demo_fallback"

	fallbackCheckoutPath = "/premium?success=1"
	fallbackPortalPath   = "/billing"

	messageCheckoutFailed = "Unable to start checkout. Please try again."
	messagePortalFailed   = "Unable to open the billing portal. Please try again."
)

// CreateCheckout starts a hosted subscription checkout and returns its URL.
// Without a configured gateway it answers with a demo redirect.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var body checkoutRequest
	if err := h.decode(w, r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	price := body.price()
	if price == "" {
		h.writeError(w, r, fieldError("priceRef", "is required"))
		return
	}
	if h.config.Gateway == nil {
		h.respond(w, http.StatusOK, redirectResponse{URL: fallbackCheckoutPath, Note: noteDemoFallback})
		return
	}

	req := billing.CheckoutRequest{
		PriceRef:   price,
		SuccessURL: h.config.SiteURL + "/billing/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  h.config.SiteURL + "/billing/cancel",
		Metadata:   map[string]string{"userId": "anonymous"},
	}
	if id := identity(r); id != nil {
		req.Metadata["userId"] = id.UserID
		req.CustomerEmail = id.Email
		user, err := h.config.Store.GetUserByID(r.Context(), id.UserID)
		if err == nil {
			req.CustomerID = user.ExternalCustomerID
			req.CustomerEmail = user.Email
		} else if !errors.Is(err, storyflow.ErrNotFound) {
			h.logger.Warn("checkout user lookup failed, using session email",
				storyflow.F("user_id", id.UserID), storyflow.F("error", err.Error()))
		}
	}

	session, err := h.config.Gateway.CreateCheckoutSession(r.Context(), req)
	switch {
	case errors.Is(err, billing.ErrGatewayUnconfigured):
		h.respond(w, http.StatusOK, redirectResponse{URL: fallbackCheckoutPath, Note: noteDemoFallback})
	case errors.Is(err, storyflow.ErrValidation):
		h.writeError(w, r, err)
	case err != nil:
		h.logger.Error("checkout session failed",
			storyflow.F("provider", h.config.Gateway.Name()), storyflow.F("error", err.Error()))
		h.respond(w, http.StatusInternalServerError, errorResponse{Error: messageCheckoutFailed})
	default:
		h.respond(w, http.StatusOK, redirectResponse{URL: session.URL})
	}
}

// CreateBillingPortal opens the provider's self-service portal for the
// caller's linked customer
func (h *Handler) CreateBillingPortal(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	user, err := h.config.Store.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if user.ExternalCustomerID == "" {
		h.respond(w, http.StatusNotFound, errorResponse{Error: "No billing account found"})
		return
	}
	if h.config.Gateway == nil {
		h.respond(w, http.StatusOK, redirectResponse{URL: fallbackPortalPath, Note: noteDemoFallback})
		return
	}

	session, err := h.config.Gateway.CreateBillingPortalSession(r.Context(),
		user.ExternalCustomerID, h.config.SiteURL+"/billing")
	switch {
	case errors.Is(err, billing.ErrGatewayUnconfigured):
		h.respond(w, http.StatusOK, redirectResponse{URL: fallbackPortalPath, Note: noteDemoFallback})
	case errors.Is(err, billing.ErrMissingCustomer):
		h.respond(w, http.StatusNotFound, errorResponse{Error: "No billing account found"})
	case err != nil:
		h.logger.Error("billing portal session failed",
			storyflow.F("provider", h.config.Gateway.Name()),
			storyflow.F("user_id", user.ID),
			storyflow.F("error", err.Error()))
		h.respond(w, http.StatusInternalServerError, errorResponse{Error: messagePortalFailed})
	default:
		h.respond(w, http.StatusOK, redirectResponse{URL: session.URL})
	}
}
