package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/storyflow/pkg/billing"
	stripebilling "github.com/mihaimyh/storyflow/pkg/billing/stripe"
	"github.com/mihaimyh/storyflow/storage/memory"
)

type fakeGateway struct {
	checkoutReq billing.CheckoutRequest
	portalCust  string
	portalRet   string
	err         error
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req billing.CheckoutRequest) (*billing.Session, error) {
	g.checkoutReq = req
	if g.err != nil {
		return nil, g.err
	}
	return &billing.Session{ID: "cs_1", URL: "https://pay.example/cs_1"}, nil
}

func (g *fakeGateway) CreateBillingPortalSession(_ context.Context, customerID, returnURL string) (*billing.Session, error) {
	g.portalCust, g.portalRet = customerID, returnURL
	if g.err != nil {
		return nil, g.err
	}
	return &billing.Session{ID: "bps_1", URL: "https://pay.example/portal"}, nil
}

func TestCreateCheckout(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestServer(t, func(c *Config) { c.Gateway = gw })

	t.Run("missing price", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/checkout", `{}`)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"priceRef is required","fields":{"priceRef":"is required"}}`, w.Body.String())
	})

	t.Run("anonymous", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/checkout", map[string]string{"priceId": "price_123"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.JSONEq(t, `{"url":"https://pay.example/cs_1"}`, w.Body.String())

		assert.Equal(t, "price_123", gw.checkoutReq.PriceRef)
		assert.Equal(t, "https://storyflow.test/billing/success?session_id={CHECKOUT_SESSION_ID}", gw.checkoutReq.SuccessURL)
		assert.Equal(t, "https://storyflow.test/billing/cancel", gw.checkoutReq.CancelURL)
		assert.Equal(t, map[string]string{"userId": "anonymous"}, gw.checkoutReq.Metadata)
		assert.Empty(t, gw.checkoutReq.CustomerEmail)
	})

	t.Run("authenticated and linked", func(t *testing.T) {
		cookie, userID := s.signup(t, "a@b.com")
		_, err := s.store.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
		require.NoError(t, err)

		w := s.do(t, http.MethodPost, "/api/checkout", map[string]string{"priceRef": "price_9"}, cookie)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "price_9", gw.checkoutReq.PriceRef)
		assert.Equal(t, "cus_1", gw.checkoutReq.CustomerID)
		assert.Equal(t, "a@b.com", gw.checkoutReq.CustomerEmail)
		assert.Equal(t, userID, gw.checkoutReq.Metadata["userId"])
	})
}

func TestCreateCheckout_GatewayFailures(t *testing.T) {
	t.Run("no gateway", func(t *testing.T) {
		s := newTestServer(t)
		w := s.do(t, http.MethodPost, "/api/checkout", map[string]string{"priceId": "price_1"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"url":"/premium?success=1","note":"demo_fallback"}`, w.Body.String())
	})

	t.Run("unconfigured gateway", func(t *testing.T) {
		s := newTestServer(t, func(c *Config) {
			c.Gateway = stripebilling.NewGateway(stripebilling.Config{})
		})
		w := s.do(t, http.MethodPost, "/api/checkout", map[string]string{"priceId": "price_1"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"url":"/premium?success=1","note":"demo_fallback"}`, w.Body.String())
	})

	t.Run("gateway error", func(t *testing.T) {
		gw := &fakeGateway{err: fmt.Errorf("%w: /v1/checkout/sessions: sk_live_leak", billing.ErrGatewayError)}
		s := newTestServer(t, func(c *Config) { c.Gateway = gw })
		w := s.do(t, http.MethodPost, "/api/checkout", map[string]string{"priceId": "price_1"})
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "sk_live_leak")
		assert.JSONEq(t, `{"error":"Unable to start checkout. Please try again."}`, w.Body.String())
	})
}

func TestCreateBillingPortal(t *testing.T) {
	gw := &fakeGateway{}
	s := newTestServer(t, func(c *Config) { c.Gateway = gw })

	w := s.do(t, http.MethodPost, "/api/billing-portal", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, w.Body.String())

	cookie, _ := s.signup(t, "a@b.com")
	w = s.do(t, http.MethodPost, "/api/billing-portal", nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code, "no linked customer")

	_, err := s.store.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/api/billing-portal", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"url":"https://pay.example/portal"}`, w.Body.String())
	assert.Equal(t, "cus_1", gw.portalCust)
	assert.Equal(t, "https://storyflow.test/billing", gw.portalRet)

	gw.err = fmt.Errorf("%w: timeout", billing.ErrGatewayError)
	w = s.do(t, http.MethodPost, "/api/billing-portal", nil, cookie)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"Unable to open the billing portal. Please try again."}`, w.Body.String())
}

func TestCreateBillingPortal_Fallback(t *testing.T) {
	s := newTestServer(t)
	cookie, _ := s.signup(t, "a@b.com")
	_, err := s.store.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/billing-portal", nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"url":"/billing","note":"demo_fallback"}`, w.Body.String())
}

const e2eSecret = "whsec_e2e"

func stripeDelivery(t *testing.T, s *testServer, payload, secret string) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    secret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/stripe/webhook", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func checkoutEvent(id, customer, email string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":1772366400,
		"data":{"object":{"id":"cs_1","object":"checkout.session","customer":%q,
		"customer_details":{"email":%q},"subscription":"sub_1","metadata":{}}}}`, id, customer, email)
}

func subscriptionEvent(id, eventType, customer, status string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1772366460,
		"data":{"object":{"id":"sub_1","object":"subscription","customer":%q,"status":%q,
		"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item",
		"price":{"id":"price_1","object":"price","nickname":"monthly"}}]}}}}`, id, eventType, customer, status)
}

func TestBillingFlow_EndToEnd(t *testing.T) {
	store := memory.New()
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{
		Store:  store,
		Ledger: memory.NewLedger(time.Hour),
	})
	require.NoError(t, err)

	s := newTestServer(t, func(c *Config) {
		c.Store = store
		c.Webhook = billing.NewWebhookHandler(billing.WebhookHandlerConfig{
			Verifier:   stripebilling.NewWebhookVerifier(e2eSecret),
			Reconciler: reconciler,
		})
	})
	s.store = store
	seedStories(t, s)
	cookie, userID := s.signup(t, "a@b.com")

	isPremium := func() bool {
		u, err := store.GetUserByID(context.Background(), userID)
		require.NoError(t, err)
		return u.Premium
	}

	// a forged delivery changes nothing
	w := stripeDelivery(t, s, checkoutEvent("evt_forged", "cus_1", "a@b.com"), "whsec_wrong")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.False(t, isPremium())

	w = stripeDelivery(t, s, checkoutEvent("evt_1", "cus_1", "A@B.com"), e2eSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
	assert.True(t, isPremium())
	assert.Contains(t, listIDs(t, s, "/api/stories", cookie), "prem-1")

	// replaying the same delivery is acknowledged and idempotent
	w = stripeDelivery(t, s, checkoutEvent("evt_1", "cus_1", "a@b.com"), e2eSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, isPremium())

	w = stripeDelivery(t, s, subscriptionEvent("evt_2", "customer.subscription.updated", "cus_1", "past_due"), e2eSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, isPremium())
	assert.NotContains(t, listIDs(t, s, "/api/stories", cookie), "prem-1")

	sub, err := store.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, userID, sub.UserID)
	assert.Equal(t, "monthly", sub.Plan)

	w = stripeDelivery(t, s, subscriptionEvent("evt_3", "customer.subscription.updated", "cus_1", "active"), e2eSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, isPremium())

	w = stripeDelivery(t, s, subscriptionEvent("evt_4", "customer.subscription.deleted", "cus_1", "active"), e2eSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, isPremium(), "deletion demotes regardless of the reported status")

	// an unknown customer is acknowledged and dropped
	w = stripeDelivery(t, s, subscriptionEvent("evt_5", "customer.subscription.updated", "cus_unknown", "active"), e2eSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, isPremium())

	w = s.do(t, http.MethodGet, "/api/auth/me", nil, cookie)
	var me struct {
		User UserResponse `json:"user"`
	}
	decodeBody(t, w, &me)
	assert.False(t, me.User.Premium)
}

func TestBillingFlow_LinkConflictStillAcknowledged(t *testing.T) {
	store := memory.New()
	reconciler, err := billing.NewReconciler(billing.ReconcilerConfig{Store: store})
	require.NoError(t, err)
	s := newTestServer(t, func(c *Config) {
		c.Store = store
		c.Webhook = billing.NewWebhookHandler(billing.WebhookHandlerConfig{
			Verifier:   stripebilling.NewWebhookVerifier(e2eSecret),
			Reconciler: reconciler,
		})
	})
	s.store = store
	s.signup(t, "a@b.com")
	s.signup(t, "c@d.com")

	require.Equal(t, http.StatusOK, stripeDelivery(t, s, checkoutEvent("evt_1", "cus_1", "a@b.com"), e2eSecret).Code)
	w := stripeDelivery(t, s, checkoutEvent("evt_2", "cus_1", "c@d.com"), e2eSecret)
	require.Equal(t, http.StatusOK, w.Code)

	other, err := store.GetUserByEmail(context.Background(), "c@d.com")
	require.NoError(t, err)
	assert.False(t, other.Premium)
	assert.Empty(t, other.ExternalCustomerID)

	linked, err := store.FindUserByExternalCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", linked.Email)
}
