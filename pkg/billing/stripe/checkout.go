package stripe

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/storyflow/pkg/billing"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

// CreateCheckoutSession creates a subscription-mode Stripe Checkout Session.
// An existing customer is reused when req.CustomerID is set, otherwise the
// email pre-fills the form and Stripe creates the customer.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req billing.CheckoutRequest) (*billing.Session, error) {
	if strings.TrimSpace(req.PriceRef) == "" {
		return nil, fmt.Errorf("%w: price reference is required", storyflow.ErrValidation)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceRef),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}

	// Stripe rejects customer and customer_email together
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	if len(req.Metadata) > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
		for k, v := range req.Metadata {
			params.AddMetadata(k, v)
			params.SubscriptionData.AddMetadata(k, v)
		}
	}

	var session *stripe.CheckoutSession
	err := g.call(ctx, endpointCheckout, func(ctx context.Context) error {
		var err error
		session, err = g.client.V1CheckoutSessions.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &billing.Session{ID: session.ID, URL: session.URL}, nil
}

// CreateBillingPortalSession creates a Stripe Customer Portal session for an
// already linked customer
func (g *Gateway) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*billing.Session, error) {
	if customerID == "" {
		return nil, billing.ErrMissingCustomer
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	var session *stripe.BillingPortalSession
	err := g.call(ctx, endpointPortal, func(ctx context.Context) error {
		var err error
		session, err = g.client.V1BillingPortalSessions.Create(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &billing.Session{ID: session.ID, URL: session.URL}, nil
}
