package billing

import "context"

// CheckoutRequest describes a subscription purchase to start
type CheckoutRequest struct {
	PriceRef   string
	SuccessURL string
	CancelURL  string

	// CustomerID reuses an already linked customer. When empty, CustomerEmail
	// (optional) pre-fills the payment form.
	CustomerID    string
	CustomerEmail string

	Metadata map[string]string
}

// Session is a hosted provider page the client is redirected to
type Session struct {
	ID  string
	URL string
}

// Gateway issues hosted checkout and billing portal sessions.
// Implementations return ErrGatewayUnconfigured without credentials and wrap
// every provider-side failure in ErrGatewayError.
type Gateway interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)

	// CreateBillingPortalSession returns ErrMissingCustomer for an empty customer id
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (*Session, error)
}

// WebhookVerifier authenticates a raw webhook delivery and decodes it into an Event.
// It returns ErrSignatureInvalid on any signature mismatch and ErrInvalidPayload
// when a verified body cannot be decoded.
type WebhookVerifier interface {
	Name() string
	VerifyWebhook(payload []byte, signatureHeader string) (Event, error)
}
