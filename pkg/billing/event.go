package billing

import "time"

// EventKind is the provider's event type string
type EventKind string

const (
	KindCheckoutCompleted   EventKind = "checkout.session.completed"
	KindSubscriptionCreated EventKind = "customer.subscription.created"
	KindSubscriptionUpdated EventKind = "customer.subscription.updated"
	KindSubscriptionDeleted EventKind = "customer.subscription.deleted"
)

// Event is a verified webhook event. The concrete type is one of
// CheckoutCompleted, SubscriptionChanged or Unknown.
type Event interface {
	EventID() string
	Kind() EventKind
	OccurredAt() time.Time
	isEvent()
}

// EventMeta carries the envelope fields shared by every event
type EventMeta struct {
	ID      string
	Type    EventKind
	Created time.Time
}

func (m EventMeta) EventID() string       { return m.ID }
func (m EventMeta) Kind() EventKind       { return m.Type }
func (m EventMeta) OccurredAt() time.Time { return m.Created }
func (EventMeta) isEvent()                {}

// CheckoutCompleted is a finished checkout session. CustomerID and
// CustomerEmail may be empty when the provider did not attach them.
type CheckoutCompleted struct {
	EventMeta
	SessionID      string
	CustomerID     string
	CustomerEmail  string
	SubscriptionID string
	Metadata       map[string]string
}

// SubscriptionChanged covers the created, updated and deleted lifecycle events
type SubscriptionChanged struct {
	EventMeta
	SubscriptionID string
	CustomerID     string
	Status         string
	Plan           string
}

// Unknown is any event type the reconciler does not handle. It is acknowledged and ignored.
type Unknown struct {
	EventMeta
}
