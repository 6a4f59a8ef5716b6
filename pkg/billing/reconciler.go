package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

// Ordering selects how competing subscription updates are resolved
type Ordering string

const (
	// OrderingLastWriteWins applies every subscription event as delivered.
	// A stale event delivered last overwrites newer state.
	OrderingLastWriteWins Ordering = "last_write_wins"

	// OrderingEventTime applies a subscription event only if its provider
	// timestamp is newer than the stored record's.
	OrderingEventTime Ordering = "event_time"
)

// ParseOrdering maps a configuration string to an Ordering. Empty means last-write-wins.
func ParseOrdering(s string) (Ordering, error) {
	switch Ordering(s) {
	case "", OrderingLastWriteWins:
		return OrderingLastWriteWins, nil
	case OrderingEventTime:
		return OrderingEventTime, nil
	default:
		return "", fmt.Errorf("unknown webhook ordering %q", s)
	}
}

// Outcome is what the reconciler did with an event
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDropped   Outcome = "dropped"   // not attributable to a user
	OutcomeIgnored   Outcome = "ignored"   // unhandled event type
	OutcomeDuplicate Outcome = "duplicate" // already in the event ledger
	OutcomeStale     Outcome = "stale"     // older than the stored subscription record
	OutcomeFailed    Outcome = "failed"
)

// EntitlementChange describes an applied event. It is passed to the
// OnApplied callback after the store has been updated.
type EntitlementChange struct {
	UserID          string
	PreviousPremium bool
	Premium         bool

	// SubscriptionID, Status and Plan are empty for checkout events
	SubscriptionID string
	Status         storyflow.SubscriptionStatus
	Plan           string

	Provider       string
	EventID        string
	EventType      EventKind
	EventTimestamp time.Time
}

// ReconcilerConfig configures a Reconciler
type ReconcilerConfig struct {
	// Store is required
	Store storyflow.EntitlementStore

	// Ledger short-circuits replays of already reconciled event ids. Optional.
	Ledger EventLedger

	// Ordering defaults to OrderingLastWriteWins
	Ordering Ordering

	// Provider labels metrics and callbacks. Defaults to "stripe".
	Provider string

	Metrics Metrics
	Logger  storyflow.Logger

	// OnApplied is called after an event changed the store. Optional.
	OnApplied func(ctx context.Context, change EntitlementChange)
}

// Reconciler applies verified payment events to the entitlement store.
// Entitlement fields are only ever written here.
type Reconciler struct {
	store     storyflow.EntitlementStore
	ledger    EventLedger
	ordering  Ordering
	provider  string
	metrics   Metrics
	logger    storyflow.Logger
	onApplied func(ctx context.Context, change EntitlementChange)
}

// NewReconciler creates a Reconciler
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, errors.New("reconciler: store is required")
	}
	ordering, err := ParseOrdering(string(cfg.Ordering))
	if err != nil {
		return nil, err
	}

	r := &Reconciler{
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		ordering:  ordering,
		provider:  cfg.Provider,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		onApplied: cfg.OnApplied,
	}
	if r.provider == "" {
		r.provider = "stripe"
	}
	if r.metrics == nil {
		r.metrics = &NoopMetrics{}
	}
	if r.logger == nil {
		r.logger = &storyflow.NoopLogger{}
	}
	return r, nil
}

// Ordering returns the active ordering policy
func (r *Reconciler) Ordering() Ordering {
	return r.ordering
}

// Apply reconciles one event. A non-nil error always needs operator attention,
// but the event may still have been partially applied; the outcome says what happened.
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Outcome, error) {
	if ev == nil {
		return OutcomeFailed, fmt.Errorf("%w: nil event", ErrInvalidPayload)
	}
	id := ev.EventID()

	if r.ledger != nil && id != "" {
		seen, err := r.ledger.Seen(ctx, id)
		switch {
		case err != nil:
			// upserts are idempotent, so carry on without the ledger
			r.logger.Warn("event ledger lookup failed",
				storyflow.F("event_id", id), storyflow.F("error", err))
		case seen:
			r.logger.Debug("duplicate webhook event", storyflow.F("event_id", id))
			return OutcomeDuplicate, nil
		}
	}

	var (
		outcome Outcome
		err     error
	)
	switch e := ev.(type) {
	case CheckoutCompleted:
		outcome, err = r.applyCheckout(ctx, e)
	case SubscriptionChanged:
		outcome, err = r.applySubscription(ctx, e)
	default:
		r.logger.Debug("ignoring webhook event",
			storyflow.F("event_id", id), storyflow.F("event_type", string(ev.Kind())))
		outcome = OutcomeIgnored
	}

	if err == nil && r.ledger != nil && id != "" {
		if recErr := r.ledger.Record(ctx, id); recErr != nil {
			r.logger.Warn("event ledger record failed",
				storyflow.F("event_id", id), storyflow.F("error", recErr))
		}
	}
	return outcome, err
}

func (r *Reconciler) applyCheckout(ctx context.Context, e CheckoutCompleted) (Outcome, error) {
	if e.CustomerID == "" || e.CustomerEmail == "" {
		r.logger.Warn("checkout completed without customer id or email, dropping",
			storyflow.F("event_id", e.ID),
			storyflow.F("session_id", e.SessionID),
			storyflow.F("has_customer", e.CustomerID != ""),
			storyflow.F("has_email", e.CustomerEmail != ""))
		return OutcomeDropped, nil
	}

	before, err := r.store.UpsertCustomerLink(ctx, e.CustomerEmail, e.CustomerID)
	switch {
	case errors.Is(err, storyflow.ErrNotFound):
		r.logger.Warn("checkout completed for unknown email, dropping",
			storyflow.F("event_id", e.ID), storyflow.F("customer_id", e.CustomerID))
		return OutcomeDropped, nil
	case errors.Is(err, storyflow.ErrCustomerLinkConflict):
		return OutcomeDropped, fmt.Errorf("link customer %s: %w", e.CustomerID, err)
	case err != nil:
		return OutcomeFailed, fmt.Errorf("link customer %s: %w", e.CustomerID, err)
	}

	if err := r.store.SetPremium(ctx, before.ID, true); err != nil {
		return OutcomeFailed, fmt.Errorf("set premium for user %s: %w", before.ID, err)
	}

	r.applied(ctx, e.EventMeta, EntitlementChange{
		UserID:          before.ID,
		PreviousPremium: before.Premium,
		Premium:         true,
		SubscriptionID:  e.SubscriptionID,
	})
	return OutcomeApplied, nil
}

func (r *Reconciler) applySubscription(ctx context.Context, e SubscriptionChanged) (Outcome, error) {
	if e.CustomerID == "" || e.SubscriptionID == "" {
		r.logger.Warn("subscription event without customer or subscription id, dropping",
			storyflow.F("event_id", e.ID), storyflow.F("event_type", string(e.Type)))
		return OutcomeDropped, nil
	}

	user, err := r.store.FindUserByExternalCustomerID(ctx, e.CustomerID)
	if errors.Is(err, storyflow.ErrNotFound) {
		r.logger.Warn("subscription event for unlinked customer, dropping",
			storyflow.F("event_id", e.ID), storyflow.F("customer_id", e.CustomerID))
		return OutcomeDropped, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("find user for customer %s: %w", e.CustomerID, err)
	}

	status := storyflow.SubscriptionStatus(e.Status)
	if e.Type == KindSubscriptionDeleted {
		status = storyflow.StatusCanceled
	}
	plan := e.Plan
	if plan == "" {
		plan = storyflow.DefaultPlan
	}
	premium := status.Entitled()
	sub := &storyflow.Subscription{
		ExternalID: e.SubscriptionID,
		UserID:     user.ID,
		Status:     status,
		Plan:       plan,
		EventAt:    e.Created,
		EventID:    e.ID,
	}

	if r.ordering == OrderingEventTime {
		written, err := r.store.UpsertSubscriptionIfNewer(ctx, sub)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("upsert subscription %s: %w", e.SubscriptionID, err)
		}
		if !written {
			r.logger.Info("stale subscription event skipped",
				storyflow.F("event_id", e.ID), storyflow.F("subscription_id", e.SubscriptionID))
			return OutcomeStale, nil
		}
		if err := r.store.SetPremium(ctx, user.ID, premium); err != nil {
			return OutcomeFailed, fmt.Errorf("set premium for user %s: %w", user.ID, err)
		}
	} else {
		// both writes are attempted so one failing does not block the other
		premiumErr := r.store.SetPremium(ctx, user.ID, premium)
		if premiumErr != nil {
			premiumErr = fmt.Errorf("set premium for user %s: %w", user.ID, premiumErr)
		}
		subErr := r.store.UpsertSubscription(ctx, sub)
		if subErr != nil {
			subErr = fmt.Errorf("upsert subscription %s: %w", e.SubscriptionID, subErr)
		}
		if err := errors.Join(premiumErr, subErr); err != nil {
			return OutcomeFailed, err
		}
	}

	r.applied(ctx, e.EventMeta, EntitlementChange{
		UserID:          user.ID,
		PreviousPremium: user.Premium,
		Premium:         premium,
		SubscriptionID:  e.SubscriptionID,
		Status:          status,
		Plan:            plan,
	})
	return OutcomeApplied, nil
}

func (r *Reconciler) applied(ctx context.Context, meta EventMeta, change EntitlementChange) {
	change.Provider = r.provider
	change.EventID = meta.ID
	change.EventType = meta.Type
	change.EventTimestamp = meta.Created

	if change.PreviousPremium != change.Premium {
		r.metrics.RecordEntitlementChange(r.provider, change.Premium)
		r.logger.Info("entitlement changed",
			storyflow.F("user_id", change.UserID),
			storyflow.F("premium", change.Premium),
			storyflow.F("event_id", meta.ID))
	}
	if r.onApplied != nil {
		r.onApplied(ctx, change)
	}
}
