package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
	"github.com/mihaimyh/storyflow/storage/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// failingStore injects errors into selected entitlement writes
type failingStore struct {
	*memory.Storage
	setPremiumErr   error
	upsertSubErr    error
	findCustomerErr error
}

func (f *failingStore) SetPremium(ctx context.Context, userID string, premium bool) error {
	if f.setPremiumErr != nil {
		return f.setPremiumErr
	}
	return f.Storage.SetPremium(ctx, userID, premium)
}

func (f *failingStore) UpsertSubscription(ctx context.Context, sub *storyflow.Subscription) error {
	if f.upsertSubErr != nil {
		return f.upsertSubErr
	}
	return f.Storage.UpsertSubscription(ctx, sub)
}

func (f *failingStore) FindUserByExternalCustomerID(ctx context.Context, id string) (*storyflow.User, error) {
	if f.findCustomerErr != nil {
		return nil, f.findCustomerErr
	}
	return f.Storage.FindUserByExternalCustomerID(ctx, id)
}

type recordingMetrics struct {
	NoopMetrics
	changes []bool
}

func (m *recordingMetrics) RecordEntitlementChange(_ string, premium bool) {
	m.changes = append(m.changes, premium)
}

func newTestReconciler(t *testing.T, store storyflow.EntitlementStore, opts ...func(*ReconcilerConfig)) *Reconciler {
	t.Helper()
	cfg := ReconcilerConfig{Store: store}
	for _, opt := range opts {
		opt(&cfg)
	}
	r, err := NewReconciler(cfg)
	require.NoError(t, err)
	return r
}

func signUp(t *testing.T, store *memory.Storage, email string) *storyflow.User {
	t.Helper()
	u := &storyflow.User{Email: email, Name: "Reader", PasswordHash: "x"}
	require.NoError(t, store.CreateUser(context.Background(), u))
	return u
}

func checkout(id, customer, email string) CheckoutCompleted {
	return CheckoutCompleted{
		EventMeta:     EventMeta{ID: id, Type: KindCheckoutCompleted, Created: t0},
		SessionID:     "cs_" + id,
		CustomerID:    customer,
		CustomerEmail: email,
	}
}

func subEvent(id string, kind EventKind, customer, status string, at time.Time) SubscriptionChanged {
	return SubscriptionChanged{
		EventMeta:      EventMeta{ID: id, Type: kind, Created: at},
		SubscriptionID: "sub_1",
		CustomerID:     customer,
		Status:         status,
		Plan:           "monthly",
	}
}

func getUser(t *testing.T, store *memory.Storage, id string) *storyflow.User {
	t.Helper()
	u, err := store.GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

func TestNewReconciler_Validation(t *testing.T) {
	_, err := NewReconciler(ReconcilerConfig{})
	assert.Error(t, err)

	_, err = NewReconciler(ReconcilerConfig{Store: memory.New(), Ordering: "random"})
	assert.Error(t, err)

	r, err := NewReconciler(ReconcilerConfig{Store: memory.New()})
	require.NoError(t, err)
	assert.Equal(t, OrderingLastWriteWins, r.Ordering())
}

func TestReconciler_CheckoutLinksAndPromotes(t *testing.T) {
	store := memory.New()
	u := signUp(t, store, "a@b.com")
	metrics := &recordingMetrics{}
	var changes []EntitlementChange
	r := newTestReconciler(t, store, func(c *ReconcilerConfig) {
		c.Metrics = metrics
		c.OnApplied = func(_ context.Context, ch EntitlementChange) { changes = append(changes, ch) }
	})

	outcome, err := r.Apply(context.Background(), checkout("evt_1", "cus_1", "A@b.com"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got := getUser(t, store, u.ID)
	assert.True(t, got.Premium)
	assert.Equal(t, "cus_1", got.ExternalCustomerID)
	assert.Equal(t, []bool{true}, metrics.changes)
	require.Len(t, changes, 1)
	assert.False(t, changes[0].PreviousPremium)
	assert.Equal(t, KindCheckoutCompleted, changes[0].EventType)
	assert.Equal(t, "stripe", changes[0].Provider)
}

func TestReconciler_UnattributableCheckout(t *testing.T) {
	tests := []struct {
		name     string
		customer string
		email    string
	}{
		{"missing email", "cus_1", ""},
		{"missing customer", "", "a@b.com"},
		{"unknown email", "cus_1", "nobody@b.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			u := signUp(t, store, "a@b.com")
			r := newTestReconciler(t, store)

			outcome, err := r.Apply(context.Background(), checkout("evt_1", tt.customer, tt.email))
			require.NoError(t, err)
			assert.Equal(t, OutcomeDropped, outcome)

			got := getUser(t, store, u.ID)
			assert.False(t, got.Premium)
			assert.Empty(t, got.ExternalCustomerID)
		})
	}
}

func TestReconciler_CheckoutLinkConflictSurfacesError(t *testing.T) {
	store := memory.New()
	first := signUp(t, store, "a@b.com")
	second := signUp(t, store, "c@d.com")
	r := newTestReconciler(t, store)
	ctx := context.Background()

	_, err := r.Apply(ctx, checkout("evt_1", "cus_1", "a@b.com"))
	require.NoError(t, err)

	outcome, err := r.Apply(ctx, checkout("evt_2", "cus_1", "c@d.com"))
	assert.ErrorIs(t, err, storyflow.ErrCustomerLinkConflict)
	assert.Equal(t, OutcomeDropped, outcome)

	assert.False(t, getUser(t, store, second.ID).Premium)
	assert.Equal(t, "cus_1", getUser(t, store, first.ID).ExternalCustomerID)
}

func TestReconciler_SubscriptionUpdateIsIdempotent(t *testing.T) {
	store := memory.New()
	u := signUp(t, store, "a@b.com")
	r := newTestReconciler(t, store)
	ctx := context.Background()
	_, err := r.Apply(ctx, checkout("evt_1", "cus_1", "a@b.com"))
	require.NoError(t, err)

	ev := subEvent("evt_2", KindSubscriptionUpdated, "cus_1", "active", t0)
	for i := 0; i < 2; i++ {
		outcome, err := r.Apply(ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
	}

	subs, err := store.ListSubscriptions(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, storyflow.StatusActive, subs[0].Status)
	assert.Equal(t, "monthly", subs[0].Plan)
	assert.True(t, getUser(t, store, u.ID).Premium)
}

func TestReconciler_LastWriteWinsInEitherOrder(t *testing.T) {
	created := subEvent("evt_created", KindSubscriptionCreated, "cus_1", "trialing", t0)
	updated := subEvent("evt_updated", KindSubscriptionUpdated, "cus_1", "active", t0.Add(time.Minute))

	tests := []struct {
		name       string
		order      []Event
		wantStatus storyflow.SubscriptionStatus
	}{
		{"chronological", []Event{created, updated}, storyflow.StatusActive},
		{"reversed", []Event{updated, created}, storyflow.StatusTrialing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			u := signUp(t, store, "a@b.com")
			_, err := store.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
			require.NoError(t, err)
			r := newTestReconciler(t, store)

			for _, ev := range tt.order {
				_, err := r.Apply(context.Background(), ev)
				require.NoError(t, err)
			}

			sub, err := store.GetSubscription(context.Background(), "sub_1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, sub.Status)
			assert.True(t, getUser(t, store, u.ID).Premium)
		})
	}
}

func TestReconciler_LastWriteWinsDemotesOnStaleDelivery(t *testing.T) {
	store := memory.New()
	u := signUp(t, store, "a@b.com")
	_, _ = store.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
	r := newTestReconciler(t, store)
	ctx := context.Background()

	_, _ = r.Apply(ctx, subEvent("evt_2", KindSubscriptionUpdated, "cus_1", "active", t0.Add(time.Minute)))
	_, _ = r.Apply(ctx, subEvent("evt_1", KindSubscriptionUpdated, "cus_1", "canceled", t0))

	// the older event wins because it was delivered last
	assert.False(t, getUser(t, store, u.ID).Premium)
}

func TestReconciler_EventTimeOrderingSkipsStale(t *testing.T) {
	store := memory.New()
	u := signUp(t, store, "a@b.com")
	_, _ = store.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
	r := newTestReconciler(t, store, func(c *ReconcilerConfig) { c.Ordering = OrderingEventTime })
	ctx := context.Background()

	outcome, err := r.Apply(ctx, subEvent("evt_2", KindSubscriptionUpdated, "cus_1", "active", t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = r.Apply(ctx, subEvent("evt_1", KindSubscriptionCreated, "cus_1", "canceled", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)

	sub, _ := store.GetSubscription(ctx, "sub_1")
	assert.Equal(t, storyflow.StatusActive, sub.Status)
	assert.True(t, getUser(t, store, u.ID).Premium)

	outcome, err = r.Apply(ctx, subEvent("evt_3", KindSubscriptionDeleted, "cus_1", "active", t0.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.False(t, getUser(t, store, u.ID).Premium)
}

func TestReconciler_EventTimeOrderingSameSecond(t *testing.T) {
	store := memory.New()
	u := signUp(t, store, "a@b.com")
	_, _ = store.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
	r := newTestReconciler(t, store, func(c *ReconcilerConfig) { c.Ordering = OrderingEventTime })
	ctx := context.Background()

	outcome, err := r.Apply(ctx, subEvent("evt_created", KindSubscriptionCreated, "cus_1", "incomplete", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = r.Apply(ctx, subEvent("evt_updated", KindSubscriptionUpdated, "cus_1", "active", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, storyflow.StatusActive, sub.Status)
	assert.True(t, getUser(t, store, u.ID).Premium)

	// without a ledger, a redelivery of the stored event is still rejected
	outcome, err = r.Apply(ctx, subEvent("evt_updated", KindSubscriptionUpdated, "cus_1", "active", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, outcome)
}

func TestReconciler_Demotion(t *testing.T) {
	tests := []struct {
		name   string
		kind   EventKind
		status string
	}{
		{"updated canceled", KindSubscriptionUpdated, "canceled"},
		{"updated past_due", KindSubscriptionUpdated, "past_due"},
		{"updated unpaid", KindSubscriptionUpdated, "unpaid"},
		{"deleted", KindSubscriptionDeleted, "active"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			u := signUp(t, store, "a@b.com")
			metrics := &recordingMetrics{}
			r := newTestReconciler(t, store, func(c *ReconcilerConfig) { c.Metrics = metrics })
			ctx := context.Background()

			_, err := r.Apply(ctx, checkout("evt_1", "cus_1", "a@b.com"))
			require.NoError(t, err)
			require.True(t, getUser(t, store, u.ID).Premium)

			_, err = r.Apply(ctx, subEvent("evt_2", tt.kind, "cus_1", tt.status, t0))
			require.NoError(t, err)

			assert.False(t, getUser(t, store, u.ID).Premium)
			assert.Equal(t, []bool{true, false}, metrics.changes)
			if tt.kind == KindSubscriptionDeleted {
				sub, _ := store.GetSubscription(ctx, "sub_1")
				assert.Equal(t, storyflow.StatusCanceled, sub.Status)
			}
		})
	}
}

func TestReconciler_SubscriptionDrops(t *testing.T) {
	store := memory.New()
	signUp(t, store, "a@b.com")
	r := newTestReconciler(t, store)
	ctx := context.Background()

	outcome, err := r.Apply(ctx, subEvent("evt_1", KindSubscriptionUpdated, "cus_unknown", "active", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)

	outcome, err = r.Apply(ctx, subEvent("evt_2", KindSubscriptionUpdated, "", "active", t0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, outcome)

	_, err = store.GetSubscription(ctx, "sub_1")
	assert.ErrorIs(t, err, storyflow.ErrNotFound)
}

func TestReconciler_EmptyPlanDefaults(t *testing.T) {
	store := memory.New()
	signUp(t, store, "a@b.com")
	_, _ = store.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
	r := newTestReconciler(t, store)

	ev := subEvent("evt_1", KindSubscriptionCreated, "cus_1", "active", t0)
	ev.Plan = ""
	_, err := r.Apply(context.Background(), ev)
	require.NoError(t, err)

	sub, _ := store.GetSubscription(context.Background(), "sub_1")
	assert.Equal(t, storyflow.DefaultPlan, sub.Plan)
}

func TestReconciler_UnknownEventIgnored(t *testing.T) {
	r := newTestReconciler(t, memory.New())

	outcome, err := r.Apply(context.Background(), Unknown{EventMeta{ID: "evt_1", Type: "invoice.paid"}})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)

	_, err = r.Apply(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestReconciler_PartialFailureStillAttemptsBothWrites(t *testing.T) {
	mem := memory.New()
	u := signUp(t, mem, "a@b.com")
	_, _ = mem.UpsertCustomerLink(context.Background(), "a@b.com", "cus_1")
	boom := errors.New("db down")
	store := &failingStore{Storage: mem, setPremiumErr: boom}
	r := newTestReconciler(t, store)

	outcome, err := r.Apply(context.Background(), subEvent("evt_1", KindSubscriptionUpdated, "cus_1", "active", t0))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeFailed, outcome)

	sub, subErr := mem.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, subErr, "subscription record is written even though the premium write failed")
	assert.Equal(t, u.ID, sub.UserID)
}

func TestReconciler_StoreLookupFailure(t *testing.T) {
	boom := errors.New("db down")
	store := &failingStore{Storage: memory.New(), findCustomerErr: boom}
	r := newTestReconciler(t, store)

	outcome, err := r.Apply(context.Background(), subEvent("evt_1", KindSubscriptionUpdated, "cus_1", "active", t0))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, OutcomeFailed, outcome)
}

type brokenLedger struct{}

func (brokenLedger) Seen(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLedger) Record(context.Context, string) error       { return errors.New("down") }

func TestReconciler_Ledger(t *testing.T) {
	t.Run("replay is short-circuited", func(t *testing.T) {
		store := memory.New()
		signUp(t, store, "a@b.com")
		ledger := memory.NewLedger(time.Hour)
		r := newTestReconciler(t, store, func(c *ReconcilerConfig) { c.Ledger = ledger })
		ctx := context.Background()

		outcome, err := r.Apply(ctx, checkout("evt_1", "cus_1", "a@b.com"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)

		outcome, err = r.Apply(ctx, checkout("evt_1", "cus_1", "a@b.com"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	})

	t.Run("failed events are not recorded", func(t *testing.T) {
		store := &failingStore{Storage: memory.New(), findCustomerErr: errors.New("db down")}
		ledger := memory.NewLedger(time.Hour)
		r := newTestReconciler(t, store, func(c *ReconcilerConfig) { c.Ledger = ledger })

		_, err := r.Apply(context.Background(), subEvent("evt_1", KindSubscriptionUpdated, "cus_1", "active", t0))
		require.Error(t, err)
		assert.Zero(t, ledger.Len())
	})

	t.Run("ledger outage does not block reconciliation", func(t *testing.T) {
		store := memory.New()
		u := signUp(t, store, "a@b.com")
		r := newTestReconciler(t, store, func(c *ReconcilerConfig) { c.Ledger = brokenLedger{} })

		outcome, err := r.Apply(context.Background(), checkout("evt_1", "cus_1", "a@b.com"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApplied, outcome)
		assert.True(t, getUser(t, store, u.ID).Premium)
	})
}

func TestReconciler_EndToEndScenario(t *testing.T) {
	store := memory.New()
	r := newTestReconciler(t, store)
	ctx := context.Background()

	u := signUp(t, store, "a@b.com")
	assert.False(t, getUser(t, store, u.ID).Premium)

	_, err := r.Apply(ctx, checkout("evt_1", "cus_1", "a@b.com"))
	require.NoError(t, err)
	got := getUser(t, store, u.ID)
	assert.True(t, got.Premium)
	assert.Equal(t, "cus_1", got.ExternalCustomerID)

	_, err = r.Apply(ctx, subEvent("evt_2", KindSubscriptionUpdated, "cus_1", "canceled", t0.Add(time.Hour)))
	require.NoError(t, err)
	assert.False(t, getUser(t, store, u.ID).Premium)

	sub, err := store.GetSubscription(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, storyflow.StatusCanceled, sub.Status)
}
