package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

// UpsertCustomerLink implements storyflow.EntitlementStore.
// The user row is locked so concurrent checkouts for one email cannot both link.
func (s *Storage) UpsertCustomerLink(ctx context.Context, email, externalCustomerID string) (*storyflow.User, error) {
	if externalCustomerID == "" {
		return nil, fmt.Errorf("%w: external customer id is required", storyflow.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	before, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1 FOR UPDATE`, normalizeEmail(email)))
	if err == storyflow.ErrNotFound {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock user: %w", err)
	}

	if before.ExternalCustomerID == externalCustomerID {
		return before, nil
	}
	if before.ExternalCustomerID != "" {
		return nil, storyflow.ErrCustomerLinkConflict
	}

	_, err = tx.Exec(ctx,
		`UPDATE users SET external_customer_id = $2, updated_at = $3 WHERE id = $1`,
		before.ID, externalCustomerID, time.Now().UTC())
	if isPgCode(err, codeUniqueViolation) {
		return nil, storyflow.ErrCustomerLinkConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to link customer: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit customer link: %w", err)
	}
	return before, nil
}

// SetPremium implements storyflow.EntitlementStore
func (s *Storage) SetPremium(ctx context.Context, userID string, premium bool) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`WITH updated AS (
				UPDATE users SET premium = $2, updated_at = $3
				WHERE id = $1 AND premium IS DISTINCT FROM $2
				RETURNING 1)
			SELECT EXISTS (SELECT 1 FROM updated) OR EXISTS (SELECT 1 FROM users WHERE id = $1)`,
		userID, premium, time.Now().UTC()).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to set premium: %w", err)
	}
	if !exists {
		return storyflow.ErrNotFound
	}
	return nil
}

func validateSubscription(sub *storyflow.Subscription) error {
	if sub == nil || sub.ExternalID == "" || sub.UserID == "" {
		return fmt.Errorf("%w: subscription requires external id and user id", storyflow.ErrValidation)
	}
	return nil
}

const upsertSubscriptionSQL = `
	INSERT INTO subscriptions (external_id, user_id, status, plan, event_at, event_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (external_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			status = EXCLUDED.status,
			plan = EXCLUDED.plan,
			event_at = EXCLUDED.event_at,
			event_id = EXCLUDED.event_id,
			updated_at = EXCLUDED.updated_at`

// UpsertSubscription implements storyflow.EntitlementStore
func (s *Storage) UpsertSubscription(ctx context.Context, sub *storyflow.Subscription) error {
	if err := validateSubscription(sub); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, upsertSubscriptionSQL,
		sub.ExternalID, sub.UserID, string(sub.Status), sub.Plan, sub.EventAt, sub.EventID, time.Now().UTC())
	if isPgCode(err, codeForeignKeyViolation) {
		return storyflow.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// UpsertSubscriptionIfNewer implements storyflow.EntitlementStore.
// The conditional upsert is a single statement, so the comparison and the
// write cannot interleave with another delivery. The WHERE clause mirrors
// storyflow.Subscription.Supersedes.
func (s *Storage) UpsertSubscriptionIfNewer(ctx context.Context, sub *storyflow.Subscription) (bool, error) {
	if err := validateSubscription(sub); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, upsertSubscriptionSQL+`
			WHERE subscriptions.event_at < EXCLUDED.event_at
				OR (subscriptions.event_at = EXCLUDED.event_at
					AND EXCLUDED.event_id <> ''
					AND EXCLUDED.event_id <> subscriptions.event_id)`,
		sub.ExternalID, sub.UserID, string(sub.Status), sub.Plan, sub.EventAt, sub.EventID, time.Now().UTC())
	if isPgCode(err, codeForeignKeyViolation) {
		return false, storyflow.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const subscriptionColumns = `external_id, user_id, status, plan, event_at, event_id, created_at, updated_at`

func scanSubscription(row pgx.Row) (*storyflow.Subscription, error) {
	var sub storyflow.Subscription
	var status string
	err := row.Scan(&sub.ExternalID, &sub.UserID, &status, &sub.Plan,
		&sub.EventAt, &sub.EventID, &sub.CreatedAt, &sub.UpdatedAt)
	if isNoRows(err) {
		return nil, storyflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Status = storyflow.SubscriptionStatus(status)
	return &sub, nil
}

// GetSubscription implements storyflow.EntitlementStore
func (s *Storage) GetSubscription(ctx context.Context, externalID string) (*storyflow.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_id = $1`, externalID))
	if err != nil && err != storyflow.ErrNotFound {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, err
}

// ListSubscriptions implements storyflow.EntitlementStore
func (s *Storage) ListSubscriptions(ctx context.Context, userID string) ([]*storyflow.Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
			WHERE user_id = $1 ORDER BY updated_at DESC, external_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*storyflow.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// FindUserByExternalCustomerID implements storyflow.EntitlementStore
func (s *Storage) FindUserByExternalCustomerID(ctx context.Context, externalCustomerID string) (*storyflow.User, error) {
	if externalCustomerID == "" {
		return nil, storyflow.ErrNotFound
	}
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE external_customer_id = $1`, externalCustomerID))
	if err != nil && err != storyflow.ErrNotFound {
		return nil, fmt.Errorf("failed to find user by customer: %w", err)
	}
	return u, err
}
