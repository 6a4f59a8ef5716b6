package storyflow

import "context"

// UserStore persists accounts
type UserStore interface {
	// CreateUser inserts a new user. Returns ErrEmailTaken if the email exists.
	CreateUser(ctx context.Context, user *User) error

	// GetUserByID returns ErrNotFound if no user has this id
	GetUserByID(ctx context.Context, id string) (*User, error)

	// GetUserByEmail matches the email case-insensitively
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// EntitlementStore is the persisted entitlement state. Every write is an
// idempotent upsert keyed by a stable identifier, so re-applying the same
// values is a no-op.
type EntitlementStore interface {
	// UpsertCustomerLink links externalCustomerID to the user with this email and
	// returns the user as it was before any premium change.
	// Re-linking the same id is a no-op. Returns ErrNotFound when no user has the
	// email and ErrCustomerLinkConflict when either side is already linked elsewhere.
	UpsertCustomerLink(ctx context.Context, email, externalCustomerID string) (*User, error)

	// SetPremium sets the entitlement flag. Returns ErrNotFound for unknown users.
	SetPremium(ctx context.Context, userID string, premium bool) error

	// UpsertSubscription updates the record with sub.ExternalID or inserts it
	UpsertSubscription(ctx context.Context, sub *Subscription) error

	// UpsertSubscriptionIfNewer behaves like UpsertSubscription but only writes when
	// the stored record's Supersedes(sub.EventAt, sub.EventID) holds. The comparison
	// and the write are atomic. Returns whether the record was written.
	UpsertSubscriptionIfNewer(ctx context.Context, sub *Subscription) (bool, error)

	// GetSubscription returns ErrNotFound if the external id is unknown
	GetSubscription(ctx context.Context, externalID string) (*Subscription, error)

	// ListSubscriptions returns a user's records, most recently updated first
	ListSubscriptions(ctx context.Context, userID string) ([]*Subscription, error)

	// FindUserByExternalCustomerID returns ErrNotFound if no user is linked to the id
	FindUserByExternalCustomerID(ctx context.Context, externalCustomerID string) (*User, error)
}

// ContentStore persists stories and ratings
type ContentStore interface {
	CreateStory(ctx context.Context, story *Story) error

	// GetStory returns ErrNotFound if the story does not exist
	GetStory(ctx context.Context, id string) (*Story, error)

	// ListStories returns matching stories, newest first
	ListStories(ctx context.Context, filter StoryFilter) ([]*Story, error)

	// UpsertRating stores one score per (user, story) and returns the new aggregate
	UpsertRating(ctx context.Context, rating Rating) (RatingSummary, error)
}

// Storage is the full data-access surface of the service
type Storage interface {
	UserStore
	EntitlementStore
	ContentStore

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
}
