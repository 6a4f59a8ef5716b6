package billing

import "context"

// EventLedger remembers which webhook event ids were already reconciled.
// It is an optimization on top of the idempotent store upserts, so
// implementations may expire entries.
type EventLedger interface {
	// Seen reports whether the event id was recorded before
	Seen(ctx context.Context, eventID string) (bool, error)

	// Record marks the event id as reconciled
	Record(ctx context.Context, eventID string) error
}
