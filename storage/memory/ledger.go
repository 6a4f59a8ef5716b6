package memory

import (
	"context"
	"sync"
	"time"
)

// pruneEvery is the number of Record calls between sweeps of expired entries
const pruneEvery = 256

// Ledger is an in-process webhook event ledger with per-entry expiry
type Ledger struct {
	mu      sync.Mutex
	entries map[string]time.Time // event id -> expiry
	ttl     time.Duration
	now     func() time.Time
	records int // since the last sweep
}

// NewLedger creates a ledger that forgets event ids after ttl. A non-positive ttl keeps them forever.
func NewLedger(ttl time.Duration) *Ledger {
	return &Ledger{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Seen reports whether the event id was recorded and has not expired
func (l *Ledger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.entries[eventID]
	if !ok {
		return false, nil
	}
	if !expiresAt.IsZero() && !l.now().Before(expiresAt) {
		delete(l.entries, eventID)
		return false, nil
	}
	return true, nil
}

// Record marks the event id as reconciled
func (l *Ledger) Record(_ context.Context, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var expiresAt time.Time
	if l.ttl > 0 {
		expiresAt = now.Add(l.ttl)
		l.records++
		if l.records >= pruneEvery {
			l.pruneLocked(now)
			l.records = 0
		}
	}
	l.entries[eventID] = expiresAt
	return nil
}

func (l *Ledger) pruneLocked(now time.Time) {
	for id, expiresAt := range l.entries {
		if !expiresAt.IsZero() && !now.Before(expiresAt) {
			delete(l.entries, id)
		}
	}
}

// Len returns the number of tracked event ids
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
