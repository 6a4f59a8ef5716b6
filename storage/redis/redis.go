// Package redis provides a Redis implementation of the billing event ledger.
// Processed webhook event ids are stored as keys with a TTL, so the ledger is
// shared by every replica and forgets old deliveries on its own.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Ledger implements billing.EventLedger using Redis
type Ledger struct {
	client redis.UniversalClient
	config Config
}

// Config holds Redis ledger configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "storyflow:webhook:event:")
	KeyPrefix string

	// EventTTL is how long a processed event id is remembered (default: 72h)
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "storyflow:webhook:event:",
		EventTTL:  72 * time.Hour,
	}
}

// New creates a new Redis ledger.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.EventTTL <= 0 {
		config.EventTTL = defaults.EventTTL
	}

	return &Ledger{client: client, config: config}, nil
}

// NewFromURL connects to the server at a redis:// URL and verifies it answers
func NewFromURL(ctx context.Context, url string, config Config) (*Ledger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return New(client, config)
}

func (l *Ledger) key(eventID string) string {
	return l.config.KeyPrefix + eventID
}

// Seen implements billing.EventLedger
func (l *Ledger) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Record implements billing.EventLedger. Recording an id again refreshes its TTL.
func (l *Ledger) Record(ctx context.Context, eventID string) error {
	processedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if err := l.client.Set(ctx, l.key(eventID), processedAt, l.config.EventTTL).Err(); err != nil {
		return fmt.Errorf("failed to record event %s: %w", eventID, err)
	}
	return nil
}

// Ping checks that the server answers
func (l *Ledger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the underlying client
func (l *Ledger) Close() error {
	return l.client.Close()
}
