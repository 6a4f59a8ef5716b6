// Package postgres provides a PostgreSQL implementation of the storyflow.Storage interface.
// Entitlement writes that must be atomic (customer linking, ordered subscription
// upserts, rating aggregates) run in transactions with SELECT FOR UPDATE.
// The storage also keeps the processed webhook event ledger.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Storage implements storyflow.Storage and billing.EventLedger using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger storyflow.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate applies the embedded schema migrations on New
	Migrate bool

	// Cleanup configuration for the webhook event ledger
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	EventTTL        time.Duration // How long processed event ids are remembered

	Logger storyflow.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		Migrate:         true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventTTL:        72 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", storyflow.ErrStorageUnavailable, err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
		logger: config.Logger,
	}
	if s.logger == nil {
		s.logger = &storyflow.NoopLogger{}
	}

	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.stopCleanup = cancel
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// gooseUp is replaceable in tests
var gooseUp = func(ctx context.Context, s *Storage) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// Migrate applies the embedded schema migrations
func (s *Storage) Migrate(ctx context.Context) error {
	if err := gooseUp(ctx, s); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping implements storyflow.Storage
func (s *Storage) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", storyflow.ErrStorageUnavailable, err)
	}
	return nil
}

// startCleanup periodically forgets processed webhook events older than EventTTL
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("webhook event ledger cleanup failed", storyflow.F("error", err.Error()))
			}
		}
	}
}

// Cleanup deletes processed webhook events older than the configured TTL
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.EventTTL <= 0 {
		return nil
	}
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	tag, err := s.pool.Exec(ctx, `DELETE FROM webhook_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to clean up webhook events: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Debug("webhook event ledger cleaned", storyflow.F("deleted", n))
	}
	return nil
}

// Seen implements billing.EventLedger
func (s *Storage) Seen(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// Record implements billing.EventLedger
func (s *Storage) Record(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_events (event_id, processed_at) VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func isPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func uniqueConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return pgErr.ConstraintName
	}
	return ""
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// rollback ends a transaction that was not committed
func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
