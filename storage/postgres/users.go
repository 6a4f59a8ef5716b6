package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const userColumns = `id, email, name, password_hash, premium, COALESCE(external_customer_id, ''), created_at, updated_at`

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func scanUser(row pgx.Row) (*storyflow.User, error) {
	var u storyflow.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Premium,
		&u.ExternalCustomerID, &u.CreatedAt, &u.UpdatedAt)
	if isNoRows(err) {
		return nil, storyflow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// nullable stores empty strings as NULL so unique indexes ignore them
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateUser implements storyflow.UserStore
func (s *Storage) CreateUser(ctx context.Context, user *storyflow.User) error {
	if user == nil || normalizeEmail(user.Email) == "" {
		return fmt.Errorf("%w: user email is required", storyflow.ErrValidation)
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	user.Email = normalizeEmail(user.Email)
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, password_hash, premium, external_customer_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		user.ID, user.Email, user.Name, user.PasswordHash, user.Premium,
		nullable(user.ExternalCustomerID), user.CreatedAt, user.UpdatedAt)
	switch uniqueConstraint(err) {
	case "":
	case "users_email_key":
		return storyflow.ErrEmailTaken
	case "users_external_customer_id_key":
		return storyflow.ErrCustomerLinkConflict
	default:
		return fmt.Errorf("%w: user id %s", storyflow.ErrConflict, user.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID implements storyflow.UserStore
func (s *Storage) GetUserByID(ctx context.Context, id string) (*storyflow.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil && err != storyflow.ErrNotFound {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, err
}

// GetUserByEmail implements storyflow.UserStore
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*storyflow.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email)))
	if err != nil && err != storyflow.ErrNotFound {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return u, err
}
