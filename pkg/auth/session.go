package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const (
	// CookieName is the session cookie
	CookieName = "sf_token"

	// DefaultTTL is the session lifetime
	DefaultTTL = 7 * 24 * time.Hour

	issuer = "storyflow"
)

// Claims is the signed session payload
type Claims struct {
	UserID string `json:"uid"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// SessionConfig configures a SessionManager
type SessionConfig struct {
	// Secret signs tokens with HS256. Required.
	Secret []byte

	// TTL defaults to 7 days
	TTL time.Duration

	// Secure marks the cookie https-only (production)
	Secure bool

	// Now is used for issuing and validating; defaults to time.Now
	Now func() time.Time
}

// SessionManager issues and verifies session tokens and manages the cookie
type SessionManager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
	parser *jwt.Parser
}

// NewSessionManager creates a SessionManager
func NewSessionManager(cfg SessionConfig) (*SessionManager, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	m := &SessionManager{
		secret: cfg.Secret,
		ttl:    cfg.TTL,
		secure: cfg.Secure,
		now:    cfg.Now,
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(m.now),
	)
	return m, nil
}

// TTL returns the session lifetime
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Issue signs a token for the identity
func (m *SessionManager) Issue(id storyflow.Identity) (string, error) {
	if id.UserID == "" {
		return "", errors.New("session requires a user id")
	}
	now := m.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: id.UserID,
		Email:  id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// Verify returns the identity carried by a valid token. Any malformed,
// expired or badly signed token yields storyflow.ErrUnauthorized.
func (m *SessionManager) Verify(token string) (*storyflow.Identity, error) {
	if token == "" {
		return nil, storyflow.ErrUnauthorized
	}

	claims := &Claims{}
	parsed, err := m.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil || !parsed.Valid || claims.UserID == "" {
		return nil, storyflow.ErrUnauthorized
	}
	return &storyflow.Identity{UserID: claims.UserID, Email: claims.Email}, nil
}

// FromRequest verifies the session cookie of r
func (m *SessionManager) FromRequest(r *http.Request) (*storyflow.Identity, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil, storyflow.ErrUnauthorized
	}
	return m.Verify(cookie.Value)
}

// SetCookie writes the session cookie
func (m *SessionManager) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(m.ttl / time.Second),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearCookie expires the session cookie
func (m *SessionManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}
