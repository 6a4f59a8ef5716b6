// Package http provides net/http middleware that resolves the session identity
package http

import (
	"context"
	"net/http"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

// IdentityResolver extracts and verifies the caller's identity from a request.
// It returns an error when the request carries no valid session.
// *auth.SessionManager implements it.
type IdentityResolver interface {
	FromRequest(r *http.Request) (*storyflow.Identity, error)
}

// Config holds middleware configuration
type Config struct {
	// Sessions resolves the identity (required)
	Sessions IdentityResolver

	// OnUnauthorized is called when RequireAuth rejects a request.
	// If nil, returns 401 with a JSON error body.
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// IdentityKey is the context key for the resolved *storyflow.Identity
	IdentityKey ContextKey = "storyflow:identity"
)

// WithIdentity returns a copy of ctx carrying id
func WithIdentity(ctx context.Context, id *storyflow.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// IdentityFromContext returns the identity attached by RequireAuth or
// OptionalAuth. It returns nil and false for anonymous requests.
func IdentityFromContext(ctx context.Context) (*storyflow.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(*storyflow.Identity)
	return id, ok && id != nil
}

// RequireAuth rejects requests without a valid session and attaches the
// identity to the request context otherwise
func RequireAuth(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := config.Sessions.FromRequest(r)
			if err != nil || id == nil {
				if config.OnUnauthorized != nil {
					config.OnUnauthorized(w, r)
				} else {
					writeUnauthorized(w)
				}
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// OptionalAuth attaches the identity when the session is valid and otherwise
// continues anonymously. It never rejects.
func OptionalAuth(config Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if id, err := config.Sessions.FromRequest(r); err == nil && id != nil {
				r = r.WithContext(WithIdentity(r.Context(), id))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}
