package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mihaimyh/storyflow/pkg/auth"
	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

const messageBadCredentials = "Invalid email or password"

// Signup creates an account without entitlement and starts a session
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.config.Now().UTC()
	user := &storyflow.User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(req.Email),
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.config.Store.CreateUser(r.Context(), user); err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.startSession(w, user); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("user signed up", storyflow.F("user_id", user.ID))
	h.respond(w, http.StatusOK, userEnvelope{User: newUserResponse(user, false)})
}

// Login verifies credentials and starts a session
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	user, err := h.config.Store.GetUserByEmail(r.Context(), normalizeEmail(req.Email))
	if err != nil {
		if errors.Is(err, storyflow.ErrNotFound) {
			h.respond(w, http.StatusUnauthorized, errorResponse{Error: messageBadCredentials})
			return
		}
		h.writeError(w, r, err)
		return
	}
	// identity-less accounts have no hash and never match
	if !user.HasCredential() || !auth.VerifyPassword(req.Password, user.PasswordHash) {
		h.respond(w, http.StatusUnauthorized, errorResponse{Error: messageBadCredentials})
		return
	}

	if err := h.startSession(w, user); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, http.StatusOK, userEnvelope{User: newUserResponse(user, false)})
}

// Logout clears the session cookie
func (h *Handler) Logout(w http.ResponseWriter, _ *http.Request) {
	h.config.Sessions.ClearCookie(w)
	h.respond(w, http.StatusOK, map[string]bool{"ok": true})
}

// Me returns the caller's account with the entitlement flag as currently
// stored, or a null user for anonymous callers
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id == nil {
		h.respond(w, http.StatusOK, userEnvelope{})
		return
	}
	user, err := h.config.Store.GetUserByID(r.Context(), id.UserID)
	if err != nil {
		if !errors.Is(err, storyflow.ErrNotFound) {
			h.logger.Warn("session user lookup failed",
				storyflow.F("user_id", id.UserID), storyflow.F("error", err.Error()))
		}
		h.respond(w, http.StatusOK, userEnvelope{})
		return
	}
	h.respond(w, http.StatusOK, userEnvelope{User: newUserResponse(user, true)})
}

func (h *Handler) startSession(w http.ResponseWriter, user *storyflow.User) error {
	token, err := h.config.Sessions.Issue(storyflow.Identity{UserID: user.ID, Email: user.Email})
	if err != nil {
		return err
	}
	h.config.Sessions.SetCookie(w, token)
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
