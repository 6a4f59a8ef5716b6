package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/storyflow/pkg/storyflow"
)

func TestPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter22", hash)

	assert.True(t, VerifyPassword("hunter22", hash))
	assert.False(t, VerifyPassword("hunter23", hash))
	assert.False(t, VerifyPassword("hunter22", ""))
	assert.False(t, VerifyPassword("hunter22", "not-a-bcrypt-hash"))

	again, err := HashPassword("hunter22")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "hashes are salted")

	_, err = HashPassword("")
	assert.Error(t, err)
}

func TestPasswordLimits(t *testing.T) {
	assert.True(t, ValidPassword("secret"))
	assert.True(t, ValidPassword(strings.Repeat("a", MaxPasswordBytes)))
	assert.False(t, ValidPassword("short"))
	assert.False(t, ValidPassword("ééééé"), "five characters is too short whatever the byte count")
	assert.True(t, ValidPassword(strings.Repeat("é", 36)))
	assert.False(t, ValidPassword(strings.Repeat("é", 37)), "74 bytes exceeds bcrypt's limit")

	_, err := HashPassword(strings.Repeat("é", 40))
	assert.ErrorIs(t, err, storyflow.ErrValidation)
}

func newManager(t *testing.T, now func() time.Time) *SessionManager {
	t.Helper()
	m, err := NewSessionManager(SessionConfig{Secret: []byte("test-secret"), Now: now})
	require.NoError(t, err)
	return m
}

func TestSession_IssueAndVerify(t *testing.T) {
	m := newManager(t, nil)

	token, err := m.Issue(storyflow.Identity{UserID: "u_1", Email: "a@b.com"})
	require.NoError(t, err)

	id, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u_1", id.UserID)
	assert.Equal(t, "a@b.com", id.Email)
}

func TestSession_VerifyRejects(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := newManager(t, func() time.Time { return now })
	token, err := m.Issue(storyflow.Identity{UserID: "u_1", Email: "a@b.com"})
	require.NoError(t, err)

	other, err := NewSessionManager(SessionConfig{Secret: []byte("other-secret")})
	require.NoError(t, err)
	foreign, err := other.Issue(storyflow.Identity{UserID: "u_1"})
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u_1"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not.a.token"},
		{"tampered", tampered},
		{"wrong secret", foreign},
		{"alg none", unsigned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := m.Verify(tt.token)
			assert.Nil(t, id)
			assert.ErrorIs(t, err, storyflow.ErrUnauthorized)
		})
	}

	t.Run("expired", func(t *testing.T) {
		now = now.Add(DefaultTTL + time.Minute)
		_, err := m.Verify(token)
		assert.ErrorIs(t, err, storyflow.ErrUnauthorized)
	})
}

func TestSession_Cookie(t *testing.T) {
	m, err := NewSessionManager(SessionConfig{Secret: []byte("s"), Secure: true})
	require.NoError(t, err)
	token, _ := m.Issue(storyflow.Identity{UserID: "u_1"})

	w := httptest.NewRecorder()
	m.SetCookie(w, token)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, CookieName, c.Name)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, 7*24*60*60, c.MaxAge)

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.AddCookie(c)
	id, err := m.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "u_1", id.UserID)

	_, err = m.FromRequest(httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.ErrorIs(t, err, storyflow.ErrUnauthorized)

	w = httptest.NewRecorder()
	m.ClearCookie(w)
	cleared := w.Result().Cookies()[0]
	assert.Equal(t, CookieName, cleared.Name)
	assert.Empty(t, cleared.Value)
	assert.Less(t, cleared.MaxAge, 0)
}

func TestNewSessionManager_RequiresSecret(t *testing.T) {
	_, err := NewSessionManager(SessionConfig{})
	assert.Error(t, err)
}
