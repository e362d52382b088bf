package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestWithCookie(name, value string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if name != "" {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
	return r
}

func TestCookieAuthenticator_RoundTrip(t *testing.T) {
	a := NewCookieAuthenticator([]byte("test-secret"))

	token, err := a.Mint("alice", "Alice", time.Minute)
	require.NoError(t, err)

	identity, err := a.Authenticate(requestWithCookie(a.CookieName(), token))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, "Alice", identity.DisplayName)
}

func TestCookieAuthenticator_MissingCookie(t *testing.T) {
	a := NewCookieAuthenticator([]byte("test-secret"))

	_, err := a.Authenticate(requestWithCookie("", ""))
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestCookieAuthenticator_Expired(t *testing.T) {
	a := NewCookieAuthenticator([]byte("test-secret"))

	token, err := a.Mint("alice", "Alice", -time.Minute)
	require.NoError(t, err)

	_, err = a.Authenticate(requestWithCookie(a.CookieName(), token))
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestCookieAuthenticator_WrongSecret(t *testing.T) {
	issuer := NewCookieAuthenticator([]byte("secret-a"))
	verifier := NewCookieAuthenticator([]byte("secret-b"))

	token, err := issuer.Mint("alice", "Alice", time.Minute)
	require.NoError(t, err)

	_, err = verifier.Authenticate(requestWithCookie(verifier.CookieName(), token))
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestCookieAuthenticator_FieldConstraints(t *testing.T) {
	a := NewCookieAuthenticator([]byte("test-secret"))

	t.Run("昵称 trim 后为空拒绝", func(t *testing.T) {
		token, err := a.Mint("alice", "   ", time.Minute)
		require.NoError(t, err)
		_, err = a.Authenticate(requestWithCookie(a.CookieName(), token))
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("超长 user_id 拒绝", func(t *testing.T) {
		token, err := a.Mint(strings.Repeat("x", 129), "Alice", time.Minute)
		require.NoError(t, err)
		_, err = a.Authenticate(requestWithCookie(a.CookieName(), token))
		assert.ErrorIs(t, err, ErrInvalidCredential)
	})

	t.Run("昵称两侧空白被 trim", func(t *testing.T) {
		token, err := a.Mint("alice", "  Alice  ", time.Minute)
		require.NoError(t, err)
		identity, err := a.Authenticate(requestWithCookie(a.CookieName(), token))
		require.NoError(t, err)
		assert.Equal(t, "Alice", identity.DisplayName)
	})
}

func TestCookieAuthenticator_CustomCookieName(t *testing.T) {
	a := NewCookieAuthenticator([]byte("test-secret"), WithCookieName("chat_session"))

	token, err := a.Mint("alice", "Alice", time.Minute)
	require.NoError(t, err)

	// 名字对不上视为缺失凭证
	_, err = a.Authenticate(requestWithCookie(DefaultCookieName, token))
	assert.ErrorIs(t, err, ErrMissingCredential)

	identity, err := a.Authenticate(requestWithCookie("chat_session", token))
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
}
