package auth_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/realtime/internal/apperr"
	"github.com/adred-codev/realtime/internal/auth"
)

func TestJWTVerifier_RoundTrip(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	v := auth.NewJWTVerifier("secret", time.Hour, mock)

	token, err := v.Generate(auth.Identity{UserID: "u1", Username: "alice"})
	require.NoError(t, err)

	claims, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{UserID: "u1", Username: "alice", DisplayName: "alice"}, claims.Identity())

	mock.Add(2 * time.Hour)
	_, err = v.Verify(token)
	assert.Error(t, err, "expired")

	other := auth.NewJWTVerifier("other-secret", time.Hour, mock)
	_, err = other.Verify(token)
	assert.Error(t, err, "wrong key")
}

func TestAuthenticator(t *testing.T) {
	v := auth.NewJWTVerifier("secret", time.Hour, nil)
	token, err := v.Generate(auth.Identity{UserID: "u1", Username: "alice", DisplayName: "Alice"})
	require.NoError(t, err)

	t.Run("query token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		id, err := auth.NewAuthenticator(v, false).Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "Alice", id.DisplayName)
	})

	t.Run("bearer header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		id, err := auth.NewAuthenticator(v, false).Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "u1", id.UserID)
	})

	t.Run("missing token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		_, err := auth.NewAuthenticator(v, false).Authenticate(r)
		assert.ErrorIs(t, err, apperr.ErrAuthentication)
	})

	t.Run("bad token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=garbage", nil)
		_, err := auth.NewAuthenticator(v, false).Authenticate(r)
		assert.ErrorIs(t, err, apperr.ErrAuthentication)
		assert.Equal(t, apperr.CodeAuthenticationFailed, apperr.CodeOf(err))
	})

	t.Run("gateway headers only when trusted", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set(auth.HeaderUserID, "u9")
		r.Header.Set(auth.HeaderUsername, "gw")

		id, err := auth.NewAuthenticator(nil, true).Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, auth.Identity{UserID: "u9", Username: "gw", DisplayName: "gw"}, id)

		_, err = auth.NewAuthenticator(v, false).Authenticate(r)
		assert.ErrorIs(t, err, apperr.ErrAuthentication)
	})
}

func TestStaticAuthorizer(t *testing.T) {
	a := auth.NewStaticAuthorizer([]string{"mod"})
	user := auth.Identity{UserID: "u1"}
	mod := auth.Identity{UserID: "mod"}

	assert.True(t, a.CanConnect(user, "c1"))
	assert.True(t, a.CanSpeak(user, "c1"))
	assert.False(t, a.CanManage(user, "c1"))
	assert.False(t, a.CanModerate(user))
	assert.True(t, a.CanModerate(mod))

	a.CloseChannel("c1")
	assert.False(t, a.CanConnect(user, "c1"))
	assert.True(t, a.CanConnect(mod, "c1"))
}
