package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epam/modular-api/internal/identity"
	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/tests/testutil"
	"github.com/epam/modular-api/tests/testutil/inmemory"
)

func newAuthenticator(t *testing.T) (*Authenticator, *identity.UserService, *TokenService) {
	t.Helper()
	st := inmemory.NewStore()
	integrity := identity.NewIntegrity("test-secret")
	policies := identity.NewPolicyService(st, integrity)
	groups := identity.NewGroupService(st, policies, integrity)
	tokens := NewTokenService(st, "test-signing-key")
	users := identity.NewUserService(st, groups, integrity, tokens)
	return NewAuthenticator(users, tokens), users, tokens
}

func TestAuthenticatorLogin(t *testing.T) {
	ctx := testutil.TestContext(t)
	authn, users, _ := newAuthenticator(t)
	_, _, err := users.Create(ctx, "alice", "s3cret-password", nil)
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		u, err := authn.Login(ctx, "alice", "s3cret-password")
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := authn.Login(ctx, "alice", "wrong")
		assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := authn.Login(ctx, "mallory", "s3cret-password")
		assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	})

	t.Run("blocked user", func(t *testing.T) {
		_, err := users.Block(ctx, "alice", "offboarded")
		require.NoError(t, err)
		_, err = authn.Login(ctx, "alice", "s3cret-password")
		assert.ErrorIs(t, err, errors.ErrBlockedUser)
	})
}

func TestAuthenticatorAuthenticate(t *testing.T) {
	ctx := testutil.TestContext(t)
	authn, users, tokens := newAuthenticator(t)
	_, _, err := users.Create(ctx, "alice", "s3cret-password", nil)
	require.NoError(t, err)

	t.Run("basic scheme", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/m3/tenant/describe", nil)
		r.SetBasicAuth("alice", "s3cret-password")
		u, err := authn.Authenticate(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)
	})

	t.Run("bearer scheme", func(t *testing.T) {
		token, err := tokens.Issue(ctx, "alice")
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/m3/tenant/describe", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		u, err := authn.Authenticate(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, "alice", u.Username)
	})

	t.Run("missing header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/m3/tenant/describe", nil)
		_, err := authn.Authenticate(ctx, r)
		assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/m3/tenant/describe", nil)
		r.Header.Set("Authorization", "Digest abc")
		_, err := authn.Authenticate(ctx, r)
		assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	})

	t.Run("blocking cuts off live bearer tokens", func(t *testing.T) {
		token, err := tokens.Issue(ctx, "alice")
		require.NoError(t, err)
		_, err = users.Block(ctx, "alice", "offboarded")
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/m3/tenant/describe", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		_, err = authn.Authenticate(ctx, r)
		assert.ErrorIs(t, err, errors.ErrTokenRevoked)
	})
}

func TestAuthenticatorCheck(t *testing.T) {
	ctx := testutil.TestContext(t)
	authn, users, _ := newAuthenticator(t)
	_, _, err := users.Create(ctx, "alice", "s3cret-password", nil)
	require.NoError(t, err)

	u, err := authn.Check(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)

	_, err = authn.Check(ctx, "mallory")
	assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)

	_, err = users.Block(ctx, "alice", "offboarded")
	require.NoError(t, err)
	_, err = authn.Check(ctx, "alice")
	assert.ErrorIs(t, err, errors.ErrBlockedUser)
}
