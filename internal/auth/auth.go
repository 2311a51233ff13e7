package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/epam/modular-api/internal/identity"
	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
)

// UserSource yields users by name.
type UserSource interface {
	Get(ctx context.Context, username string) (*models.User, error)
}

// Authenticator resolves HTTP credentials, basic or bearer, to a user.
type Authenticator struct {
	users  UserSource
	tokens *TokenService
}

// NewAuthenticator creates a new authenticator.
func NewAuthenticator(users UserSource, tokens *TokenService) *Authenticator {
	return &Authenticator{users: users, tokens: tokens}
}

// Login verifies basic credentials and returns the user. Blocked users
// fail with their state reason.
func (a *Authenticator) Login(ctx context.Context, username, password string) (*models.User, error) {
	u, err := a.users.Get(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("unknown user: %w", errors.ErrAuthenticationFailed)
	}
	if !identity.CheckPassword(u.PasswordHash, password) {
		return nil, fmt.Errorf("bad credentials: %w", errors.ErrAuthenticationFailed)
	}
	if u.Blocked() {
		return nil, fmt.Errorf("%s: %w", u.StateReason, errors.ErrBlockedUser)
	}
	return u, nil
}

// Check resolves username to a user that is allowed to authenticate.
// Used by the refresh flow where no password is presented.
func (a *Authenticator) Check(ctx context.Context, username string) (*models.User, error) {
	u, err := a.users.Get(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("unknown user: %w", errors.ErrAuthenticationFailed)
	}
	if u.Blocked() {
		return nil, fmt.Errorf("%s: %w", u.StateReason, errors.ErrBlockedUser)
	}
	return u, nil
}

// Authenticate resolves the request's Authorization header to a user.
// Bearer tokens are validated against the allowlist; basic credentials
// go through Login.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*models.User, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("missing authorization header: %w", errors.ErrAuthenticationFailed)
	}

	scheme, value, ok := strings.Cut(header, " ")
	if !ok {
		return nil, fmt.Errorf("malformed authorization header: %w", errors.ErrAuthenticationFailed)
	}
	switch {
	case strings.EqualFold(scheme, "bearer"):
		username, err := a.tokens.Validate(ctx, value)
		if err != nil {
			return nil, err
		}
		u, err := a.users.Get(ctx, username)
		if err != nil {
			return nil, fmt.Errorf("token user missing: %w", errors.ErrAuthenticationFailed)
		}
		if u.Blocked() {
			return nil, fmt.Errorf("%s: %w", u.StateReason, errors.ErrBlockedUser)
		}
		return u, nil
	case strings.EqualFold(scheme, "basic"):
		username, password, ok := r.BasicAuth()
		if !ok {
			return nil, fmt.Errorf("malformed basic credentials: %w", errors.ErrAuthenticationFailed)
		}
		return a.Login(ctx, username, password)
	default:
		return nil, fmt.Errorf("unsupported authorization scheme %q: %w",
			scheme, errors.ErrAuthenticationFailed)
	}
}
