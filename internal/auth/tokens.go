// Package auth implements authentication and the bearer-token lifecycle:
// issue on login, validate against the server-side allowlist, revoke on
// logout, block and password change.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/epam/modular-api/pkg/errors"
	"github.com/epam/modular-api/pkg/models"
	"github.com/epam/modular-api/pkg/store"
)

// Token lifetimes. Session tokens are capped at eight hours to bound the
// blast radius of a leak; service tokens live only for the duration of
// one backend call chain.
const (
	SessionTokenTTL = 8 * time.Hour
	RefreshTokenTTL = 14 * 24 * time.Hour
	ServiceTokenTTL = 5 * time.Minute
)

// Claims are the JWT claims carried by session and refresh tokens.
type Claims struct {
	Username string `json:"username"`
	Version  string `json:"version,omitempty"`
	jwt.RegisteredClaims
}

// TokenService issues HS256-signed bearer tokens and keeps the
// server-side allowlist. A presented token missing from the allowlist is
// rejected even when cryptographically well-formed.
type TokenService struct {
	store  store.Store
	secret []byte
}

// NewTokenService creates a token service signing with the server key.
func NewTokenService(st store.Store, secretKey string) *TokenService {
	return &TokenService{store: st, secret: []byte(secretKey)}
}

// Issue creates a session token for username and allowlists it.
func (s *TokenService) Issue(ctx context.Context, username string) (string, error) {
	now := time.Now().UTC()
	jti := uuid.New().String()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(SessionTokenTTL)),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	record := models.TokenRecord{
		JTI:      jti,
		Username: username,
		IssuedAt: now,
		Expires:  now.Add(SessionTokenTTL),
	}
	if err := s.store.Put(ctx, store.CollectionTokens, jti, record); err != nil {
		return "", fmt.Errorf("allowlist token: %w", err)
	}
	return signed, nil
}

// Validate parses and verifies a session token, then requires its
// allowlist record. Returns the username the token authorizes.
func (s *TokenService) Validate(ctx context.Context, token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	var record models.TokenRecord
	if err := s.store.Get(ctx, store.CollectionTokens, claims.ID, &record); err != nil {
		return "", fmt.Errorf("token %s: %w", claims.ID, errors.ErrTokenRevoked)
	}
	if record.Username != claims.Username {
		return "", fmt.Errorf("token subject mismatch: %w", errors.ErrTokenRevoked)
	}
	// Expiration alone is not trusted; stale allowlist records are
	// dropped here as well.
	if time.Now().UTC().After(record.Expires) {
		_ = s.store.Delete(ctx, store.CollectionTokens, claims.ID)
		return "", fmt.Errorf("token expired: %w", errors.ErrTokenRevoked)
	}
	return claims.Username, nil
}

// Revoke removes one token from the allowlist.
func (s *TokenService) Revoke(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, store.CollectionTokens, claims.ID); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// RevokeAll removes every allowlisted token of a user, together with the
// user's refresh token. Used by logout, block and password change.
func (s *TokenService) RevokeAll(ctx context.Context, username string) error {
	var stale []string
	err := s.store.Scan(ctx, store.CollectionTokens, func(key string, raw []byte) error {
		var record models.TokenRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return fmt.Errorf("decode token record %s: %w", key, err)
		}
		if record.Username == username {
			stale = append(stale, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan tokens: %w", err)
	}
	for _, jti := range stale {
		if err := s.store.Delete(ctx, store.CollectionTokens, jti); err != nil {
			return fmt.Errorf("delete token %s: %w", jti, err)
		}
	}
	// Refresh token removal is best-effort; there may be none.
	_ = s.store.Delete(ctx, store.CollectionRefreshTokens, username)
	return nil
}

// IssueRefresh creates a refresh token and stores its version
// server-side, replacing any previous one.
func (s *TokenService) IssueRefresh(ctx context.Context, username string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh version: %w", err)
	}
	version := hex.EncodeToString(buf)

	now := time.Now().UTC()
	claims := Claims{
		Username: username,
		Version:  version,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}

	record := models.RefreshTokenRecord{Username: username, Version: version, IssuedAt: now}
	if err := s.store.Put(ctx, store.CollectionRefreshTokens, username, record); err != nil {
		return "", fmt.Errorf("store refresh token: %w", err)
	}
	return signed, nil
}

// ValidateRefresh verifies a refresh token against the stored version.
// A version mismatch deletes the record, so a replayed old token also
// invalidates the current one.
func (s *TokenService) ValidateRefresh(ctx context.Context, token string) (string, error) {
	claims, err := s.parse(token)
	if err != nil {
		return "", err
	}
	var record models.RefreshTokenRecord
	if err := s.store.Get(ctx, store.CollectionRefreshTokens, claims.Username, &record); err != nil {
		return "", fmt.Errorf("refresh token: %w", errors.ErrTokenRevoked)
	}
	if record.Version != claims.Version {
		_ = s.store.Delete(ctx, store.CollectionRefreshTokens, claims.Username)
		return "", fmt.Errorf("refresh token version mismatch: %w", errors.ErrTokenRevoked)
	}
	return claims.Username, nil
}

// IssueServiceToken creates the short-lived inter-service token injected
// into backend calls. Service tokens are not allowlisted; their lifetime
// bounds their use.
func (s *TokenService) IssueServiceToken(username string) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ServiceTokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign service token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("parse token: %w", errors.ErrAuthenticationFailed)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.Username == "" {
		return nil, fmt.Errorf("missing username claim: %w", errors.ErrAuthenticationFailed)
	}
	return claims, nil
}
