// Package auth handles sign-in for the dashboard: the Spotify OAuth flow, the
// session cookie that follows it, and encryption of the provider tokens we keep.
//
// SESSION FLOW:
//  1. /auth/spotify/login redirects to Spotify with a random state cookie
//  2. Spotify calls back with a code; we exchange it and fetch /v1/me
//  3. The identity service links the Spotify account to an internal owner id
//  4. We sign a short JWT whose subject is that owner id and set it as the
//     HttpOnly "token" cookie
//  5. RequireAuth validates the cookie on every /api/me and /api/preferences call
//
// WHY JWT?
// The session only has to carry one thing, the owner id, and the server can
// verify it with the HMAC secret alone. No session table to keep in sync with
// identity deletion: a deleted owner's token still validates, but every lookup
// behind it returns not-found.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sakif/nowplaying/internal/model"
)

const issuer = "nowplaying"

// DefaultSessionTTL applies when the config leaves session.ttl unset.
const DefaultSessionTTL = 24 * time.Hour

// TokenService signs and verifies session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. A ttl <= 0 means DefaultSessionTTL.
// Generate a secret with: openssl rand -hex 32
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// TTL is how long issued tokens live; the cookie MaxAge matches it.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// claims is the JWT payload. "sub" carries the canonical owner id.
type claims struct {
	jwt.RegisteredClaims
}

// Generate signs a session token for owner with the configured lifetime.
func (s *TokenService) Generate(owner model.OwnerID) (string, error) {
	return s.GenerateWithDuration(owner, s.ttl)
}

// GenerateWithDuration signs a token with a custom lifetime. Tests use a
// negative duration to get an already-expired token.
func (s *TokenService) GenerateWithDuration(owner model.OwnerID, d time.Duration) (string, error) {
	if owner.IsZero() {
		return "", errors.New("auth: cannot issue a session without an owner id")
	}
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Validate verifies a session token and returns the owner id in its subject.
//
// Besides the signature and expiry, the method is pinned to HS256 (no "none"
// or algorithm confusion) and the issuer must be ours. The subject goes
// through model.ParseOwnerID like every other owner reference.
func (s *TokenService) Validate(tokenStr string) (model.OwnerID, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return model.OwnerID{}, fmt.Errorf("auth: token expired")
		}
		return model.OwnerID{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return model.OwnerID{}, fmt.Errorf("auth: invalid token claims")
	}

	owner, err := model.ParseOwnerID(c.Subject)
	if err != nil {
		return model.OwnerID{}, fmt.Errorf("auth: token subject: %w", err)
	}
	return owner, nil
}
