// Package auth issues and verifies the bearer tokens that authenticate
// certificate owners and operators against the HTTP API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in tokens.
const (
	RoleOwner = "owner"
	RoleAdmin = "admin"
)

// DefaultTTL is the token lifetime when Issue is given zero.
const DefaultTTL = 24 * time.Hour

// Claims are the JWT claims of a freessl session token.
type Claims struct {
	jwt.RegisteredClaims
	OwnerID string `json:"owner_id"`
	Email   string `json:"email,omitempty"`
	Role    string `json:"role"`
}

// Owner parses OwnerID.
func (c *Claims) Owner() (uuid.UUID, error) {
	return uuid.Parse(c.OwnerID)
}

// Tokens issues and verifies HS256 session tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokens creates a Tokens. The secret must be at least 32 bytes.
func NewTokens(secret, issuer string) (*Tokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("auth: token secret must be at least 32 bytes")
	}
	if issuer == "" {
		issuer = "freessl"
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for ownerID with the given role.
func (t *Tokens) Issue(ownerID uuid.UUID, email, role string, ttl time.Duration) (string, error) {
	if role != RoleOwner && role != RoleAdmin {
		return "", fmt.Errorf("auth: unknown role %q", role)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := t.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   ownerID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		OwnerID: ownerID.String(),
		Email:   email,
		Role:    role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning its claims.
func (t *Tokens) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Role != RoleOwner && claims.Role != RoleAdmin {
		return nil, fmt.Errorf("token has unknown role %q", claims.Role)
	}
	if _, err := claims.Owner(); err != nil {
		return nil, fmt.Errorf("token owner id: %w", err)
	}
	return claims, nil
}
