package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relayd/pkg/apperr"
)

// Claims is the self-contained session token payload: {userId, username,
// isRoot, exp, iat}. No server-side session state exists.
type Claims struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	IsRoot   bool   `json:"isRoot,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies signed session tokens.
type TokenIssuer struct {
	secret     []byte
	expiration time.Duration
}

// NewTokenIssuer creates an issuer signing with secret; tokens expire after
// expiration.
func NewTokenIssuer(secret string, expiration time.Duration) *TokenIssuer {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), expiration: expiration}
}

// Mint signs a session token for p, returning the token and its expiry.
func (t *TokenIssuer) Mint(p *Principal) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(t.expiration)
	claims := Claims{
		UserID:   p.ID,
		Username: p.Username,
		IsRoot:   p.IsRoot,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a bearer token, returning its claims.
func (t *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid or expired token", err)
	}
	return claims, nil
}
