// Package auth implements principal resolution and session tokens: the
// root (master-key) principal, user principals backed by the reserved
// `users` collection, signed self-contained JWT bearer tokens, and bcrypt
// password hashing.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"

	"relayd/pkg/document"
)

// Principal is the authenticated identity attached to a request context.
// Either the root principal (master-key holder, no user record) or a user
// principal backed by a document in the `users` collection.
type Principal struct {
	ID       string
	Username string
	Role     string
	IsRoot   bool

	// User is the backing `users` document, nil for root and anonymous.
	User document.Doc
}

// Root returns the root principal.
func Root() *Principal {
	return &Principal{IsRoot: true, Username: "root"}
}

// FromUser builds a principal from a `users` collection document.
func FromUser(user document.Doc) *Principal {
	return &Principal{
		ID:       user.ID(),
		Username: user.GetString("username"),
		Role:     user.GetString("role"),
		User:     user,
	}
}

type principalKey struct{}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal attached by WithPrincipal, or
// nil for anonymous requests.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// VerifyMasterKey compares a supplied master key against the configured one
// in constant time. Both sides are hashed first so the comparison length
// never depends on either input.
func VerifyMasterKey(configured, supplied string) bool {
	if configured == "" || supplied == "" {
		return false
	}
	a := sha256.Sum256([]byte(configured))
	b := sha256.Sum256([]byte(supplied))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
