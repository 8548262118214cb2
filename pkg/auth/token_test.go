package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayd/pkg/apperr"
	"relayd/pkg/document"
)

func TestMintAndVerify(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	user := document.Doc{"id": "u1", "username": "alice", "role": "user"}
	token, expiresAt, err := issuer.Mint(FromUser(user))
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.False(t, claims.IsRoot)
}

func TestMintRootToken(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)

	token, _, err := issuer.Mint(Root())
	require.NoError(t, err)

	claims, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.IsRoot)
	assert.Empty(t, claims.UserID)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, _, err := NewTokenIssuer("secret-a", time.Hour).Mint(Root())
	require.NoError(t, err)

	_, err = NewTokenIssuer("secret-b", time.Hour).Verify(token)
	require.Error(t, err)
	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Unauthenticated, appErr.Kind)
}

func TestVerifyRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	issuer.expiration = -time.Minute
	token, _, err := issuer.Mint(Root())
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	_, err := issuer.Verify("not-a-token")
	assert.Error(t, err)
}
