package services

import (
	"context"
	"testing"
	"time"

	"relaycast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthService_TokenRoundTrip(t *testing.T) {
	auth := NewAuthService("secret", time.Minute, time.Hour)

	token, err := auth.GenerateToken("user-1", "alice")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-1"), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "relaycast", claims.Issuer)

	_, err = auth.ValidateRefreshToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_RefreshToken(t *testing.T) {
	auth := NewAuthService("secret", time.Minute, time.Hour)

	refresh, err := auth.GenerateRefreshToken("user-1")
	require.NoError(t, err)

	claims, err := auth.ValidateRefreshToken(refresh)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-1"), claims.UserID)

	_, err = auth.ValidateToken(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_RejectsBadTokens(t *testing.T) {
	auth := NewAuthService("secret", -time.Minute, time.Hour)

	expired, err := auth.GenerateToken("user-1", "alice")
	require.NoError(t, err)
	_, err = auth.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	other := NewAuthService("other-secret", time.Minute, time.Hour)
	foreign, err := other.GenerateToken("user-1", "alice")
	require.NoError(t, err)
	_, err = auth.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"user_id": "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = auth.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAuthService_UserFromContext(t *testing.T) {
	auth := NewAuthService("secret", time.Minute, time.Hour)

	_, err := auth.GetUserFromContext(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	userID, err := auth.GetUserFromContext(WithUserID(context.Background(), "user-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-1"), userID)
}
