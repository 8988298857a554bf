package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_RoundTrip(t *testing.T) {
	svc := NewJWTService(DefaultJWTConfig("s3cret"))

	token, expiresAt, err := svc.GenerateToken("tc-1", "orders")
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	caller, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "tc-1", caller.Subject)
	assert.Equal(t, "dtsrm", caller.Issuer)
	assert.NotEmpty(t, caller.TokenID)
	assert.True(t, caller.CanAccess("orders"))
	assert.False(t, caller.CanAccess("stock"))
}

func TestJWTService_RejectsBadTokens(t *testing.T) {
	svc := NewJWTService(DefaultJWTConfig("s3cret"))

	other, _, err := NewJWTService(DefaultJWTConfig("other")).GenerateToken("tc-1")
	require.NoError(t, err)
	_, err = svc.ValidateToken(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expiredCfg := DefaultJWTConfig("s3cret")
	expiredCfg.TokenTTL = -time.Minute
	expired, _, err := NewJWTService(expiredCfg).GenerateToken("tc-1")
	require.NoError(t, err)
	_, err = svc.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreignCfg := DefaultJWTConfig("s3cret")
	foreignCfg.Issuer = "someone-else"
	foreign, _, err := NewJWTService(foreignCfg).GenerateToken("tc-1")
	require.NoError(t, err)
	_, err = svc.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "tc-1", Issuer: "dtsrm"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateToken(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ValidateToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
