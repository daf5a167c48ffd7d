package jwttoken

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jwtService = NewJWTService("test-signing-key", "test-issuer")

const actorID = "supervisor-7"

var capabilities = []string{"audit", "edit"}
var expiresIn = time.Hour

func Test_GenerateAccessToken(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(actorID, capabilities, expiresIn)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := jwtService.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, actorID, claims.ActorID)
	assert.Equal(t, capabilities, claims.Capabilities)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(expiresIn), claims.ExpiresAt.Time, time.Minute)

	_, err = jwtService.GenerateAccessToken("", nil, expiresIn)
	assert.Error(t, err)
}

func Test_ValidateToken_InvalidToken(t *testing.T) {
	_, err := jwtService.ValidateToken("invalid-token-string")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func Test_ValidateToken_ExpiredToken(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(actorID, capabilities, -time.Hour)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(token)
	require.ErrorIs(t, err, ErrTokenExpired)
}

func Test_ValidateToken_WrongKeyOrIssuer(t *testing.T) {
	other := NewJWTService("another-key", "test-issuer")
	token, err := other.GenerateAccessToken(actorID, capabilities, expiresIn)
	require.NoError(t, err)
	_, err = jwtService.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	foreign := NewJWTService("test-signing-key", "someone-else")
	token, err = foreign.GenerateAccessToken(actorID, capabilities, expiresIn)
	require.NoError(t, err)
	_, err = jwtService.ValidateToken(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func Test_ValidateToken_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{ActorID: actorID})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = jwtService.ValidateToken(signed)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func Test_Adapter(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(actorID, capabilities, expiresIn)
	require.NoError(t, err)

	claims, err := NewJWTServiceAdapter(jwtService).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, actorID, claims.ActorID)
	assert.Equal(t, capabilities, claims.Capabilities)
	assert.NotEmpty(t, claims.JTI)
}

func Test_Adapter_NormalizesCapabilities(t *testing.T) {
	token, err := jwtService.GenerateAccessToken(actorID, []string{"Edit", " edit", "AUDIT"}, expiresIn)
	require.NoError(t, err)

	claims, err := NewJWTServiceAdapter(jwtService).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, []string{"edit", "audit"}, claims.Capabilities)
}
