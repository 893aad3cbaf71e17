// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and claim checks

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestJWTVerifier_RoundTrip(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate(Identity{Subject: "agent-1", TenantID: "acme", Role: RoleAdmin}, time.Hour)
	require.NoError(t, err)

	id, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, &Identity{Subject: "agent-1", TenantID: "acme", Role: RoleAdmin}, id)
}

func TestJWTVerifier_DefaultRole(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	token, err := verifier.Generate(Identity{Subject: "agent-1", TenantID: "acme"}, time.Hour)
	require.NoError(t, err)

	id, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, RoleAgent, id.Role)
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	other, err := NewJWTVerifier([]byte("different-secret")).Generate(Identity{Subject: "a", TenantID: "t"}, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty token", ""},
		{"garbage token", "not-a-jwt-token"},
		{"malformed JWT", "header.payload.signature"},
		{"wrong secret", other},
		{"unsigned", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "a", "tenant": "t"})
			s, _ := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestJWTVerifier_Expired(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	verifier.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, err := verifier.Generate(Identity{Subject: "a", TenantID: "t"}, time.Hour)
	require.NoError(t, err)

	verifier.now = time.Now
	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	sign := func(claims jwt.MapClaims) string {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		require.NoError(t, err)
		return s
	}

	_, err := verifier.Verify(sign(jwt.MapClaims{"tenant": "t"}))
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = verifier.Verify(sign(jwt.MapClaims{"sub": "a"}))
	assert.ErrorIs(t, err, ErrMissingClaim)

	_, err = verifier.Verify(sign(jwt.MapClaims{"sub": "a", "tenant": "t", "role": "root"}))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = verifier.Generate(Identity{Subject: "a"}, time.Hour)
	assert.ErrorIs(t, err, ErrMissingClaim)
}
