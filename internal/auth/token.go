// ABOUTME: JWT token verification for authenticating sockets and REST calls
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Identity, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret, now: time.Now}
}

// Verify validates the token and extracts the identity from the sub, tenant
// and role claims. A missing role defaults to RoleAgent.
func (v *JWTVerifier) Verify(tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	tenant, ok := claims["tenant"].(string)
	if !ok || tenant == "" {
		return nil, fmt.Errorf("%w: tenant", ErrMissingClaim)
	}

	role := RoleAgent
	if r, ok := claims["role"].(string); ok && r != "" {
		role = Role(r)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, role)
	}

	return &Identity{Subject: sub, TenantID: tenant, Role: role}, nil
}

// Generate creates a new JWT for id that expires after expiresIn
func (v *JWTVerifier) Generate(id Identity, expiresIn time.Duration) (string, error) {
	if id.Subject == "" || id.TenantID == "" {
		return "", fmt.Errorf("%w: sub and tenant are required", ErrMissingClaim)
	}
	if id.Role == "" {
		id.Role = RoleAgent
	}

	now := v.now()
	claims := jwt.MapClaims{
		"sub":    id.Subject,
		"tenant": id.TenantID,
		"role":   string(id.Role),
		"iat":    now.Unix(),
		"exp":    now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
