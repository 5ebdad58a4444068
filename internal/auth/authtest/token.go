// Package authtest signs session tokens the way the external auth provider
// does, for use in tests only.
package authtest

import (
	"testing"
	"time"

	"nas-chat/internal/auth"

	"github.com/golang-jwt/jwt/v5"
)

var Secret = []byte("test-secret")

func Token(t testing.TB, userID, role, tenant string) string {
	t.Helper()
	return TokenWithExpiry(t, userID, role, tenant, time.Now().Add(time.Hour))
}

func TokenWithExpiry(t testing.TB, userID, role, tenant string, exp time.Time) string {
	t.Helper()
	claims := auth.Claims{
		Role:   role,
		Tenant: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(Secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
