package authz

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenVerifier_RoundTrip(t *testing.T) {
	secret := "unit-test-secret"
	ident := Identity{ID: 42, Name: "alice", Email: "alice@test.local", Role: "editor"}

	token, err := SignAccessToken(secret, ident, time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}

	got, err := NewTokenVerifier(secret).Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != ident {
		t.Fatalf("Verify() = %+v, want %+v", got, ident)
	}
}

func TestTokenVerifier_RejectsExpired(t *testing.T) {
	secret := "unit-test-secret"
	token, err := SignAccessToken(secret, Identity{ID: 1}, -time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}

	if _, err := NewTokenVerifier(secret).Verify(token); !errors.Is(err, ErrAuthError) {
		t.Fatalf("Verify(expired) error = %v, want ErrAuthError", err)
	}
}

func TestTokenVerifier_RejectsWrongSecret(t *testing.T) {
	token, err := SignAccessToken("secret-a", Identity{ID: 1}, time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken() error = %v", err)
	}

	if _, err := NewTokenVerifier("secret-b").Verify(token); !errors.Is(err, ErrAuthError) {
		t.Fatalf("Verify(wrong secret) error = %v, want ErrAuthError", err)
	}
}

func TestTokenVerifier_RejectsNonAccessToken(t *testing.T) {
	secret := "unit-test-secret"
	// 手搓一个 refresh 类型的 token，验签能过但类型不对
	claims := &Claims{
		UserID: 1,
		Type:   "refresh",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign error = %v", err)
	}

	if _, err := NewTokenVerifier(secret).Verify(token); !errors.Is(err, ErrAuthError) {
		t.Fatalf("Verify(refresh token) error = %v, want ErrAuthError", err)
	}
}

func TestTokenVerifier_RejectsGarbage(t *testing.T) {
	if _, err := NewTokenVerifier("s").Verify("not.a.token"); !errors.Is(err, ErrAuthError) {
		t.Fatalf("Verify(garbage) error = %v, want ErrAuthError", err)
	}
}
