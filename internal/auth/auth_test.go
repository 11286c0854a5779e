package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, sub, role string, expiry time.Duration) string {
	t.Helper()
	claims := sessionClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestAuthenticate_ValidToken(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)

	id, err := a.Authenticate(context.Background(), signToken(t, "user-42", RoleLeader, time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.UserID != "user-42" {
		t.Errorf("expected user id %q, got %q", "user-42", id.UserID)
	}
	if id.Role != RoleLeader {
		t.Errorf("expected role %q, got %q", RoleLeader, id.Role)
	}
	if !id.CanModerate() {
		t.Error("leader should be able to moderate")
	}
}

func TestAuthenticate_DefaultRole(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)

	id, err := a.Authenticate(context.Background(), signToken(t, "user-1", "", time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Role != RoleMember {
		t.Errorf("expected default role %q, got %q", RoleMember, id.Role)
	}
	if id.CanModerate() {
		t.Error("member should not be able to moderate")
	}
}

func TestAuthenticate_MissingToken(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)

	_, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
}

func TestAuthenticate_ExpiredToken(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)

	_, err := a.Authenticate(context.Background(), signToken(t, "user-1", RoleMember, -time.Hour))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestAuthenticate_WrongSecret(t *testing.T) {
	a := NewJWTAuthenticator([]byte("other-secret"))

	_, err := a.Authenticate(context.Background(), signToken(t, "user-1", RoleMember, time.Hour))
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for bad signature, got %v", err)
	}
}

func TestAuthenticate_GarbageToken(t *testing.T) {
	a := NewJWTAuthenticator(testSecret)

	_, err := a.Authenticate(context.Background(), "not.a.jwt")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
