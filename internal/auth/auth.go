// Package auth resolves bearer credentials presented at connection time into
// user identities. The gateway refuses the WebSocket upgrade when resolution
// fails, so no unauthenticated connection is ever admitted into a room.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the token's role claim.
const (
	RoleMember = "member"
	RoleLeader = "leader"
	RoleAdmin  = "admin"
)

var (
	// ErrMissingToken indicates no credential was presented at all.
	ErrMissingToken = errors.New("auth: missing token")

	// ErrInvalidToken indicates the credential was present but could not be
	// validated (bad signature, malformed, expired). Clients must obtain a
	// new credential rather than retry.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is the immutable authentication context bound to a connection at
// upgrade time. It is created once by the authenticator and passed by value
// to every handler; nothing mutates it afterwards.
type Identity struct {
	UserID string
	Role   string
}

// CanModerate reports whether the identity may perform admin actions.
func (id Identity) CanModerate() bool {
	return id.Role == RoleAdmin || id.Role == RoleLeader
}

// Authenticator validates a bearer credential and resolves the user identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// JWTAuthenticator validates HS256-signed JWTs issued by the platform's
// session service. The subject claim carries the user id and the custom
// "role" claim carries the community role.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator creates an authenticator with the shared signing secret.
func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

type sessionClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticate parses and validates the token. Expiry and not-before are
// checked by the jwt library; any validation failure maps to ErrInvalidToken
// so the transport layer can send a single distinct rejection code.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrMissingToken
	}

	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: empty subject", ErrInvalidToken)
	}

	role := claims.Role
	if role == "" {
		role = RoleMember
	}

	return Identity{UserID: claims.Subject, Role: role}, nil
}
