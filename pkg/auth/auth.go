// Package auth resolves transport credentials to a user and tenant
// identity. Resolution failure is fatal to the connection attempt; the
// transport session is terminated.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Identity is the resolved owner of a connection. Rooms lists the rooms
// the identity already belongs to, for capped auto-join on connect.
type Identity struct {
	UserID   string
	TenantID string
	Rooms    []string
}

// Verifier is the credential-verifier collaborator contract.
type Verifier interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// Claims is the JWT claims shape: subject is the user id, tenant and
// rooms are custom claims.
type Claims struct {
	TenantID string   `json:"tenant"`
	Rooms    []string `json:"rooms,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed tokens.
type JWTVerifier struct {
	secret []byte
}

var _ Verifier = (*JWTVerifier)(nil)

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Resolve(_ context.Context, tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, ErrInvalidCredentials
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.Subject == "" || claims.TenantID == "" {
		return Identity{}, ErrInvalidCredentials
	}

	return Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Rooms:    claims.Rooms,
	}, nil
}
