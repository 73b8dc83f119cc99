// Package auth verifies the signed connect tokens that gate access to
// a document's sync stream. Tokens are minted by the metadata API (or
// the /api/tokens endpoint) and verified here with a shared secret;
// integrity only, nothing in the token is confidential.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Permission string

const (
	PermissionRead  Permission = "READ"
	PermissionWrite Permission = "WRITE"
)

// AnonymousUser is the identity recorded when a token carries no principal.
const AnonymousUser = "anonymous"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("expired token")
	ErrDocumentMismatch = errors.New("token not valid for this document")
)

// Grant is the outcome of a successful verification: who the session
// belongs to and what it may do. Fixed for the session's lifetime.
type Grant struct {
	UserID     string
	Permission Permission
}

func (g Grant) CanWrite() bool {
	return g.Permission == PermissionWrite
}

type connectClaims struct {
	DocumentID string `json:"documentId"`
	Permission string `json:"permission"`
	UserID     string `json:"userId"`
	jwt.RegisteredClaims
}

// Mint issues a connect token for documentID. Exposed for the token
// issuing authority and for tests.
func Mint(secret []byte, documentID, userID string, permission Permission, ttl time.Duration) (string, error) {
	if userID == "" {
		userID = AnonymousUser
	}
	claims := connectClaims{
		DocumentID: documentID,
		Permission: string(permission),
		UserID:     userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and binds the token to the
// document the caller is joining. Any failure means the connection
// attempt must be refused before document state is exposed.
func Verify(secret []byte, token, documentID string) (Grant, error) {
	if token == "" {
		return Grant{}, ErrInvalidToken
	}

	claims := &connectClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Grant{}, ErrExpiredToken
		}
		return Grant{}, ErrInvalidToken
	}
	if !parsed.Valid {
		return Grant{}, ErrInvalidToken
	}

	if claims.DocumentID != documentID {
		return Grant{}, ErrDocumentMismatch
	}

	permission := Permission(claims.Permission)
	if permission != PermissionRead && permission != PermissionWrite {
		return Grant{}, ErrInvalidToken
	}

	userID := claims.UserID
	if userID == "" {
		userID = AnonymousUser
	}
	return Grant{UserID: userID, Permission: permission}, nil
}
