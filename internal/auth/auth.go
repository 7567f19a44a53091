// Package auth verifies bearer tokens issued by the platform's identity
// service and injects the caller's user id. Token issuance lives elsewhere;
// this service only consumes authenticated user_ids.
package auth

import (
	"errors"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the supported token shape. UserID is the string form of the
// numeric platform user id. Scope is a space-separated grant list; ordinary
// user tokens carry none, service credentials carry the grants their
// endpoints require.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"user_id"`
	Scope  string `json:"scope,omitempty"`
}

// Verifier validates HS256 access tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier returns a Verifier. The secret is required.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer}, nil
}

// Verify parses and validates a token, returning the numeric user id and the
// full claim set.
func (v *Verifier) Verify(tokenString string) (uint64, *Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return 0, nil, err
	}
	if v.issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || iss != v.issuer {
			return 0, nil, errors.New("issuer mismatch")
		}
	}
	if claims.UserID == "" {
		return 0, nil, errors.New("user_id missing")
	}
	id, err := strconv.ParseUint(claims.UserID, 10, 64)
	if err != nil {
		return 0, nil, errors.New("user_id malformed")
	}
	return id, &claims, nil
}
