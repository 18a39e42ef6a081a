// Package auth verifies the bearer credentials presented by websocket clients.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every credential that does not yield an identity.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier turns a presented credential into a user id.
type Verifier interface {
	Verify(token string) (int64, error)
}

// Claims mirrors the tokens issued by the account service.
type Claims struct {
	ID int64 `json:"id"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier returns a verifier for secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Verify implements Verifier.
func (v *JWTVerifier) Verify(token string) (int64, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidToken)
	}

	var claims Claims
	parsed, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.ID <= 0 {
		return 0, fmt.Errorf("%w: missing user id", ErrInvalidToken)
	}
	return claims.ID, nil
}

// Sign issues a token for userID. Used by tooling and tests; the relay never mints tokens.
func (v *JWTVerifier) Sign(userID int64, registered jwt.RegisteredClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{ID: userID, RegisteredClaims: registered})
	return token.SignedString(v.secret)
}
