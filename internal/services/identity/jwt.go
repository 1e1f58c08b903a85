package identity

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/gridmatch/gridmatch/internal/platform/errors"
)

// JWTVerifier validates HS256 tokens locally against a shared secret. The
// identity is carried in the sub claim, matching the identity service's
// token format.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier creates a local verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{
		secret: secret,
		now:    time.Now,
	}
}

// Verify parses and validates token, returning the subject identity.
func (v *JWTVerifier) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", apperrors.New(apperrors.CodeAuthFailed, "missing token")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeAuthFailed, "parse token", err)
	}
	if !parsed.Valid {
		return "", apperrors.New(apperrors.CodeAuthFailed, "invalid token")
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", apperrors.New(apperrors.CodeAuthFailed, "token has no subject")
	}
	return subject, nil
}
