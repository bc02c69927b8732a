package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/onhand/dispatch-core/internal/platform/errors"
)

// Verifier validates bearer tokens against the shared signing secret. Token
// issuance lives in the external auth service; the core only verifies.
type Verifier struct {
	secretKey []byte
	issuer    string
	now       func() time.Time
}

// NewVerifier creates a token verifier
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{
		secretKey: []byte(secret),
		issuer:    issuer,
		now:       time.Now,
	}
}

// NewVerifierWithClock creates a verifier with an injectable clock for tests
func NewVerifierWithClock(secret, issuer string, now func() time.Time) *Verifier {
	return &Verifier{
		secretKey: []byte(secret),
		issuer:    issuer,
		now:       now,
	}
}

// Verify validates the token signature and payload and returns the claims.
// Rejects expired tokens and inactive accounts.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.ErrUnauthenticated.WithDetails("reason", "empty token")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return v.secretKey, nil
		},
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return nil, errors.ErrUnauthenticated.WithDetails("reason", "token parse failed").WithCause(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.ErrUnauthenticated.WithDetails("reason", "invalid token claims")
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(v.now()) {
		return nil, errors.ErrUnauthenticated.WithDetails("reason", "token has expired")
	}

	if v.issuer != "" && claims.Issuer != "" && claims.Issuer != v.issuer {
		return nil, errors.ErrUnauthenticated.WithDetails("reason", "unexpected issuer")
	}

	if !claims.Active {
		return nil, errors.ErrAccountInactive.WithDetails("user_id", claims.UserID)
	}

	return claims, nil
}

// VerifyRole validates the token and additionally requires one of the given
// roles.
func (v *Verifier) VerifyRole(tokenString string, roles ...Role) (*Claims, error) {
	claims, err := v.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	for _, role := range roles {
		if claims.Role == role {
			return claims, nil
		}
	}

	return nil, errors.ErrForbidden.WithDetails("required_roles", roles).WithDetails("role", claims.Role)
}
