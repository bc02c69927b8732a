package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/onhand/dispatch-core/internal/auth"
	"github.com/onhand/dispatch-core/internal/platform/errors"
	"github.com/onhand/dispatch-core/internal/platform/httputil"
)

// ContextKey type for context values
type ContextKey string

const (
	// ContextKeyIdentity stores the authenticated identity
	ContextKeyIdentity ContextKey = "identity"
)

// AuthMiddleware handles bearer token authentication for protected routes
type AuthMiddleware struct {
	verifier *auth.Verifier
}

// NewAuthMiddleware creates a new auth middleware instance
func NewAuthMiddleware(verifier *auth.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Authenticate validates the bearer token and injects the identity
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := m.validate(w, r)
		if claims == nil {
			return
		}

		ctx := context.WithValue(r.Context(), ContextKeyIdentity, claims.Identity())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRole additionally checks that the identity carries one of the roles
func (m *AuthMiddleware) RequireRole(roles ...auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := m.validate(w, r)
			if claims == nil {
				return
			}

			hasRole := false
			for _, role := range roles {
				if claims.Role == role {
					hasRole = true
					break
				}
			}
			if !hasRole {
				httputil.Error(w, errors.ErrForbidden.WithDetails("required_roles", roles))
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyIdentity, claims.Identity())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (m *AuthMiddleware) validate(w http.ResponseWriter, r *http.Request) *auth.Claims {
	token := extractToken(r)
	if token == "" {
		httputil.Error(w, errors.ErrUnauthenticated.WithDetails("reason", "missing or invalid authorization header"))
		return nil
	}

	claims, err := m.verifier.Verify(token)
	if err != nil {
		httputil.Error(w, err)
		return nil
	}
	return claims
}

// extractToken extracts the bearer token from the Authorization header
func extractToken(r *http.Request) string {
	header := r.Header.Get(httputil.HeaderAuthorization)
	if header == "" {
		return ""
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// IdentityFromContext extracts the authenticated identity from the context
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(ContextKeyIdentity).(auth.Identity)
	return identity, ok
}
