package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/aiseohq/aiseo/internal/domain"
)

// AuthClaims is the token payload every API caller carries. TenantID binds
// the request for RLS; Role feeds app.current_role.
type AuthClaims struct {
	TenantID string `json:"tenantId"`
	Role     string `json:"role,omitempty"` // 'admin' | 'manager' | 'analyst'
	jwt.RegisteredClaims
}

// AuthMiddleware verifies the bearer token and stores the claims in the
// request context. Requests without a valid tenant-bound token get 401.
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := parseBearer(r, secret)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:    "UNAUTHENTICATED",
					Message: "missing or invalid bearer token",
				}})
				return
			}
			next.ServeHTTP(w, r.WithContext(contextWithClaims(r.Context(), claims)))
		})
	}
}

func parseBearer(r *http.Request, secret string) (*AuthClaims, error) {
	h := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(h, "Bearer ")
	if raw == "" || raw == h {
		return nil, fmt.Errorf("op=httpserver.parseBearer: missing token")
	}
	claims := &AuthClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=httpserver.parseBearer: %w", err)
	}
	if !token.Valid || claims.TenantID == "" {
		return nil, fmt.Errorf("op=httpserver.parseBearer: token lacks tenant binding")
	}
	return claims, nil
}

// requireAdmin gates mutating admin operations on the role claim.
func requireAdmin(w http.ResponseWriter, r *http.Request) *AuthClaims {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
			Code: "UNAUTHENTICATED", Message: "authentication required",
		}})
		return nil
	}
	if claims.Role != "admin" && claims.Role != "manager" {
		writeError(w, r, fmt.Errorf("role %q may not administer: %w", claims.Role, domain.ErrTenantMismatch), nil)
		return nil
	}
	return claims
}
