package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// HeaderUserID carries the verified user to the backends
	HeaderUserID = "X-User-ID"
	// HeaderTenantID carries the verified tenant to the backends
	HeaderTenantID = "X-Tenant-ID"
)

// Claims are the token claims the gateway understands
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"user_id,omitempty"`
	Email    string `json:"email,omitempty"`
	TenantID string `json:"tenant_id,omitempty"`
}

// AuthMiddleware verifies bearer tokens and propagates the caller's identity.
// The Authorization header itself is always forwarded; backends make the
// authorization decisions.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware creates a new auth middleware. An empty secret disables
// verification.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

// Authenticate validates a present bearer token. Requests without a token pass through.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := GetLogger(r.Context())

		// Identity headers are only ever set by the gateway
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderTenantID)

		authHeader := r.Header.Get("Authorization")
		if len(m.secret) == 0 || authHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Expect: "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			if logger != nil {
				logger.Warn("authentication failed: invalid authorization format")
			}
			respondError(w, r, http.StatusUnauthorized, "invalid authorization format, expected 'Bearer <token>'")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(*jwt.Token) (any, error) {
			return m.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			if logger != nil {
				logger.Warn("authentication failed: invalid token", "error", err)
			}
			respondError(w, r, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		userID := claims.UserID
		if userID == "" {
			userID = claims.Subject
		}
		if userID != "" {
			r.Header.Set(HeaderUserID, userID)
		}
		if claims.TenantID != "" {
			r.Header.Set(HeaderTenantID, claims.TenantID)
		}

		if logger != nil {
			logger.Debug("authentication successful", "user_id", userID, "tenant_id", claims.TenantID)
		}

		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
