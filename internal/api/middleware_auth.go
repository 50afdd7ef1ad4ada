// ABOUTME: RequireAuthenticated middleware for Bearer JWT access tokens.
// ABOUTME: Injects the token subject as ctxUserID into the request context.
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/bvd757/receipt-analysis-system/internal/auth"
)

// RequireAuthenticated returns a middleware that requires a valid JWT access
// token in the Authorization header. On success it injects ctxUserID.
func (srv *Server) RequireAuthenticated() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			claims, err := auth.ParseAccessToken(strings.TrimPrefix(authHeader, "Bearer "), []byte(srv.cfg.JWTSecret))
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxUserID, claims.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// userFromContext returns the authenticated user. Only valid behind
// RequireAuthenticated.
func userFromContext(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxUserID).(uuid.UUID)
	return id
}
