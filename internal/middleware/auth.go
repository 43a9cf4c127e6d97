package middleware

import (
	"net/http"
	"strings"

	"github.com/tidysweep/billing/internal/handler"
	"github.com/tidysweep/billing/internal/token"
)

// RequireBearer validates the Authorization header against the token
// service and populates the caller identity in the request context.
func RequireBearer(tokens *token.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				handler.WriteError(w, http.StatusUnauthorized, handler.CodeUnauthorized, "missing bearer token")
				return
			}

			v, err := tokens.ValidateEntitlementToken(raw)
			if err != nil {
				handler.WriteError(w, http.StatusInternalServerError, handler.CodeInternal, "token validation failed")
				return
			}
			if !v.Valid {
				handler.WriteError(w, http.StatusUnauthorized, handler.CodeUnauthorized, "invalid or revoked token")
				return
			}

			ctx := handler.WithIdentity(r.Context(), handler.Identity{
				UserID: v.UserID,
				Email:  v.Email,
				Token:  raw,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
