package middleware

import (
	"net/http"
	"strings"

	"infinite-experiment/warden/internal/auth"
	"infinite-experiment/warden/internal/logging"
)

// AuthMiddleware requires an HS256 bearer token signed with secret
func AuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				http.Error(w, "Unauthorized. Missing bearer token", http.StatusUnauthorized)
				return
			}

			claims, err := auth.ParseToken(secret, strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")))
			if err != nil {
				logging.Debug("Rejected admin token", "request_id", RequestID(r.Context()), "error", err.Error())
				http.Error(w, "Unauthorized. Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.SetClaims(r.Context(), claims)))
		})
	}
}
