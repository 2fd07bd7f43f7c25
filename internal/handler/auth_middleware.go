package handler

import (
	"context"
	"net/http"
	"strings"

	"erp-auth-service/internal/service"
)

type contextKey string

const claimsContextKey contextKey = "session_claims"

// ClaimsFromContext returns the verified access claims placed by
// RequireAuth, if any.
func ClaimsFromContext(ctx context.Context) (*service.SessionClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*service.SessionClaims)
	return claims, ok
}

// RequireAuth verifies the bearer access token and rejects the request if
// it is missing, malformed, expired or epoch-stale.
func RequireAuth(tokens *service.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				unauthorized(w)
				return
			}

			claims, _, err := tokens.VerifyAccess(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"success":false,"error":"invalid or missing access token"}`))
}
