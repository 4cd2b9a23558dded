package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/LionelRostand/neorent-sub005/internal/domain"
	"github.com/LionelRostand/neorent-sub005/internal/security"
)

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity returns a new context carrying the caller's identity.
func WithIdentity(ctx context.Context, id domain.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// CurrentIdentity extracts the caller's identity from context, if any.
func CurrentIdentity(r *http.Request) (domain.Identity, bool) {
	id, ok := r.Context().Value(identityContextKey).(domain.Identity)
	return id, ok && id.UserID != ""
}

// AuthMiddleware validates the Bearer token and attaches the identity to the
// context.
func AuthMiddleware(tokens *security.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing or invalid Authorization header"})
				return
			}
			tokenStr := strings.TrimSpace(authHeader[len("Bearer "):])

			id, err := tokens.Identity(tokenStr)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
