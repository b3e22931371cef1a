// internal/middleware/auth.go

package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jason-s-yu/roundhouse/internal/auth"
	"github.com/jason-s-yu/roundhouse/internal/models"
	"github.com/sirupsen/logrus"
)

type identityKey struct{}

// TokenFromRequest reads the auth token from the Authorization header, the auth_token cookie,
// or the token query parameter, in that order. Browsers cannot set headers on websocket
// upgrades, hence the fallbacks.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie("auth_token"); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by RequireAuth.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(models.Identity)
	return id, ok
}

// RequireAuth rejects requests without a valid token with 401.
func RequireAuth(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "missing auth token")
				return
			}
			id, err := auth.AuthenticateJWT(token)
			if err != nil {
				logger.WithError(err).WithField("remote", r.RemoteAddr).Debug("rejected auth token")
				writeError(w, http.StatusUnauthorized, "invalid auth token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireAdmin must run after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok || !id.IsAdmin() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
