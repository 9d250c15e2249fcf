package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"

	"github.com/DEVXIX/dev-ssh-sub000/internal/config"
)

type contextKey string

const userContextKey contextKey = "user"

// AnonymousUser owns every session while authentication is disabled.
const AnonymousUser = "anonymous"

var validUserID = regexp.MustCompile(`^[A-Za-z0-9._@+-]{1,128}$`)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RequireUser takes the caller's identity from the header set by the
// authenticating proxy in front of the gateway.
func RequireUser(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.Cfg.AuthDisabled {
				next.ServeHTTP(w, WithUser(r, AnonymousUser))
				return
			}

			user := r.Header.Get(header)
			if user == "" {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication required"})
				return
			}
			if !validUserID.MatchString(user) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid user identity"})
				return
			}
			next.ServeHTTP(w, WithUser(r, user))
		})
	}
}

// WithUser attaches a user id to the request context.
func WithUser(r *http.Request, user string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userContextKey, user))
}

// GetUser returns the authenticated user id, or "".
func GetUser(r *http.Request) string {
	user, _ := r.Context().Value(userContextKey).(string)
	return user
}
