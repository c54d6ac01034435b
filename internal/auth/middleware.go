package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// RequireToken returns middleware that checks for the admin bearer token in the
// Authorization header. Browsers can't set headers on WebSocket handshakes, so a
// "token" query parameter is accepted as well. Returns 401 Unauthorized if
// authentication fails.
func RequireToken(adminToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := TokenFromRequest(r)
			if !ok {
				slog.Warn("auth: no bearer token present", "path", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			if !ValidateToken(adminToken, token) {
				slog.Warn("auth: token validation failed", "path", r.URL.Path)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// TokenFromRequest extracts the bearer token from the Authorization header,
// falling back to the "token" query parameter.
func TokenFromRequest(r *http.Request) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		// Parse Authorization header: "Bearer <token>" (RFC 7235)
		// Bearer scheme is case-insensitive per RFC 7235
		fields := strings.Fields(authHeader)
		if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
			return "", false
		}
		token := strings.TrimSpace(strings.Join(fields[1:], " "))
		return token, token != ""
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	return token, token != ""
}

// ValidateToken reports whether token matches the admin token, in constant time.
// An empty admin token matches nothing.
func ValidateToken(adminToken, token string) bool {
	if adminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(adminToken), []byte(token)) == 1
}
