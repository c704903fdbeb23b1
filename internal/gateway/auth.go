package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/basket/taskrelay/internal/audit"
)

// AuthMiddleware checks a single shared bearer token.
type AuthMiddleware struct {
	token string
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: strings.TrimSpace(token)}
}

// Wrap passes requests through unchanged when no token is configured.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		candidate := ExtractToken(r)
		if candidate == "" {
			audit.Record(audit.Deny, "gateway.auth", "missing_token", clientHost(r))
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) != 1 {
			audit.Record(audit.Deny, "gateway.auth", "invalid_token", clientHost(r))
			writeError(w, http.StatusForbidden, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractToken reads Authorization: Bearer <token>, falling back to the
// access_token query parameter for browser WebSocket and SSE clients.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
