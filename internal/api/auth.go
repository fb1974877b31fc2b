package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// apiKeyAuth accepts the key as X-API-Key or as a Bearer token. With no key
// configured every request passes.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		key := r.Header.Get("X-API-Key")
		if key == "" {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				s.writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				s.writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
				return
			}
			key = strings.TrimSpace(strings.TrimPrefix(auth, prefix))
		}

		if !constantTimeEqual(key, s.config.APIKey) {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
