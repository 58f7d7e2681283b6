package middleware

import (
	"crypto/subtle"
	"net/http"
)

// ServiceAuth authenticates machine callers that present a fixed bearer
// token, for surfaces no end user may touch (the worker result callback).
// An empty configured token disables the surface entirely rather than
// leaving it open.
func ServiceAuth(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if len(expected) == 0 || raw == "" ||
				subtle.ConstantTimeCompare([]byte(raw), expected) != 1 {
				http.Error(w, `{"error":"invalid service token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
