/**
 * @description
 * Authentication middleware for the deposit-service. The ledger is an
 * internal subsystem sitting behind the bot framework, so its API is guarded
 * by the shared internal API key rather than end-user credentials.
 */
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// InternalAuthMiddleware rejects requests that do not carry the expected
// X-Internal-API-Key header. An empty expected key locks the API shut rather
// than leaving it open.
func InternalAuthMiddleware(expectedKey string) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(expectedKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get("X-Internal-API-Key"))
			if expected == "" || provided == "" ||
				subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
