package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// adminTokenMiddleware guards administrative routes with a bearer token.
// An empty token leaves the routes open.
func adminTokenMiddleware(token string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, prefix) {
				writeServiceError(w, r, NewUnauthorizedError("Authorization required"))
				return
			}
			if !isValidAdminToken(authHeader[len(prefix):], token) {
				writeServiceError(w, r, NewUnauthorizedError("Invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isValidAdminToken(presented, expected string) bool {
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
