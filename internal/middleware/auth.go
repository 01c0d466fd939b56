// Package middleware carries the HTTP cross-cutting concerns shared by the
// three service surfaces: bearer-token authentication and access logging.
package middleware

import (
	"net/http"
	"strings"

	"github.com/switchgear-ln/switchgear/internal/auth"
)

// BearerAuth rejects requests without a valid bearer token for the
// verifier's audience. Failures get a WWW-Authenticate challenge so clients
// can tell auth apart from routing errors.
func BearerAuth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				unauthorized(w, "bearer token required")
				return
			}
			if err := verifier.Verify(token); err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="switchgear"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + reason + `"}`))
}
