package api

import (
	"net/http"
	"strings"

	"github.com/acurioustractor/ledger-insights/internal/authz"
)

// BearerAuth resolves the request's bearer token to a principal and stores it
// in the request context.
func BearerAuth(tokens *authz.Tokens) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			p, ok := tokens.Lookup(auth[len(prefix):])
			if !ok {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r.WithContext(authz.WithPrincipal(r.Context(), p)))
		})
	}
}
