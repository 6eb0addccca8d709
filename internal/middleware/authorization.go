package middleware

import (
	"net/http"

	"github.com/qcom/authcore/internal/models"
)

// RequireAuth answers 401 unless the bearer gate attached a principal.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFrom(r.Context()); !ok {
			respondUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRole answers 401 without a principal and 403 when the principal
// lacks ROLE_<role>.
func RequireRole(role models.Role) func(http.Handler) http.Handler {
	authority := models.AuthoritiesFor(role)[0]

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok {
				respondUnauthorized(w)
				return
			}
			if !p.HasAuthority(authority) {
				respondError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
