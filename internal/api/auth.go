package api

import (
	"net/http"
	"strings"

	"github.com/kalambet/friday/internal/auth"
)

// BearerAuth rejects requests without a token the verifier accepts and
// stores the caller's principal in the request context.
func BearerAuth(v auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const prefix = "Bearer "
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, prefix) {
				httpError(w, http.StatusUnauthorized, "%s", auth.ErrInvalidToken)
				return
			}
			principal, err := v.Verify(r.Context(), header[len(prefix):])
			if err != nil {
				httpError(w, http.StatusUnauthorized, "%s", auth.ErrInvalidToken)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
		})
	}
}

func principalOf(r *http.Request) string {
	p, _ := auth.Principal(r.Context())
	return p
}
