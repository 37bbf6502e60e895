package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Middleware returns HTTP middleware that enforces the configured
// authentication mode on every request.
//
// Behaviour:
//   - If mode is not "apikey" or "bearer", or secret == "", all requests are
//     allowed (pass-through).
//   - apikey compares the value of header to secret.
//   - bearer compares the token of "Authorization: Bearer <token>" to secret.
//   - A missing, empty or incorrect credential gets 401 and a JSON error body.
func Middleware(mode, header, secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" || (mode != "apikey" && mode != "bearer") {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var got string
			if mode == "apikey" {
				got = r.Header.Get(header)
			} else {
				got = bearerToken(r.Header.Get("Authorization"))
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				if mode == "bearer" {
					w.Header().Set("WWW-Authenticate", `Bearer realm="collector"`)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"unauthenticated"}` + "\n")) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(h string) string {
	const prefix = "bearer "
	if len(h) < len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
