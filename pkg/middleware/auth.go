// pkg/middleware/auth.go
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"nexus/pkg/config"
	"nexus/pkg/problems"
)

// AccessKey gates inbound requests on a shared bearer key. Health and
// metrics endpoints are always open. When no key is configured in dev,
// requests pass through to ease local bring-up.
func AccessKey(cfg config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.AccessKey == "" {
				if cfg.Env == "dev" {
					next.ServeHTTP(w, r)
					return
				}
				problems.WriteGemini(w, problems.New(problems.KindUnauthorized, "access key not configured"))
				return
			}
			key := bearerToken(r)
			if key == "" {
				// Google SDKs send the key as a query param or header instead.
				key = r.URL.Query().Get("key")
			}
			if key == "" {
				key = r.Header.Get("X-Goog-Api-Key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(cfg.AccessKey)) != 1 {
				problems.WriteGemini(w, problems.New(problems.KindUnauthorized, "invalid access key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return ""
}
