// pkg/middleware/tenant.go
package middleware

import (
	"context"
	"net/http"
	"strings"
)

type ctxTenantKey struct{}

const DefaultTenant = "default"

// WithTenant resolves the tenant for the request from the X-Tenant-ID
// header, falling back to the default tenant. Health and metrics are
// served without tenant context.
func WithTenant() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/healthz", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			id := strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
			if id == "" {
				id = DefaultTenant
			}
			ctx := context.WithValue(r.Context(), ctxTenantKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFrom returns the tenant id stored by WithTenant, or the default.
func TenantFrom(ctx context.Context) string {
	if v := ctx.Value(ctxTenantKey{}); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return DefaultTenant
}
