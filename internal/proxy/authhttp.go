// internal/proxy/authhttp.go
package proxy

import (
	"encoding/json"
	"net/http"

	"nexus/internal/auth"
	"nexus/pkg/middleware"
	"nexus/pkg/problems"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegisterAuthHTTP mounts the interactive authorization endpoints. The flow
// is the installed-app one: fetch a consent URL, visit it, land on the
// callback with a code.
func RegisterAuthHTTP(r chi.Router, log *zap.SugaredLogger, a *auth.Authenticator) {
	r.Get("/auth/url", func(w http.ResponseWriter, req *http.Request) {
		redirect := redirectURL(req)
		state := uuid.NewString()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"url":   a.AuthCodeURL(state, redirect),
			"state": state,
		})
	})

	r.Get("/auth/callback", func(w http.ResponseWriter, req *http.Request) {
		code := req.URL.Query().Get("code")
		if code == "" {
			problems.WriteGemini(w, problems.New(problems.KindUnauthorized, "missing code"))
			return
		}
		tenant := middleware.TenantFrom(req.Context())
		cred, err := a.ExchangeCode(req.Context(), tenant, code, redirectURL(req))
		if err != nil {
			log.Warnw("code exchange failed", "tenant", tenant, "err", err)
			problems.WriteGemini(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "authorized",
			"tenant": tenant,
			"email":  cred.Email,
		})
	})
}

func redirectURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + req.Host + "/auth/callback"
}
