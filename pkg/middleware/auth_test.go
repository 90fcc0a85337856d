package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"nexus/pkg/config"

	"github.com/stretchr/testify/assert"
)

func keyedHandler(cfg config.Config) http.Handler {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return AccessKey(cfg)(ok)
}

func TestAccessKey(t *testing.T) {
	h := keyedHandler(config.Config{Env: "prod", AccessKey: "sekrit"})

	t.Run("bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
		req.Header.Set("Authorization", "Bearer sekrit")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("query param", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent?key=sekrit", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("goog header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
		req.Header.Set("X-Goog-Api-Key", "sekrit")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
		req.Header.Set("Authorization", "Bearer nope")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("healthz and metrics bypass", func(t *testing.T) {
		for _, path := range []string{"/healthz", "/metrics"} {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code, path)
		}
	})
}

func TestAccessKeyDevPassthrough(t *testing.T) {
	h := keyedHandler(config.Config{Env: "dev"})
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAccessKeyProdRequiresConfig(t *testing.T) {
	h := keyedHandler(config.Config{Env: "prod"})
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWithTenantHeader(t *testing.T) {
	var got string
	h := WithTenant()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = TenantFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
	req.Header.Set("X-Tenant-ID", "team-a")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "team-a", got)

	req = httptest.NewRequest(http.MethodPost, "/v1beta/models/m:generateContent", nil)
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, DefaultTenant, got)
}
