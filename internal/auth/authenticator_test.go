package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nexus/internal/credentials"
	"nexus/internal/registry"
	"nexus/pkg/config"
	"nexus/pkg/logger"
	"nexus/pkg/problems"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, tokenURL string) *registry.Registry {
	t.Helper()
	file := filepath.Join(t.TempDir(), "endpoints.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"endpoints:\n  - operation: oauthToken\n    baseURL: "+tokenURL+"\n    path: /token\n"), 0o600))
	r, err := registry.New(config.Config{EndpointsFile: file})
	require.NoError(t, err)
	return r
}

func newAuthenticator(t *testing.T, tokenURL string, seed credentials.Credential) (*Authenticator, *credentials.Store) {
	t.Helper()
	store := credentials.NewStore(&memSink{})
	require.NoError(t, store.Replace(context.Background(), "default", seed))
	cfg := config.Config{
		OAuthClientID:     "client-id",
		OAuthClientSecret: "client-secret",
		TokenTimeout:      5 * time.Second,
	}
	return New(logger.Nop(), cfg, store, testRegistry(t, tokenURL)), store
}

type memSink struct {
	mu  sync.Mutex
	byT map[string]credentials.Credential
}

func (m *memSink) Load(ctx context.Context, tenant string) (credentials.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byT[tenant]; ok {
		return c, nil
	}
	return credentials.Credential{}, credentials.ErrNotFound
}

func (m *memSink) Save(ctx context.Context, tenant string, c credentials.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byT == nil {
		m.byT = map[string]credentials.Credential{}
	}
	m.byT[tenant] = c
	return nil
}

func TestEnsureValidUsesCachedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected")
	}))
	defer srv.Close()

	a, _ := newAuthenticator(t, srv.URL, credentials.Credential{
		AccessToken: "tok", RefreshToken: "ref", Expiry: time.Now().Add(time.Hour),
	})
	c, err := a.EnsureValid(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "tok", c.AccessToken)
}

func TestEnsureValidRefreshesExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-ref", r.Form.Get("refresh_token"))
		assert.Equal(t, "client-id", r.Form.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		// Google omits refresh_token on refresh responses.
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	a, store := newAuthenticator(t, srv.URL, credentials.Credential{
		AccessToken: "stale", RefreshToken: "old-ref", Expiry: time.Now().Add(-time.Minute),
	})
	c, err := a.EnsureValid(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "fresh", c.AccessToken)
	assert.Equal(t, "old-ref", c.RefreshToken, "missing refresh_token keeps the old one")
	assert.True(t, c.Valid(time.Now()))

	got, err := store.Get(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.AccessToken)
}

func TestEnsureValidCollapsesConcurrentRefreshes(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(30 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	a, _ := newAuthenticator(t, srv.URL, credentials.Credential{
		AccessToken: "stale", RefreshToken: "ref", Expiry: time.Now().Add(-time.Minute),
	})

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	toks := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := a.EnsureValid(context.Background(), "default")
			errs[i], toks[i] = err, c.AccessToken
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "one refresh across all callers")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "fresh", toks[i])
	}
}

func TestRefreshClassifiesErrors(t *testing.T) {
	t.Run("invalid_grant is terminal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
		}))
		defer srv.Close()

		a, _ := newAuthenticator(t, srv.URL, credentials.Credential{
			RefreshToken: "revoked", Expiry: time.Now().Add(-time.Minute),
		})
		_, err := a.EnsureValid(context.Background(), "default")
		require.Error(t, err)
		assert.Equal(t, problems.KindAuthExpired, problems.KindOf(err))
	})

	t.Run("5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		a, _ := newAuthenticator(t, srv.URL, credentials.Credential{
			RefreshToken: "ref", Expiry: time.Now().Add(-time.Minute),
		})
		_, err := a.EnsureValid(context.Background(), "default")
		require.Error(t, err)
		assert.Equal(t, problems.KindAuthTransient, problems.KindOf(err))
	})

	t.Run("no refresh token", func(t *testing.T) {
		a, _ := newAuthenticator(t, "http://127.0.0.1:0", credentials.Credential{
			AccessToken: "stale", Expiry: time.Now().Add(-time.Minute),
		})
		_, err := a.EnsureValid(context.Background(), "default")
		require.Error(t, err)
		assert.Equal(t, problems.KindAuthExpired, problems.KindOf(err))
	})
}

func TestEmailFromIDToken(t *testing.T) {
	tok := jwt.New()
	require.NoError(t, tok.Set("email", "dev@example.com"))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("not-checked")))
	require.NoError(t, err)

	email, err := EmailFromIDToken(string(signed))
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", email)
}
