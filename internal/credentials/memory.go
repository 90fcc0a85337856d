// internal/credentials/memory.go
package credentials

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

type memProvider struct {
	log *zap.SugaredLogger
	mu  sync.RWMutex
	byT map[string]Credential
}

// NewMemoryProviderFromEnv builds an in-memory provider for dev. Seeds either
// from CREDENTIAL_SEED_JSON (per-tenant entries) or from GOOGLE_REFRESH_TOKEN
// for the default tenant.
func NewMemoryProviderFromEnv(log *zap.SugaredLogger) Provider {
	p := &memProvider{log: log, byT: map[string]Credential{}}
	seed := os.Getenv("CREDENTIAL_SEED_JSON")
	if seed != "" {
		var entries []struct {
			Tenant       string    `json:"tenant"`
			AccessToken  string    `json:"access_token"`
			RefreshToken string    `json:"refresh_token"`
			Expiry       time.Time `json:"expiry"`
			Email        string    `json:"email"`
		}
		_ = json.Unmarshal([]byte(seed), &entries)
		for _, e := range entries {
			tenant := e.Tenant
			if tenant == "" {
				tenant = "default"
			}
			p.byT[tenant] = Credential{
				AccessToken:  e.AccessToken,
				RefreshToken: e.RefreshToken,
				TokenType:    "Bearer",
				Expiry:       e.Expiry,
				Email:        e.Email,
			}
		}
	} else if rt := os.Getenv("GOOGLE_REFRESH_TOKEN"); rt != "" {
		// Access token left empty so the first request triggers a refresh.
		p.byT["default"] = Credential{RefreshToken: rt, TokenType: "Bearer"}
	}
	return p
}

func (m *memProvider) Load(ctx context.Context, tenant string) (Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.byT[tenant]; ok {
		return c, nil
	}
	return Credential{}, ErrNotFound
}

func (m *memProvider) Save(ctx context.Context, tenant string, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byT[tenant] = c
	return nil
}
