// internal/credentials/store.go
package credentials

import (
	"context"
	"sync"
	"time"
)

// Store fronts a Provider with an in-process cache. All mutation goes through
// the store so the cache and the persisted copy never diverge.
type Store struct {
	mu   sync.RWMutex
	prov Provider
	byT  map[string]Credential

	// now is swappable in tests.
	now func() time.Time
}

func NewStore(prov Provider) *Store {
	return &Store{prov: prov, byT: map[string]Credential{}, now: time.Now}
}

// Get returns the tenant's credential, loading it from the provider on a
// cache miss. The credential may be expired; callers check Valid.
func (s *Store) Get(ctx context.Context, tenant string) (Credential, error) {
	s.mu.RLock()
	c, ok := s.byT[tenant]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}
	c, err := s.prov.Load(ctx, tenant)
	if err != nil {
		return Credential{}, err
	}
	s.mu.Lock()
	// A concurrent loader may have won; keep whichever is fresher.
	if cur, ok := s.byT[tenant]; !ok || c.Expiry.After(cur.Expiry) {
		s.byT[tenant] = c
	} else {
		c = cur
	}
	s.mu.Unlock()
	return c, nil
}

// Replace installs a new credential for the tenant and persists it.
func (s *Store) Replace(ctx context.Context, tenant string, c Credential) error {
	s.mu.Lock()
	s.byT[tenant] = c
	s.mu.Unlock()
	return s.prov.Save(ctx, tenant, c)
}

// Invalidate drops the cached access token after an upstream 401 so the next
// caller refreshes. The refresh token is kept.
func (s *Store) Invalidate(ctx context.Context, tenant string) {
	s.mu.Lock()
	c, ok := s.byT[tenant]
	if ok {
		c.AccessToken = ""
		s.byT[tenant] = c
	}
	s.mu.Unlock()
	if ok {
		_ = s.prov.Save(ctx, tenant, c)
	}
}

// Now exposes the store's clock so validity checks line up in callers.
func (s *Store) Now() time.Time { return s.now() }

// SetClock is a test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
