package credentials

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("credential not found")

type Provider interface {
	// Load the persisted credential for a tenant.
	Load(ctx context.Context, tenant string) (Credential, error)
	// Save replaces the persisted credential for a tenant.
	Save(ctx context.Context, tenant string, c Credential) error
}
