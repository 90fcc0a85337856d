// internal/credentials/postgres.go
package credentials

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the credential table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, dbPool *pgxpool.Pool) error {
	_, err := dbPool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS oauth_credentials (
  tenant_id text PRIMARY KEY,
  access_token text NOT NULL DEFAULT '',
  refresh_token text NOT NULL DEFAULT '',
  token_type text NOT NULL DEFAULT 'Bearer',
  expiry timestamptz,
  email text NOT NULL DEFAULT '',
  updated_at timestamptz NOT NULL DEFAULT NOW()
);
`)
	return err
}

type pgProvider struct {
	pool *pgxpool.Pool
}

func NewPostgresProvider(pool *pgxpool.Pool) Provider { return &pgProvider{pool: pool} }

func (p *pgProvider) Load(ctx context.Context, tenant string) (Credential, error) {
	var c Credential
	err := p.pool.QueryRow(ctx,
		`SELECT access_token, refresh_token, token_type, COALESCE(expiry, 'epoch'::timestamptz), email
     FROM oauth_credentials WHERE tenant_id=$1`, tenant).
		Scan(&c.AccessToken, &c.RefreshToken, &c.TokenType, &c.Expiry, &c.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrNotFound
		}
		return Credential{}, err
	}
	return c, nil
}

func (p *pgProvider) Save(ctx context.Context, tenant string, c Credential) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO oauth_credentials(tenant_id, access_token, refresh_token, token_type, expiry, email, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (tenant_id) DO UPDATE SET
  access_token=EXCLUDED.access_token,
  refresh_token=EXCLUDED.refresh_token,
  token_type=EXCLUDED.token_type,
  expiry=EXCLUDED.expiry,
  email=EXCLUDED.email,
  updated_at=NOW()`,
		tenant, c.AccessToken, c.RefreshToken, c.TokenType, c.Expiry, c.Email)
	return err
}
