package credentials

import "time"

// ExpirySkew is subtracted from token lifetimes so a token nearing expiry is
// treated as already expired and refreshed before upstream rejects it.
const ExpirySkew = 30 * time.Second

// Credential holds one tenant's OAuth session with the provider.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
	// Email from the id_token, informational only.
	Email string `json:"email,omitempty"`
}

// Valid reports whether the access token is usable at t, skew applied.
func (c Credential) Valid(t time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.Expiry.IsZero() {
		return false
	}
	return t.Before(c.Expiry.Add(-ExpirySkew))
}

// Refreshable reports whether a refresh can even be attempted.
func (c Credential) Refreshable() bool { return c.RefreshToken != "" }
