// Package auth keeps each tenant's OAuth session valid against the Google
// token endpoint. Refreshes are collapsed per tenant so a burst of expired
// callers produces one network exchange.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nexus/internal/credentials"
	"nexus/internal/registry"
	"nexus/pkg/config"
	"nexus/pkg/problems"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Scopes requested for Code Assist sessions.
var Scopes = []string{
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

type Authenticator struct {
	log          *zap.SugaredLogger
	store        *credentials.Store
	reg          *registry.Registry
	client       *http.Client
	clientID     string
	clientSecret string
	timeout      time.Duration

	sf singleflight.Group
}

func New(log *zap.SugaredLogger, cfg config.Config, store *credentials.Store, reg *registry.Registry) *Authenticator {
	return &Authenticator{
		log:          log,
		store:        store,
		reg:          reg,
		client:       &http.Client{Timeout: cfg.TokenTimeout},
		clientID:     cfg.OAuthClientID,
		clientSecret: cfg.OAuthClientSecret,
		timeout:      cfg.TokenTimeout,
	}
}

// EnsureValid returns a credential usable right now, refreshing if needed.
// Concurrent callers for the same tenant share a single refresh.
func (a *Authenticator) EnsureValid(ctx context.Context, tenant string) (credentials.Credential, error) {
	c, err := a.store.Get(ctx, tenant)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return credentials.Credential{}, problems.New(problems.KindAuthExpired, "no credentials for tenant; authorize first")
		}
		return credentials.Credential{}, problems.Wrap(problems.KindAuthTransient, err, "load credentials")
	}
	if c.Valid(a.store.Now()) {
		return c, nil
	}
	if !c.Refreshable() {
		return credentials.Credential{}, problems.New(problems.KindAuthExpired, "session expired and no refresh token; authorize again")
	}

	v, err, _ := a.sf.Do(tenant, func() (any, error) {
		// The winner of the race may have already installed a fresh token.
		cur, err := a.store.Get(ctx, tenant)
		if err == nil && cur.Valid(a.store.Now()) {
			return cur, nil
		}
		return a.refresh(ctx, tenant, cur)
	})
	if err != nil {
		return credentials.Credential{}, err
	}
	return v.(credentials.Credential), nil
}

// Invalidate drops the tenant's access token; the next EnsureValid refreshes.
func (a *Authenticator) Invalidate(ctx context.Context, tenant string) {
	a.store.Invalidate(ctx, tenant)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	IDToken      string `json:"id_token"`
}

type tokenError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (a *Authenticator) refresh(ctx context.Context, tenant string, old credentials.Credential) (credentials.Credential, error) {
	ep, err := a.reg.Resolve(registry.OpOAuthToken)
	if err != nil {
		return credentials.Credential{}, problems.Wrap(problems.KindUnknownOperation, err, "resolve token endpoint")
	}

	form := url.Values{
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
		"refresh_token": {old.RefreshToken},
		"grant_type":    {"refresh_token"},
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, ep.Method, ep.URL(), strings.NewReader(form.Encode()))
	if err != nil {
		return credentials.Credential{}, problems.Wrap(problems.KindAuthTransient, err, "build refresh request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return credentials.Credential{}, problems.Wrap(problems.KindAuthTransient, err, "token endpoint unreachable")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 {
		return credentials.Credential{}, problems.New(problems.KindAuthTransient, "token endpoint error "+resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.Unmarshal(body, &te)
		// invalid_grant means the refresh token was revoked or expired; the
		// user has to authorize again. Everything else 4xx is treated the same
		// since retrying the identical request cannot succeed.
		msg := "refresh rejected"
		if te.Code != "" {
			msg += ": " + te.Code
		}
		a.log.Warnw("token refresh rejected", "tenant", tenant, "status", resp.StatusCode, "code", te.Code)
		return credentials.Credential{}, problems.New(problems.KindAuthExpired, msg)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return credentials.Credential{}, problems.New(problems.KindAuthTransient, "malformed token response")
	}

	next := credentials.Credential{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		Expiry:       a.store.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Email:        old.Email,
	}
	if next.RefreshToken == "" {
		// Google omits the refresh token on refresh responses.
		next.RefreshToken = old.RefreshToken
	}
	if next.TokenType == "" {
		next.TokenType = "Bearer"
	}
	if tr.IDToken != "" {
		if email, err := EmailFromIDToken(tr.IDToken); err == nil && email != "" {
			next.Email = email
		}
	}
	if err := a.store.Replace(ctx, tenant, next); err != nil {
		a.log.Warnw("persist refreshed credential failed", "tenant", tenant, "err", err)
	}
	a.log.Infow("token refreshed", "tenant", tenant, "expiry", next.Expiry)
	return next, nil
}
