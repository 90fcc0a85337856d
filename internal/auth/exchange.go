// internal/auth/exchange.go
package auth

import (
	"context"

	"nexus/internal/credentials"
	"nexus/internal/registry"
	"nexus/pkg/problems"

	"golang.org/x/oauth2"
)

const googleAuthURL = "https://accounts.google.com/o/oauth2/v2/auth"

func (a *Authenticator) oauthConfig(redirect string) *oauth2.Config {
	tokenURL := googleAuthURL
	if ep, err := a.reg.Resolve(registry.OpOAuthToken); err == nil {
		tokenURL = ep.URL()
	}
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		RedirectURL:  redirect,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  googleAuthURL,
			TokenURL: tokenURL,
		},
	}
}

// AuthCodeURL builds the consent URL for the installed-app flow. Offline
// access is requested so the exchange yields a refresh token.
func (a *Authenticator) AuthCodeURL(state, redirect string) string {
	return a.oauthConfig(redirect).AuthCodeURL(state,
		oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// ExchangeCode trades an authorization code for a credential and installs it
// for the tenant.
func (a *Authenticator) ExchangeCode(ctx context.Context, tenant, code, redirect string) (credentials.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	tok, err := a.oauthConfig(redirect).Exchange(ctx, code)
	if err != nil {
		return credentials.Credential{}, problems.Wrap(problems.KindAuthExpired, err, "code exchange failed")
	}
	c := credentials.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
	}
	if idt, ok := tok.Extra("id_token").(string); ok && idt != "" {
		if email, err := EmailFromIDToken(idt); err == nil {
			c.Email = email
		}
	}
	if err := a.store.Replace(ctx, tenant, c); err != nil {
		a.log.Warnw("persist exchanged credential failed", "tenant", tenant, "err", err)
	}
	a.log.Infow("authorization completed", "tenant", tenant, "email", c.Email)
	return c, nil
}
