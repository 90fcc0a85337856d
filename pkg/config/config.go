// pkg/config/config.go
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	HTTPAddr string

	// Shared key the CLI presents on inbound requests. Empty in dev means
	// requests pass through unauthenticated.
	AccessKey string

	// OAuth client for the upstream token endpoint. The defaults are the
	// public installed-app client shipped inside Gemini CLI; an installed-app
	// secret is not treated as a secret.
	OAuthClientID     string
	OAuthClientSecret string

	// Default tenant (Cloud project) used when the CLI sends no X-Tenant-ID.
	DefaultProject string

	// Optional YAML file re-pointing upstream base URLs (sandbox endpoints).
	EndpointsFile string

	// Optional Rego module gating (tenant, model) pairs.
	PolicyFile string

	// Per-call deadlines for upstream I/O.
	UpstreamTimeout time.Duration
	OnboardTimeout  time.Duration
	TokenTimeout    time.Duration

	// Redis & Postgres
	RedisURL    string
	DatabaseURL string
}

const (
	defaultOAuthClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com"
	defaultOAuthClientSecret = "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"
)

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:               env("NEXUS_ENV", "dev"),
		HTTPAddr:          env("NEXUS_HTTP_ADDR", ":8000"),
		AccessKey:         env("NEXUS_ACCESS_KEY", ""),
		OAuthClientID:     env("GOOGLE_OAUTH_CLIENT_ID", defaultOAuthClientID),
		OAuthClientSecret: env("GOOGLE_OAUTH_CLIENT_SECRET", defaultOAuthClientSecret),
		DefaultProject:    env("GOOGLE_CLOUD_PROJECT", ""),
		EndpointsFile:     env("ENDPOINTS_FILE", ""),
		PolicyFile:        env("POLICY_REGO_FILE", ""),
		UpstreamTimeout:   envDur("UPSTREAM_TIMEOUT_SEC", 120) * time.Second,
		OnboardTimeout:    envDur("ONBOARD_TIMEOUT_SEC", 90) * time.Second,
		TokenTimeout:      envDur("TOKEN_TIMEOUT_SEC", 30) * time.Second,
		RedisURL:          env("REDIS_URL", ""),
		DatabaseURL:       env("DATABASE_URL", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Println("[WARN] DATABASE_URL not set; using in-memory credential provider for dev")
	}
	return cfg
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
func envDur(k string, def int) time.Duration {
	if v := os.Getenv(k); v != "" {
		i, _ := strconv.Atoi(v)
		return time.Duration(i)
	}
	return time.Duration(def)
}
