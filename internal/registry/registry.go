// Package registry maps logical upstream operations to concrete endpoints.
// The mapping is assembled once at startup and never mutated afterwards, so
// lookups are safe from any goroutine without locking.
package registry

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"nexus/pkg/config"

	"gopkg.in/yaml.v3"
)

// Operation names a logical upstream call.
type Operation string

const (
	OpLoadCodeAssist        Operation = "loadCodeAssist"
	OpOnboardUser           Operation = "onboardUser"
	OpGenerateContent       Operation = "generateContent"
	OpStreamGenerateContent Operation = "streamGenerateContent"
	OpCountTokens           Operation = "countTokens"
	OpOAuthToken            Operation = "oauthToken"
)

var ErrUnknownOperation = errors.New("unknown operation")

// Endpoint is a fully resolved upstream target.
type Endpoint struct {
	Operation Operation
	BaseURL   string
	Path      string
	Method    string
	RawQuery  string
}

// URL joins base, path and query into the request URL.
func (e Endpoint) URL() string {
	u := strings.TrimRight(e.BaseURL, "/") + e.Path
	if e.RawQuery != "" {
		u += "?" + e.RawQuery
	}
	return u
}

const (
	cloudCodeBase = "https://cloudcode-pa.googleapis.com"
	// The internal API version. All Code Assist operations live under it,
	// onboarding included; the public v1 surface does not expose them.
	apiVersion = "v1internal"

	oauthTokenBase = "https://oauth2.googleapis.com"
	oauthTokenPath = "/token"
)

func defaults() map[Operation]Endpoint {
	cc := func(op Operation, query string) Endpoint {
		return Endpoint{
			Operation: op,
			BaseURL:   cloudCodeBase,
			Path:      "/" + apiVersion + ":" + string(op),
			Method:    "POST",
			RawQuery:  query,
		}
	}
	return map[Operation]Endpoint{
		OpLoadCodeAssist:        cc(OpLoadCodeAssist, ""),
		OpOnboardUser:           cc(OpOnboardUser, ""),
		OpGenerateContent:       cc(OpGenerateContent, ""),
		OpStreamGenerateContent: cc(OpStreamGenerateContent, "alt=sse"),
		OpCountTokens:           cc(OpCountTokens, ""),
		OpOAuthToken: {
			Operation: OpOAuthToken,
			BaseURL:   oauthTokenBase,
			Path:      oauthTokenPath,
			Method:    "POST",
		},
	}
}

type Registry struct {
	eps map[Operation]Endpoint
}

type fileEndpoint struct {
	Operation string `yaml:"operation"`
	BaseURL   string `yaml:"baseURL"`
	Path      string `yaml:"path"`
	Method    string `yaml:"method"`
	Query     string `yaml:"query"`
}

type endpointsFile struct {
	Endpoints []fileEndpoint `yaml:"endpoints"`
}

// New builds the registry from built-in defaults, applying per-operation
// overrides from cfg.EndpointsFile when set. Overrides re-point base URLs
// (sandbox environments) without touching operations they do not name.
func New(cfg config.Config) (*Registry, error) {
	eps := defaults()
	if cfg.EndpointsFile != "" {
		data, err := os.ReadFile(cfg.EndpointsFile)
		if err != nil {
			return nil, fmt.Errorf("read endpoints file: %w", err)
		}
		var f endpointsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse endpoints file: %w", err)
		}
		for _, fe := range f.Endpoints {
			op := Operation(fe.Operation)
			base, ok := eps[op]
			if !ok {
				return nil, fmt.Errorf("endpoints file: %w: %q", ErrUnknownOperation, fe.Operation)
			}
			if fe.BaseURL != "" {
				if _, err := url.ParseRequestURI(fe.BaseURL); err != nil {
					return nil, fmt.Errorf("endpoints file: bad baseURL for %q: %w", fe.Operation, err)
				}
				base.BaseURL = fe.BaseURL
			}
			if fe.Path != "" {
				base.Path = fe.Path
			}
			if fe.Method != "" {
				base.Method = strings.ToUpper(fe.Method)
			}
			if fe.Query != "" {
				base.RawQuery = fe.Query
			}
			eps[op] = base
		}
	}
	return &Registry{eps: eps}, nil
}

// NewDefault returns a registry with the built-in production endpoints.
func NewDefault() *Registry {
	return &Registry{eps: defaults()}
}

// Resolve returns the endpoint for op, or ErrUnknownOperation.
func (r *Registry) Resolve(op Operation) (Endpoint, error) {
	e, ok := r.eps[op]
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	return e, nil
}

// Operations lists the registered operation names.
func (r *Registry) Operations() []Operation {
	out := make([]Operation, 0, len(r.eps))
	for op := range r.eps {
		out = append(out, op)
	}
	return out
}
