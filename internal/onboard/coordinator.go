// Package onboard provisions tenants with the Code Assist backend. A tenant
// is onboarded at most once; the resulting companion project id is what every
// generate call must carry.
package onboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"nexus/internal/credentials"
	"nexus/internal/registry"
	"nexus/pkg/config"
	"nexus/pkg/problems"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TokenSource yields a valid credential for a tenant.
type TokenSource interface {
	EnsureValid(ctx context.Context, tenant string) (credentials.Credential, error)
}

type Coordinator struct {
	log     *zap.SugaredLogger
	reg     *registry.Registry
	tokens  TokenSource
	client  *http.Client
	rdb     *redis.Client
	timeout time.Duration
	// pollEvery is shortened in tests.
	pollEvery time.Duration

	mu       sync.RWMutex
	byTenant map[string]string

	sf singleflight.Group
}

func New(log *zap.SugaredLogger, cfg config.Config, reg *registry.Registry, tokens TokenSource, rdb *redis.Client) *Coordinator {
	return &Coordinator{
		log:       log,
		reg:       reg,
		tokens:    tokens,
		client:    &http.Client{Timeout: cfg.OnboardTimeout},
		rdb:       rdb,
		timeout:   cfg.OnboardTimeout,
		pollEvery: 2 * time.Second,
		byTenant:  map[string]string{},
	}
}

const redisKeyPrefix = "nexus:onboard:"

type clientMetadata struct {
	IdeType    string `json:"ideType"`
	Platform   string `json:"platform"`
	PluginType string `json:"pluginType"`
}

func defaultMetadata() clientMetadata {
	return clientMetadata{IdeType: "IDE_UNSPECIFIED", Platform: "PLATFORM_UNSPECIFIED", PluginType: "GEMINI"}
}

type loadRequest struct {
	CloudaicompanionProject string         `json:"cloudaicompanionProject,omitempty"`
	Metadata                clientMetadata `json:"metadata"`
}

type tier struct {
	ID                                 string `json:"id"`
	IsDefault                          bool   `json:"isDefault"`
	UserDefinedCloudaicompanionProject bool   `json:"userDefinedCloudaicompanionProject"`
}

type loadResponse struct {
	CurrentTier             *tier  `json:"currentTier"`
	AllowedTiers            []tier `json:"allowedTiers"`
	CloudaicompanionProject string `json:"cloudaicompanionProject"`
}

type onboardRequest struct {
	TierID                  string         `json:"tierId"`
	CloudaicompanionProject string         `json:"cloudaicompanionProject,omitempty"`
	Metadata                clientMetadata `json:"metadata"`
}

type onboardOperation struct {
	Name     string `json:"name"`
	Done     bool   `json:"done"`
	Response struct {
		CloudaicompanionProject struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"cloudaicompanionProject"`
	} `json:"response"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// EnsureOnboarded returns the companion project id for the tenant, running
// the onboarding flow on first use. Concurrent callers for the same tenant
// share one flow.
func (c *Coordinator) EnsureOnboarded(ctx context.Context, tenant, project string) (string, error) {
	c.mu.RLock()
	id, ok := c.byTenant[tenant]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	if c.rdb != nil {
		if id, err := c.rdb.Get(ctx, redisKeyPrefix+tenant).Result(); err == nil && id != "" {
			c.remember(tenant, id)
			return id, nil
		}
	}

	v, err, _ := c.sf.Do(tenant, func() (any, error) {
		c.mu.RLock()
		id, ok := c.byTenant[tenant]
		c.mu.RUnlock()
		if ok {
			return id, nil
		}
		id, err := c.onboard(ctx, tenant, project)
		if err != nil {
			return "", err
		}
		c.remember(tenant, id)
		if c.rdb != nil {
			if err := c.rdb.Set(ctx, redisKeyPrefix+tenant, id, 0).Err(); err != nil {
				c.log.Warnw("cache onboarded project failed", "tenant", tenant, "err", err)
			}
		}
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Coordinator) remember(tenant, id string) {
	c.mu.Lock()
	c.byTenant[tenant] = id
	c.mu.Unlock()
}

func (c *Coordinator) onboard(ctx context.Context, tenant, project string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var load loadResponse
	if err := c.post(ctx, tenant, registry.OpLoadCodeAssist, loadRequest{
		CloudaicompanionProject: project,
		Metadata:                defaultMetadata(),
	}, &load); err != nil {
		return "", err
	}

	// A tenant with a current tier and a companion project is already set up.
	if load.CurrentTier != nil && load.CloudaicompanionProject != "" {
		c.log.Infow("tenant already onboarded", "tenant", tenant, "project", load.CloudaicompanionProject)
		return load.CloudaicompanionProject, nil
	}

	tierID := pickTier(load)
	req := onboardRequest{TierID: tierID, CloudaicompanionProject: project, Metadata: defaultMetadata()}

	// The onboard call is a long-running operation; repeat it until done.
	for {
		var op onboardOperation
		if err := c.post(ctx, tenant, registry.OpOnboardUser, req, &op); err != nil {
			return "", err
		}
		if op.Error != nil {
			return "", problems.New(problems.KindOnboardingFailed, "onboarding failed: "+op.Error.Message)
		}
		if op.Done {
			id := op.Response.CloudaicompanionProject.ID
			if id == "" {
				id = project
			}
			if id == "" {
				return "", problems.New(problems.KindOnboardingFailed, "onboarding finished without a project id")
			}
			c.log.Infow("tenant onboarded", "tenant", tenant, "tier", tierID, "project", id)
			return id, nil
		}
		select {
		case <-ctx.Done():
			return "", problems.Wrap(problems.KindOnboardingFailed, ctx.Err(), "onboarding timed out")
		case <-time.After(c.pollEvery):
		}
	}
}

func pickTier(load loadResponse) string {
	for _, t := range load.AllowedTiers {
		if t.IsDefault {
			return t.ID
		}
	}
	return "free-tier"
}

func (c *Coordinator) post(ctx context.Context, tenant string, op registry.Operation, in, out any) error {
	ep, err := c.reg.Resolve(op)
	if err != nil {
		return problems.Wrap(problems.KindUnknownOperation, err, "resolve "+string(op))
	}
	cred, err := c.tokens.EnsureValid(ctx, tenant)
	if err != nil {
		return err
	}
	body, err := json.Marshal(in)
	if err != nil {
		return problems.Wrap(problems.KindOnboardingFailed, err, "encode "+string(op))
	}
	req, err := http.NewRequestWithContext(ctx, ep.Method, ep.URL(), bytes.NewReader(body))
	if err != nil {
		return problems.Wrap(problems.KindOnboardingFailed, err, "build "+string(op))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return problems.Wrap(problems.KindOnboardingFailed, err, string(op)+" unreachable")
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		c.log.Warnw("onboarding call failed", "tenant", tenant, "op", op, "status", resp.StatusCode)
		return problems.New(problems.KindOnboardingFailed, string(op)+" returned "+resp.Status)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return problems.Wrap(problems.KindMalformedUpstream, err, "decode "+string(op))
	}
	return nil
}
