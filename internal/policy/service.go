// Package policy gates proxied calls with an optional Rego module. With no
// module configured every call is allowed; a configured module decides per
// (tenant, model, operation).
package policy

import (
	"context"
	"os"

	"nexus/pkg/config"
	"nexus/pkg/problems"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

type Status string

const (
	Allow   Status = "ALLOW"
	Blocked Status = "BLOCKED"
)

type Decision struct {
	Status  Status
	Reasons []string
}

type Gate struct {
	log      *zap.SugaredLogger
	prepared *rego.PreparedEvalQuery
}

// New loads and compiles the module from cfg.PolicyFile. An empty path means
// an open gate.
func New(ctx context.Context, log *zap.SugaredLogger, cfg config.Config) (*Gate, error) {
	if cfg.PolicyFile == "" {
		return &Gate{log: log}, nil
	}
	mod, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	return NewFromModule(ctx, log, string(mod))
}

// NewFromModule compiles an in-memory module.
func NewFromModule(ctx context.Context, log *zap.SugaredLogger, module string) (*Gate, error) {
	pq, err := rego.New(
		rego.Query("data.nexus.decide"),
		rego.Module("policy.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &Gate{log: log, prepared: &pq}, nil
}

// Evaluate decides whether the call may proceed. No module means allow;
// an evaluation error blocks rather than failing open.
func (g *Gate) Evaluate(ctx context.Context, tenant, model, operation string) Decision {
	if g.prepared == nil {
		return Decision{Status: Allow}
	}
	rs, err := g.prepared.Eval(ctx, rego.EvalInput(map[string]any{
		"tenant":    tenant,
		"model":     model,
		"operation": operation,
	}))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		g.log.Warnw("policy evaluation failed", "tenant", tenant, "err", err)
		return Decision{Status: Blocked, Reasons: []string{"policy_error"}}
	}
	out := rs[0].Expressions[0].Value
	m, ok := out.(map[string]any)
	if !ok {
		// A bare boolean result is accepted too.
		if b, ok := out.(bool); ok && b {
			return Decision{Status: Allow}
		}
		return Decision{Status: Blocked, Reasons: []string{"policy_malformed"}}
	}
	dec := Decision{Status: Blocked}
	if s, ok := m["status"].(string); ok && s == string(Allow) {
		dec.Status = Allow
	}
	if reasons, ok := m["reasons"].([]any); ok {
		for _, r := range reasons {
			if s, ok := r.(string); ok {
				dec.Reasons = append(dec.Reasons, s)
			}
		}
	}
	return dec
}

// Check is Evaluate folded into the error taxonomy.
func (g *Gate) Check(ctx context.Context, tenant, model, operation string) error {
	dec := g.Evaluate(ctx, tenant, model, operation)
	if dec.Status == Allow {
		return nil
	}
	msg := "blocked by policy"
	if len(dec.Reasons) > 0 {
		msg += ": " + dec.Reasons[0]
	}
	return problems.New(problems.KindPolicyBlocked, msg)
}
