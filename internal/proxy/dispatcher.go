// Package proxy carries CLI requests to the provider and back. The
// dispatcher owns the upstream HTTP path: policy gate, onboarding, auth
// headers, the single retry after an upstream 401, and error mapping.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"nexus/internal/credentials"
	"nexus/internal/registry"
	"nexus/internal/translate"
	"nexus/pkg/config"
	"nexus/pkg/problems"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var upstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nexus_upstream_requests_total",
	Help: "Upstream calls, by operation and status code.",
}, []string{"op", "status"})

// TokenSource yields valid credentials and drops ones upstream rejected.
type TokenSource interface {
	EnsureValid(ctx context.Context, tenant string) (credentials.Credential, error)
	Invalidate(ctx context.Context, tenant string)
}

// Onboarder resolves the companion project a tenant generates against.
type Onboarder interface {
	EnsureOnboarded(ctx context.Context, tenant, project string) (string, error)
}

// Policy gates a call before it leaves the proxy.
type Policy interface {
	Check(ctx context.Context, tenant, model, operation string) error
}

type Dispatcher struct {
	log            *zap.SugaredLogger
	reg            *registry.Registry
	tokens         TokenSource
	onboarder      Onboarder
	gate           Policy
	client         *http.Client
	defaultProject string
	timeout        time.Duration
}

func NewDispatcher(log *zap.SugaredLogger, cfg config.Config, reg *registry.Registry, tokens TokenSource, ob Onboarder, gate Policy) *Dispatcher {
	// No client-level timeout; streaming bodies outlive any fixed value.
	// The header timeout bounds the connect phase for streams, and unary
	// calls get a full deadline from the request context.
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = cfg.UpstreamTimeout
	return &Dispatcher{
		log:            log,
		reg:            reg,
		tokens:         tokens,
		onboarder:      ob,
		gate:           gate,
		client:         &http.Client{Transport: tr},
		defaultProject: cfg.DefaultProject,
		timeout:        cfg.UpstreamTimeout,
	}
}

// Unary performs a request/response operation and returns the native body.
func (d *Dispatcher) Unary(ctx context.Context, op registry.Operation, tenant, model string, native json.RawMessage) (json.RawMessage, error) {
	resp, err := d.dispatch(ctx, op, tenant, model, native)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, wrapTransport(err, "read upstream response")
	}
	return translate.FromRaw(body)
}

// Stream performs streamGenerateContent and returns the upstream SSE body.
// The caller translates chunk by chunk and closes the reader.
func (d *Dispatcher) Stream(ctx context.Context, tenant, model string, native json.RawMessage) (io.ReadCloser, error) {
	resp, err := d.dispatch(ctx, registry.OpStreamGenerateContent, tenant, model, native)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// dispatch runs the shared pipeline and returns a 2xx upstream response.
func (d *Dispatcher) dispatch(ctx context.Context, op registry.Operation, tenant, model string, native json.RawMessage) (*http.Response, error) {
	if err := d.gate.Check(ctx, tenant, model, string(op)); err != nil {
		return nil, err
	}
	ep, err := d.reg.Resolve(op)
	if err != nil {
		return nil, problems.Wrap(problems.KindUnknownOperation, err, "resolve operation")
	}

	var raw json.RawMessage
	switch op {
	case registry.OpCountTokens:
		raw, err = translate.ToRawCountTokens(model, native)
	default:
		project, oerr := d.onboarder.EnsureOnboarded(ctx, tenant, d.defaultProject)
		if oerr != nil {
			return nil, oerr
		}
		raw, err = translate.ToRaw(model, project, native)
	}
	if err != nil {
		return nil, err
	}

	// Streams may legitimately run past the per-call deadline; only the
	// connect phase is bounded for them (transport header timeout). Unary
	// calls get the full deadline.
	var cancel context.CancelFunc
	if op == registry.OpStreamGenerateContent {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
	}
	resp, err := d.send(ctx, ep, tenant, raw)
	if err != nil {
		cancel()
		return nil, err
	}
	upstreamRequests.WithLabelValues(string(op), strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode/100 != 2 {
		defer cancel()
		defer resp.Body.Close()
		return nil, d.upstreamError(op, resp)
	}
	// Tie the body's lifetime to the deadline; closing the body releases it.
	resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// send posts the raw body with auth, refreshing and retrying exactly once on
// an upstream 401.
func (d *Dispatcher) send(ctx context.Context, ep registry.Endpoint, tenant string, raw []byte) (*http.Response, error) {
	cred, err := d.tokens.EnsureValid(ctx, tenant)
	if err != nil {
		return nil, err
	}
	resp, err := d.post(ctx, ep, cred, raw)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	// The token was accepted locally but rejected upstream. Refresh once and
	// retry once; a second 401 surfaces as-is.
	_ = resp.Body.Close()
	d.log.Infow("upstream 401, refreshing", "tenant", tenant, "op", ep.Operation)
	d.tokens.Invalidate(ctx, tenant)
	cred, err = d.tokens.EnsureValid(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return d.post(ctx, ep, cred, raw)
}

func (d *Dispatcher) post(ctx context.Context, ep registry.Endpoint, cred credentials.Credential, raw []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, ep.Method, ep.URL(), bytes.NewReader(raw))
	if err != nil {
		return nil, problems.Wrap(problems.KindInternal, err, "build upstream request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("User-Agent", translate.UserAgent)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, wrapTransport(err, "upstream unreachable")
	}
	return resp, nil
}

// upstreamError maps a non-2xx upstream response into the taxonomy, keeping
// the provider's message but never its raw body.
func (d *Dispatcher) upstreamError(op registry.Operation, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if _, err := translate.FromRaw(body); err != nil {
		var p *problems.Problem
		if errors.As(err, &p) && p.Kind == problems.KindUpstreamHTTP {
			d.log.Warnw("upstream error", "op", op, "status", p.Status, "msg", p.Message)
			return p
		}
	}
	// The error body was not an envelope; synthesize from the status line.
	d.log.Warnw("upstream error without envelope", "op", op, "status", resp.StatusCode)
	return problems.Upstream(resp.StatusCode, "upstream returned "+resp.Status)
}

func wrapTransport(err error, msg string) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return problems.Wrap(problems.KindUpstreamTimeout, err, "upstream deadline exceeded")
	}
	return problems.Wrap(problems.KindUpstreamHTTP, err, msg)
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.ReadCloser.Close()
}
