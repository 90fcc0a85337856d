package problems

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// Kind is the failure taxonomy of the proxy pipeline. Every error that crosses
// a component boundary is a *Problem carrying one of these kinds; the HTTP
// layer maps kinds to Gemini-native error responses so raw provider bodies
// never reach the CLI.
type Kind string

const (
	// Registry misconfiguration: an operation name nobody registered.
	KindUnknownOperation Kind = "unknown-operation"
	// Refresh token missing or the grant was revoked; the user must re-authorize.
	KindAuthExpired Kind = "auth-expired"
	// Token endpoint unreachable or 5xx; retryable with backoff.
	KindAuthTransient Kind = "auth-transient"
	// Tenant provisioning against the provider failed.
	KindOnboardingFailed Kind = "onboarding-failed"
	// Upstream call exceeded its deadline.
	KindUpstreamTimeout Kind = "upstream-timeout"
	// Raw provider response could not be mapped to the Gemini-native shape.
	KindMalformedUpstream Kind = "malformed-upstream-response"
	// Upstream returned a non-2xx status; Status holds the upstream code.
	KindUpstreamHTTP Kind = "upstream-http"
	// Policy gate blocked the (tenant, model) pair.
	KindPolicyBlocked Kind = "policy-blocked"
	// Inbound request failed access-key auth.
	KindUnauthorized Kind = "unauthorized"
	// Inbound request body was undecodable or the wrong shape.
	KindBadRequest Kind = "bad-request"
	// Catch-all for internal failures.
	KindInternal Kind = "internal"
)

type Problem struct {
	Kind    Kind
	Message string
	// Status is the upstream HTTP status for KindUpstreamHTTP.
	Status int
	// RetryAfter is a relative cooldown hint from provider RetryInfo details
	// on 429s; RetryAt is the absolute variant from quota reset timestamps.
	// The clock is only consulted when the response is rendered.
	RetryAfter time.Duration
	RetryAt    time.Time
	err        error
}

func (p *Problem) Error() string {
	if p.err != nil {
		return p.Message + ": " + p.err.Error()
	}
	return p.Message
}

func (p *Problem) Unwrap() error { return p.err }

func New(kind Kind, msg string) *Problem { return &Problem{Kind: kind, Message: msg} }

func Wrap(kind Kind, err error, msg string) *Problem {
	return &Problem{Kind: kind, Message: msg, err: err}
}

// Upstream builds an upstream-status problem preserving the provider code.
func Upstream(status int, msg string) *Problem {
	return &Problem{Kind: KindUpstreamHTTP, Message: msg, Status: status}
}

// KindOf classifies any error; non-Problem errors come back KindInternal.
func KindOf(err error) Kind {
	var p *Problem
	if errors.As(err, &p) {
		return p.Kind
	}
	return KindInternal
}

// Retryable reports whether a caller-side backoff retry makes sense.
func Retryable(k Kind) bool {
	return k == KindAuthTransient || k == KindUpstreamTimeout
}

// HTTPStatus maps a problem to the status returned to the CLI.
func HTTPStatus(p *Problem) int {
	switch p.Kind {
	case KindUnknownOperation:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindAuthExpired, KindUnauthorized:
		return http.StatusUnauthorized
	case KindPolicyBlocked:
		return http.StatusForbidden
	case KindAuthTransient:
		return http.StatusServiceUnavailable
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindMalformedUpstream:
		return http.StatusBadGateway
	case KindUpstreamHTTP:
		if p.Status >= 400 {
			return p.Status
		}
		return http.StatusBadGateway
	case KindOnboardingFailed:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// GoogleStatus maps a kind to the status string used inside Gemini error bodies.
func GoogleStatus(k Kind) string {
	switch k {
	case KindUnknownOperation:
		return "NOT_FOUND"
	case KindBadRequest:
		return "INVALID_ARGUMENT"
	case KindAuthExpired, KindUnauthorized:
		return "UNAUTHENTICATED"
	case KindPolicyBlocked, KindOnboardingFailed:
		return "PERMISSION_DENIED"
	case KindAuthTransient:
		return "UNAVAILABLE"
	case KindUpstreamTimeout:
		return "DEADLINE_EXCEEDED"
	case KindMalformedUpstream, KindUpstreamHTTP:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}

type geminiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type geminiError struct {
	Error geminiErrorBody `json:"error"`
}

// WriteGemini renders any pipeline error as a Gemini-native error response.
func WriteGemini(w http.ResponseWriter, err error) {
	p, ok := err.(*Problem)
	if !ok && !errors.As(err, &p) {
		p = Wrap(KindInternal, err, "internal error")
	}
	status := HTTPStatus(p)
	cooldown := p.RetryAfter
	if cooldown == 0 && !p.RetryAt.IsZero() {
		cooldown = time.Until(p.RetryAt)
	}
	if cooldown > 0 {
		secs := int(cooldown.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(geminiError{Error: geminiErrorBody{
		Code:    status,
		Message: p.Message,
		Status:  GoogleStatus(p.Kind),
	}})
}
