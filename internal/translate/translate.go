// Package translate converts between the Gemini-native wire format the CLI
// speaks and the raw envelope format of the upstream provider. Functions here
// are pure; the same translation is applied to unary bodies and to each
// streaming chunk, so translating then chunking equals chunking then
// translating.
package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"nexus/pkg/problems"

	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"
)

// rawRequest is the provider-side envelope around a native request body.
type rawRequest struct {
	Model     string          `json:"model"`
	Project   string          `json:"project,omitempty"`
	Request   json.RawMessage `json:"request"`
	UserAgent string          `json:"userAgent,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// rawEnvelope is the provider-side envelope around a native response body.
// Exactly one of the two keys is present on a well-formed response.
type rawEnvelope struct {
	Response json.RawMessage `json:"response"`
	Error    json.RawMessage `json:"error"`
}

type upstreamError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details"`
}

// UserAgent is sent inside the raw envelope so the provider attributes
// traffic correctly.
const UserAgent = "nexus-proxy"

// ToRaw wraps a native generate/stream request body into the raw envelope.
// The native body is embedded untouched so fields this proxy does not know
// about still reach the provider.
func ToRaw(model, project string, native json.RawMessage) (json.RawMessage, error) {
	if !isObject(native) {
		return nil, problems.New(problems.KindBadRequest, "request body must be a JSON object")
	}
	out, err := json.Marshal(rawRequest{
		Model:     model,
		Project:   project,
		Request:   native,
		UserAgent: UserAgent,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal raw request: %w", err)
	}
	return out, nil
}

// ToRawCountTokens wraps a native countTokens body. The provider expects the
// model inside the inner request here, unlike the generate operations.
func ToRawCountTokens(model string, native json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(native, &fields); err != nil {
		return nil, problems.New(problems.KindBadRequest, "request body must be a JSON object")
	}
	if _, ok := fields["model"]; !ok {
		fields["model"] = json.RawMessage(`"models/` + model + `"`)
	}
	inner, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal countTokens request: %w", err)
	}
	out, err := json.Marshal(struct {
		Request json.RawMessage `json:"request"`
	}{Request: inner})
	if err != nil {
		return nil, fmt.Errorf("marshal raw countTokens request: %w", err)
	}
	return out, nil
}

// FromRaw unwraps a raw response envelope into the native response body.
// Error envelopes come back as typed problems carrying the upstream status;
// an envelope with neither branch is malformed. Bare responses without an
// envelope (countTokens) pass through unchanged.
func FromRaw(data []byte) (json.RawMessage, error) {
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, problems.Wrap(problems.KindMalformedUpstream, err, "undecodable upstream body")
	}
	if len(env.Error) > 0 && !bytes.Equal(env.Error, []byte("null")) {
		return nil, errorFromRaw(env.Error)
	}
	if len(env.Response) > 0 && !bytes.Equal(env.Response, []byte("null")) {
		return env.Response, nil
	}
	// countTokens replies arrive unwrapped.
	if bareCountTokens(data) {
		return data, nil
	}
	return nil, problems.New(problems.KindMalformedUpstream, "upstream body has neither response nor error")
}

// FromRawChunk translates one streaming chunk. Chunks use the same envelope
// as unary responses.
func FromRawChunk(data []byte) (json.RawMessage, error) {
	return FromRaw(data)
}

func bareCountTokens(data []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return false
	}
	_, ok := fields["totalTokens"]
	return ok
}

// quotaResetQuery finds the provider's quota reset timestamp inside 429
// error details.
var quotaResetQuery = jmespath.MustCompile("details[].metadata.quotaResetTimeStamp | [0]")

// retryDelayQuery finds a google.rpc.RetryInfo delay, the standard shape.
var retryDelayQuery = jmespath.MustCompile(`details[?"@type"=='type.googleapis.com/google.rpc.RetryInfo'].retryDelay | [0]`)

func errorFromRaw(raw json.RawMessage) *problems.Problem {
	var ue upstreamError
	if err := json.Unmarshal(raw, &ue); err != nil {
		return problems.Wrap(problems.KindMalformedUpstream, err, "undecodable upstream error")
	}
	msg := ue.Message
	if msg == "" {
		msg = "upstream error"
	}
	p := problems.Upstream(ue.Code, msg)
	if ue.Code == 429 {
		p.RetryAt, p.RetryAfter = retryHintFromDetails(raw)
	}
	return p
}

// retryHintFromDetails extracts a cooldown hint from a 429 error body:
// the provider's quotaResetTimeStamp as an absolute time, or a RetryInfo
// delay as a relative one. No clock is read here; the HTTP layer converts
// the absolute form when it renders the response.
func retryHintFromDetails(raw json.RawMessage) (time.Time, time.Duration) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return time.Time{}, 0
	}
	if v, err := quotaResetQuery.Search(doc); err == nil {
		if s, ok := v.(string); ok {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return ts, 0
			}
		}
	}
	if v, err := retryDelayQuery.Search(doc); err == nil {
		if s, ok := v.(string); ok {
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				return time.Time{}, d
			}
		}
	}
	return time.Time{}, 0
}

func isObject(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '{':
			return true
		default:
			return false
		}
	}
	return false
}
