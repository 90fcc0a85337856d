// internal/proxy/handler.go
package proxy

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"nexus/internal/registry"
	"nexus/internal/translate"
	"nexus/pkg/middleware"
	"nexus/pkg/problems"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Handler struct {
	log *zap.SugaredLogger
	d   *Dispatcher
}

// RegisterHTTP mounts the Gemini-native surface on the router.
func RegisterHTTP(r chi.Router, log *zap.SugaredLogger, d *Dispatcher) {
	h := &Handler{log: log, d: d}
	r.Get("/v1beta/models", h.listModels)
	// Model and action arrive as one path segment, "model:action".
	r.Post("/v1beta/models/{modelAction}", h.modelAction)
}

// actionOps maps URL actions to registry operations.
var actionOps = map[string]registry.Operation{
	"generateContent":       registry.OpGenerateContent,
	"streamGenerateContent": registry.OpStreamGenerateContent,
	"countTokens":           registry.OpCountTokens,
}

func (h *Handler) modelAction(w http.ResponseWriter, r *http.Request) {
	seg := chi.URLParam(r, "modelAction")
	model, action, ok := strings.Cut(seg, ":")
	if !ok || model == "" {
		problems.WriteGemini(w, problems.New(problems.KindUnknownOperation, "expected models/{model}:{action}"))
		return
	}
	op, ok := actionOps[action]
	if !ok {
		problems.WriteGemini(w, problems.New(problems.KindUnknownOperation, "unknown action "+action))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		problems.WriteGemini(w, problems.Wrap(problems.KindInternal, err, "read request"))
		return
	}
	tenant := middleware.TenantFrom(r.Context())

	if op == registry.OpStreamGenerateContent {
		h.stream(w, r, tenant, model, body)
		return
	}

	native, err := h.d.Unary(r.Context(), op, tenant, model, body)
	if err != nil {
		problems.WriteGemini(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(native)
}

// stream relays upstream SSE to the client, translating every chunk. Chunks
// are flushed as they arrive; client disconnect cancels the upstream call
// through the request context.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, tenant, model string, body []byte) {
	upstream, err := h.d.Stream(r.Context(), tenant, model, body)
	if err != nil {
		problems.WriteGemini(w, err)
		return
	}
	defer upstream.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sc := bufio.NewScanner(upstream)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			// Comments, blank keep-alive lines and other SSE fields pass as-is.
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			_, _ = w.Write(line)
			_, _ = w.Write([]byte("\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}
		// The field grammar allows one optional space after the colon.
		data = bytes.TrimPrefix(data, []byte(" "))
		native, err := translate.FromRawChunk(data)
		if err != nil {
			h.log.Warnw("stream chunk translation failed", "tenant", tenant,
				"reqid", middleware.RequestIDFrom(r.Context()), "err", err)
			writeSSEError(w, err)
			if flusher != nil {
				flusher.Flush()
			}
			return
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(native)
		_, _ = w.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
	// A broken upstream read must not look like a clean end of stream; the
	// client gets a terminal error event unless it was the one who hung up.
	if err := sc.Err(); err != nil && r.Context().Err() == nil {
		h.log.Warnw("upstream stream ended abnormally", "tenant", tenant,
			"reqid", middleware.RequestIDFrom(r.Context()), "err", err)
		writeSSEError(w, wrapTransport(err, "upstream stream failed"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// writeSSEError emits a terminal in-stream error event in the native shape.
func writeSSEError(w http.ResponseWriter, err error) {
	p, ok := err.(*problems.Problem)
	if !ok {
		p = problems.New(problems.KindInternal, "internal error")
	}
	payload, _ := json.Marshal(map[string]any{"error": map[string]any{
		"code":    problems.HTTPStatus(p),
		"message": p.Message,
		"status":  problems.GoogleStatus(p.Kind),
	}})
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}

// model catalog served on /v1beta/models. The proxy fronts a fixed family;
// listing is informational for CLI autodiscovery.
type modelInfo struct {
	Name                       string   `json:"name"`
	DisplayName                string   `json:"displayName"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
	InputTokenLimit            int      `json:"inputTokenLimit"`
	OutputTokenLimit           int      `json:"outputTokenLimit"`
}

var catalog = []modelInfo{
	{
		Name: "models/gemini-2.5-pro", DisplayName: "Gemini 2.5 Pro",
		SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent", "countTokens"},
		InputTokenLimit:            1048576, OutputTokenLimit: 65536,
	},
	{
		Name: "models/gemini-2.5-flash", DisplayName: "Gemini 2.5 Flash",
		SupportedGenerationMethods: []string{"generateContent", "streamGenerateContent", "countTokens"},
		InputTokenLimit:            1048576, OutputTokenLimit: 65536,
	},
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"models": catalog})
}
