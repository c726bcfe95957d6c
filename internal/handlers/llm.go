// Package handlers exposes the gateway over HTTP: the OpenAI-compatible
// inference endpoints, model listing, health and the WebSocket event feed.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/hadrianai/hadrian/internal/schema"
	"github.com/hadrianai/hadrian/internal/services/dispatch"
	"github.com/hadrianai/hadrian/internal/services/providers"
)

type LLMHandler struct {
	pipeline *dispatch.Pipeline
	logger   *zap.Logger
}

func NewLLMHandler(pipeline *dispatch.Pipeline, logger *zap.Logger) *LLMHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMHandler{pipeline: pipeline, logger: logger}
}

// parseOptions reads the per-request directives. Cache-Control: no-cache or
// no-store and the explicit refresh header both bypass the response cache.
func parseOptions(r *http.Request) dispatch.Options {
	opts := dispatch.Options{Project: r.Header.Get("X-Hadrian-Project")}
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		opts.BypassCache = true
	}
	if r.Header.Get("X-Cache-Force-Refresh") == "true" {
		opts.BypassCache = true
	}
	return opts
}

func (h *LLMHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req schema.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	outcome, err := h.pipeline.ChatCompletion(r.Context(), &req, parseOptions(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *LLMHandler) Responses(w http.ResponseWriter, r *http.Request) {
	var req schema.ResponsesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	outcome, err := h.pipeline.Responses(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *LLMHandler) Completions(w http.ResponseWriter, r *http.Request) {
	var req schema.CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	outcome, err := h.pipeline.Completion(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *LLMHandler) Embeddings(w http.ResponseWriter, r *http.Request) {
	var req schema.EmbeddingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	outcome, err := h.pipeline.Embedding(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeOutcome(w, outcome)
}

func (h *LLMHandler) writeOutcome(w http.ResponseWriter, outcome *dispatch.Outcome) {
	for key, values := range outcome.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}

	resp := outcome.Response
	if resp.IsStream() {
		h.streamResponse(w, resp)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		h.logger.Debug("response write failed", zap.Error(err))
	}
}

// streamResponse relays SSE frames, flushing after every read so chunks
// reach the client as they arrive.
func (h *LLMHandler) streamResponse(w http.ResponseWriter, resp *providers.Response) {
	defer resp.Stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				h.logger.Warn("stream relay aborted", zap.Error(err))
			}
			return
		}
	}
}

func (h *LLMHandler) writeError(w http.ResponseWriter, err error) {
	var blocked *dispatch.BlockedError
	if errors.As(err, &blocked) {
		writeJSONError(w, http.StatusBadRequest, "guardrails_blocked", blocked.Error())
		return
	}

	status := providers.HTTPStatus(err)
	body := providers.ErrorBody(err)
	if pe, ok := providers.AsError(err); ok && pe.RetryAfter != "" {
		w.Header().Set("Retry-After", pe.RetryAfter)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(schema.ErrorBody{Error: schema.ErrorDetail{
		Code:    code,
		Message: message,
	}})
}
