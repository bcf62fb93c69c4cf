// Package anthropic is the gateway's public surface: the Claude-style
// Messages API, served regardless of which provider answers upstream.
package anthropic

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"claude-nexus/internal/canonical"
	"claude-nexus/internal/gwerr"
	"claude-nexus/internal/registry"
	"claude-nexus/internal/router"
)

const maxBodyBytes = 20 << 20

type Handler struct {
	rtr    *router.Router
	reg    *registry.Registry
	logger *zap.Logger
}

func NewHandler(rtr *router.Router, reg *registry.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{rtr: rtr, reg: reg, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/messages", h.createMessage)
	r.Get("/models", h.listModels)
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *Handler) createMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := strings.TrimSpace(r.Header.Get("x-request-id"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var req canonical.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid json")
		return
	}
	if err := req.Validate(); err != nil {
		writeGatewayError(w, err)
		return
	}

	if req.Stream {
		h.streamMessage(w, r, body, &req, requestID)
		return
	}

	payload, err := h.rtr.Complete(ctx, body, &req)
	if err != nil {
		h.logger.Warn("message request failed",
			zap.String("request_id", requestID),
			zap.String("model", req.Model),
			zap.Error(err))
		writeGatewayError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) streamMessage(w http.ResponseWriter, r *http.Request, body []byte, req *canonical.Request, requestID string) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	tw := &trackedWriter{ResponseWriter: w}
	err := h.rtr.Stream(r.Context(), tw, body, req)
	if err == nil {
		return
	}
	h.logger.Warn("stream request failed",
		zap.String("request_id", requestID),
		zap.String("model", req.Model),
		zap.Bool("mid_stream", tw.wrote),
		zap.Error(err))
	// Failures before the first byte can still answer with a JSON error.
	// Mid-stream failures already carry the terminator event sequence.
	if !tw.wrote {
		w.Header().Del("Cache-Control")
		w.Header().Del("Connection")
		writeGatewayError(w, err)
	}
}

func (h *Handler) listModels(w http.ResponseWriter, r *http.Request) {
	providers, err := h.reg.List(r.Context())
	if err != nil {
		writeGatewayError(w, gwerr.Wrap(gwerr.KindInternal, "list providers", err))
		return
	}
	type modelEntry struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	entries := []modelEntry{}
	seen := map[string]bool{}
	for _, p := range providers {
		for _, m := range p.Models {
			if seen[m] {
				continue
			}
			seen[m] = true
			entries = append(entries, modelEntry{Type: "model", ID: m})
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data":     entries,
		"has_more": false,
	})
}

// trackedWriter remembers whether any response byte went out, which decides
// if an error can still use the JSON envelope.
type trackedWriter struct {
	http.ResponseWriter
	wrote bool
}

func (t *trackedWriter) Write(p []byte) (int, error) {
	t.wrote = true
	return t.ResponseWriter.Write(p)
}

func (t *trackedWriter) WriteHeader(status int) {
	t.wrote = true
	t.ResponseWriter.WriteHeader(status)
}

func (t *trackedWriter) Flush() {
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
