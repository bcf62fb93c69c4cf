// Package admin is the management surface: provider records and credential
// pools, guarded by a static bearer token.
package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"claude-nexus/internal/gwerr"
	"claude-nexus/internal/keypool"
	"claude-nexus/internal/registry"
)

type Handler struct {
	reg    *registry.Registry
	keys   *keypool.Manager
	token  string
	logger *zap.Logger
}

func NewHandler(reg *registry.Registry, keys *keypool.Manager, token string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{reg: reg, keys: keys, token: token, logger: logger}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireAuth)
	r.Get("/health", h.health)
	r.Get("/providers", h.listProviders)
	r.Post("/providers", h.upsertProvider)
	r.Delete("/providers/{id}", h.deleteProvider)
	r.Get("/providers/{id}/keys", h.listKeys)
	r.Post("/providers/{id}/keys", h.addKeys)
	r.Post("/providers/{id}/keys/reset", h.resetKeys)
	return r
}

// requireAuth accepts only the configured bearer token. With no token
// configured the whole surface stays closed.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "admin api disabled: no token configured"})
			return
		}
		auth := r.Header.Get("Authorization")
		got, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || got != h.token {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid admin token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	providers, err := h.reg.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	type entry struct {
		ProviderID  string `json:"provider_id"`
		Transformer string `json:"transformer"`
		HealthyKeys int    `json:"healthy_keys"`
	}
	out := []entry{}
	for _, p := range providers {
		n, err := h.keys.HealthyKeyCount(r.Context(), p.ID, p.Type)
		if err != nil {
			h.logger.Warn("healthy key count", zap.String("provider_id", p.ID), zap.Error(err))
		}
		out = append(out, entry{ProviderID: p.ID, Transformer: p.Transformer, HealthyKeys: n})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "providers": out})
}

func (h *Handler) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.reg.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, providers)
}

func (h *Handler) upsertProvider(w http.ResponseWriter, r *http.Request) {
	var p registry.Provider
	if err := readJSON(r, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if err := h.reg.Put(r.Context(), p); err != nil {
		writeJSON(w, gwerr.StatusOf(err), map[string]any{"error": err.Error()})
		return
	}
	stored, err := h.reg.Get(r.Context(), p.ID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (h *Handler) deleteProvider(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.reg.Delete(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if err := h.keys.RemoveProvider(r.Context(), id); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request) {
	prov, err := h.providerOf(r)
	if err != nil {
		writeJSON(w, gwerr.StatusOf(err), map[string]any{"error": err.Error()})
		return
	}
	recs, err := h.keys.ListKeys(r.Context(), prov.ID, prov.Type)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) addKeys(w http.ResponseWriter, r *http.Request) {
	prov, err := h.providerOf(r)
	if err != nil {
		writeJSON(w, gwerr.StatusOf(err), map[string]any{"error": err.Error()})
		return
	}
	var in struct {
		Keys []string `json:"keys"`
	}
	if err := readJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if len(in.Keys) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "keys must not be empty"})
		return
	}
	ids, err := h.keys.AddKeys(r.Context(), prov.ID, prov.Type, in.Keys)
	if err != nil {
		writeJSON(w, gwerr.StatusOf(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key_ids": ids})
}

// resetKeys reactivates keys. With a key_id in the body that one key is
// force-reset regardless of status; otherwise exhausted keys past their
// cool-down go back to active.
func (h *Handler) resetKeys(w http.ResponseWriter, r *http.Request) {
	prov, err := h.providerOf(r)
	if err != nil {
		writeJSON(w, gwerr.StatusOf(err), map[string]any{"error": err.Error()})
		return
	}
	var in struct {
		KeyID string `json:"key_id"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(r, &in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
	}
	if in.KeyID != "" {
		if err := h.keys.ResetKey(r.Context(), prov.ID, prov.Type, in.KeyID); err != nil {
			writeJSON(w, gwerr.StatusOf(err), map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset": []string{in.KeyID}})
		return
	}
	reset, err := h.keys.ResetExhaustedKeys(r.Context(), prov.ID, prov.Type)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if reset == nil {
		reset = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": reset})
}

func (h *Handler) providerOf(r *http.Request) (registry.Provider, error) {
	return h.reg.Get(r.Context(), chi.URLParam(r, "id"))
}

func readJSON(r *http.Request, out any) error {
	return json.NewDecoder(r.Body).Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, val any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(val)
}
