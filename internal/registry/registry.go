// Package registry persists provider records: which upstream endpoint a
// model name routes to and which transformer speaks its wire protocol.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"claude-nexus/internal/gwerr"
	"claude-nexus/internal/store"
)

const keyPrefix = "provider:"

// Transformer kinds the router knows how to drive.
const (
	TransformerOpenAI      = "openai"
	TransformerGemini      = "gemini"
	TransformerPassthrough = "passthrough"
)

type Provider struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Endpoint    string   `json:"endpoint"`
	Models      []string `json:"models"`
	Transformer string   `json:"transformer"`
}

func (p *Provider) normalize() error {
	if strings.TrimSpace(p.ID) == "" {
		return gwerr.Validation("provider id is required")
	}
	if strings.TrimSpace(p.Endpoint) == "" {
		return gwerr.Validation("provider endpoint is required")
	}
	if p.Transformer == "" {
		switch p.Type {
		case "openai":
			p.Transformer = TransformerOpenAI
		case "gemini":
			p.Transformer = TransformerGemini
		case "claude":
			p.Transformer = TransformerPassthrough
		default:
			return gwerr.Validation(fmt.Sprintf("unknown provider type %q", p.Type))
		}
	}
	return nil
}

type Registry struct {
	store  store.Store
	logger *zap.Logger
}

func New(st store.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: st, logger: logger}
}

func (r *Registry) Put(ctx context.Context, p Provider) error {
	if err := p.normalize(); err != nil {
		return err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := r.store.Put(ctx, keyPrefix+p.ID, raw); err != nil {
		return fmt.Errorf("persist provider %s: %w", p.ID, err)
	}
	r.logger.Info("provider registered",
		zap.String("provider_id", p.ID),
		zap.String("type", p.Type),
		zap.String("transformer", p.Transformer))
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (Provider, error) {
	raw, ok, err := r.store.Get(ctx, keyPrefix+id)
	if err != nil {
		return Provider{}, err
	}
	if !ok {
		return Provider{}, gwerr.New(gwerr.KindValidation, fmt.Sprintf("provider %q not found", id))
	}
	var p Provider
	if err := json.Unmarshal(raw, &p); err != nil {
		return Provider{}, fmt.Errorf("decode provider %s: %w", id, err)
	}
	return p, nil
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.Delete(ctx, keyPrefix+id)
}

func (r *Registry) List(ctx context.Context) ([]Provider, error) {
	keys, err := r.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Provider, 0, len(keys))
	for _, k := range keys {
		p, err := r.Get(ctx, strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			r.logger.Warn("skipping unreadable provider record", zap.String("key", k), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// ResolveModel finds the provider serving model. Exact model-list match wins;
// a provider with an empty model list acts as a wildcard fallback.
func (r *Registry) ResolveModel(ctx context.Context, model string) (Provider, error) {
	providers, err := r.List(ctx)
	if err != nil {
		return Provider{}, err
	}
	var wildcard *Provider
	for i, p := range providers {
		if len(p.Models) == 0 && wildcard == nil {
			wildcard = &providers[i]
			continue
		}
		for _, m := range p.Models {
			if m == model {
				return p, nil
			}
		}
	}
	if wildcard != nil {
		return *wildcard, nil
	}
	return Provider{}, gwerr.New(gwerr.KindValidation, fmt.Sprintf("no provider serves model %q", model))
}
