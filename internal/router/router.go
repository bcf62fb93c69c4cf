// Package router drives one Messages request end to end: resolve the model
// to a provider, pick a credential, make exactly one upstream call, and hand
// the result to the matching translation path.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"claude-nexus/internal/canonical"
	"claude-nexus/internal/convert"
	"claude-nexus/internal/gwerr"
	"claude-nexus/internal/keypool"
	"claude-nexus/internal/metrics"
	"claude-nexus/internal/providers/claude"
	"claude-nexus/internal/providers/gemini"
	"claude-nexus/internal/providers/openai"
	"claude-nexus/internal/registry"
	"claude-nexus/internal/streamconv"
)

const errorBodyLimit = 8 << 10

type Router struct {
	registry *registry.Registry
	keys     *keypool.Manager
	engine   *streamconv.Engine
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// client bounds non-streaming calls end to end. streamClient carries no
	// Timeout: an http.Client timeout covers the whole body read, which would
	// sever SSE responses that legitimately outlive it. Streaming calls are
	// cancelled through the request context instead.
	client       *http.Client
	streamClient *http.Client
}

func New(reg *registry.Registry, keys *keypool.Manager, m *metrics.Metrics, logger *zap.Logger, upstreamTimeout time.Duration) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:     reg,
		keys:         keys,
		engine:       streamconv.NewEngine(logger),
		metrics:      m,
		logger:       logger,
		client:       &http.Client{Timeout: upstreamTimeout},
		streamClient: &http.Client{},
	}
}

// dispatch is the resolved target of one request.
type dispatch struct {
	provider registry.Provider
	key      keypool.Record
}

func (rt *Router) resolve(ctx context.Context, model string) (dispatch, error) {
	prov, err := rt.registry.ResolveModel(ctx, model)
	if err != nil {
		return dispatch{}, err
	}
	key, err := rt.keys.SelectKey(ctx, prov.ID, prov.Type)
	if err != nil {
		if errors.Is(err, keypool.ErrNoUsableKey) {
			return dispatch{}, &gwerr.Error{
				Kind:       gwerr.KindProvider,
				Message:    fmt.Sprintf("provider %s has no usable key", prov.ID),
				HTTPStatus: http.StatusServiceUnavailable,
				Retryable:  true,
			}
		}
		return dispatch{}, err
	}
	return dispatch{provider: prov, key: key}, nil
}

// Complete serves a non-streaming request. The returned payload is the
// canonical Messages response body; a passthrough provider's body is relayed
// as-is.
func (rt *Router) Complete(ctx context.Context, raw []byte, req *canonical.Request) (json.RawMessage, error) {
	start := time.Now()
	d, err := rt.resolve(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	body, err := rt.callComplete(ctx, d, raw, req)
	rt.observe(d, err, start)
	return body, err
}

func (rt *Router) callComplete(ctx context.Context, d dispatch, raw []byte, req *canonical.Request) (json.RawMessage, error) {
	switch d.provider.Transformer {
	case registry.TransformerOpenAI:
		wire, err := json.Marshal(convert.ToOpenAIRequest(req, rt.logger))
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, "encode upstream request", err)
		}
		resp, err := openai.ChatCompletions(ctx, rt.openAIUpstream(d, false), wire, false)
		payload, err := rt.readUpstream(ctx, d, resp, err)
		if err != nil {
			return nil, err
		}
		var parsed convert.OpenAIResponse
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return nil, gwerr.Wrap(gwerr.KindProvider, "decode upstream response", err)
		}
		return json.Marshal(convert.OpenAIToCanonical(parsed, req))

	case registry.TransformerGemini:
		wire, err := json.Marshal(convert.ToGeminiRequest(req, rt.logger))
		if err != nil {
			return nil, gwerr.Wrap(gwerr.KindInternal, "encode upstream request", err)
		}
		resp, err := gemini.GenerateContent(ctx, rt.geminiUpstream(d, false), req.Model, wire, false)
		payload, err := rt.readUpstream(ctx, d, resp, err)
		if err != nil {
			return nil, err
		}
		var parsed convert.GeminiResponse
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return nil, gwerr.Wrap(gwerr.KindProvider, "decode upstream response", err)
		}
		return json.Marshal(convert.GeminiToCanonical(parsed, req))

	case registry.TransformerPassthrough:
		resp, err := claude.Messages(ctx, rt.claudeUpstream(d, false), raw, false)
		return rt.readUpstream(ctx, d, resp, err)

	default:
		return nil, gwerr.New(gwerr.KindInternal, fmt.Sprintf("unknown transformer %q", d.provider.Transformer))
	}
}

// Stream serves a streaming request. The caller has already committed SSE
// response headers; everything written to w is canonical Messages events
// (or, for passthrough, the upstream's own events relayed verbatim).
func (rt *Router) Stream(ctx context.Context, w http.ResponseWriter, raw []byte, req *canonical.Request) error {
	start := time.Now()
	d, err := rt.resolve(ctx, req.Model)
	if err != nil {
		return err
	}

	err = rt.callStream(ctx, w, d, raw, req)
	rt.observe(d, err, start)
	return err
}

func (rt *Router) callStream(ctx context.Context, w http.ResponseWriter, d dispatch, raw []byte, req *canonical.Request) error {
	switch d.provider.Transformer {
	case registry.TransformerOpenAI:
		wire, err := json.Marshal(convert.ToOpenAIRequest(req, rt.logger))
		if err != nil {
			return gwerr.Wrap(gwerr.KindInternal, "encode upstream request", err)
		}
		resp, err := openai.ChatCompletions(ctx, rt.openAIUpstream(d, true), wire, true)
		if err := rt.checkUpstream(ctx, d, resp, err); err != nil {
			return err
		}
		defer resp.Body.Close()
		return rt.engine.StreamOpenAI(ctx, w, resp.Body, req)

	case registry.TransformerGemini:
		wire, err := json.Marshal(convert.ToGeminiRequest(req, rt.logger))
		if err != nil {
			return gwerr.Wrap(gwerr.KindInternal, "encode upstream request", err)
		}
		resp, err := gemini.GenerateContent(ctx, rt.geminiUpstream(d, true), req.Model, wire, true)
		if err := rt.checkUpstream(ctx, d, resp, err); err != nil {
			return err
		}
		defer resp.Body.Close()
		return rt.engine.StreamGemini(ctx, w, resp.Body, req)

	case registry.TransformerPassthrough:
		resp, err := claude.Messages(ctx, rt.claudeUpstream(d, true), raw, true)
		if err := rt.checkUpstream(ctx, d, resp, err); err != nil {
			return err
		}
		defer resp.Body.Close()
		return claude.CopySSE(w, resp.Body)

	default:
		return gwerr.New(gwerr.KindInternal, fmt.Sprintf("unknown transformer %q", d.provider.Transformer))
	}
}

// checkUpstream turns a transport failure or non-success status into a
// provider error and reports it against the key that made the call. On
// success the response stays open for the caller.
func (rt *Router) checkUpstream(ctx context.Context, d dispatch, resp *http.Response, err error) error {
	if err != nil {
		perr := gwerr.Wrap(gwerr.KindProvider, "call upstream", err)
		rt.reportKeyError(ctx, d, perr)
		return perr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		resp.Body.Close()
		perr := gwerr.Provider(resp.StatusCode, fmt.Sprintf("upstream %s returned %d: %s", d.provider.ID, resp.StatusCode, snippet))
		rt.reportKeyError(ctx, d, perr)
		return perr
	}
	return nil
}

func (rt *Router) readUpstream(ctx context.Context, d dispatch, resp *http.Response, err error) ([]byte, error) {
	if cerr := rt.checkUpstream(ctx, d, resp, err); cerr != nil {
		return nil, cerr
	}
	defer resp.Body.Close()
	payload, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		perr := gwerr.Wrap(gwerr.KindProvider, "read upstream response", rerr)
		rt.reportKeyError(ctx, d, perr)
		return nil, perr
	}
	return payload, nil
}

func (rt *Router) reportKeyError(ctx context.Context, d dispatch, err error) {
	rt.keys.HandleRequestError(ctx, d.provider.ID, d.provider.Type, d.key.ID, err)
	if rt.metrics != nil {
		class := "terminal"
		if keypool.Transient(gwerr.StatusOf(err)) {
			class = "transient"
		}
		rt.metrics.ObserveKeyError(d.provider.ID, class)
		if n, herr := rt.keys.HealthyKeyCount(ctx, d.provider.ID, d.provider.Type); herr == nil {
			rt.metrics.SetHealthyKeys(d.provider.ID, n)
		}
	}
}

func (rt *Router) observe(d dispatch, err error, start time.Time) {
	status := http.StatusOK
	if err != nil {
		status = gwerr.StatusOf(err)
	}
	if rt.metrics != nil {
		rt.metrics.ObserveRequest(d.provider.ID, d.provider.Transformer, status, time.Since(start))
	}
	rt.logger.Info("request routed",
		zap.String("provider_id", d.provider.ID),
		zap.String("transformer", d.provider.Transformer),
		zap.String("key_id", d.key.ID),
		zap.Int("status", status),
		zap.Duration("elapsed", time.Since(start)))
}

func (rt *Router) clientFor(stream bool) *http.Client {
	if stream {
		return rt.streamClient
	}
	return rt.client
}

func (rt *Router) openAIUpstream(d dispatch, stream bool) openai.Upstream {
	return openai.Upstream{BaseURL: d.provider.Endpoint, APIKey: d.key.Secret, Client: rt.clientFor(stream)}
}

func (rt *Router) geminiUpstream(d dispatch, stream bool) gemini.Upstream {
	return gemini.Upstream{BaseURL: d.provider.Endpoint, APIKey: d.key.Secret, Client: rt.clientFor(stream)}
}

func (rt *Router) claudeUpstream(d dispatch, stream bool) claude.Upstream {
	return claude.Upstream{BaseURL: d.provider.Endpoint, APIKey: d.key.Secret, Client: rt.clientFor(stream)}
}
