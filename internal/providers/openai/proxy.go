// Package openai calls OpenAI-compatible chat-completions upstreams.
package openai

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"
)

type Upstream struct {
	BaseURL string
	APIKey  string
	Headers map[string]string
	Client  *http.Client
}

func (up Upstream) httpClient() *http.Client {
	if up.Client != nil {
		return up.Client
	}
	return &http.Client{Timeout: 120 * time.Second}
}

// ChatCompletions posts a translated request to /v1/chat/completions. The
// caller owns the response body; for stream=true it is an SSE stream.
func ChatCompletions(ctx context.Context, up Upstream, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildURL(up.BaseURL, "/v1/chat/completions"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if strings.TrimSpace(up.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(up.APIKey))
	}
	applyHeaders(req, up.Headers)
	return up.httpClient().Do(req)
}

func Models(ctx context.Context, up Upstream) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildURL(up.BaseURL, "/v1/models"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if strings.TrimSpace(up.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(up.APIKey))
	}
	applyHeaders(req, up.Headers)
	return up.httpClient().Do(req)
}

func applyHeaders(req *http.Request, headers map[string]string) {
	for k, v := range headers {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		req.Header.Set(k, v)
	}
}

func buildURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") {
		return base + strings.TrimPrefix(path, "/v1")
	}
	return base + path
}
