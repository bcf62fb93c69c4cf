// Package gemini calls Gemini generateContent upstreams.
package gemini

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

// GenerateContent posts a translated request for the given upstream model.
// With stream=true the streamGenerateContent variant is used with alt=sse so
// the body comes back as an SSE stream rather than a JSON array.
func GenerateContent(ctx context.Context, up Upstream, model string, body []byte, stream bool) (*http.Response, error) {
	path := "/v1beta/models/" + model + ":generateContent"
	if stream {
		path = "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildURL(up.BaseURL, path), bytes.NewReader(body))
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
		req.Header.Set("x-goog-api-key", strings.TrimSpace(up.APIKey))
	}
	for k, v := range up.Headers {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		req.Header.Set(k, v)
	}
	return up.httpClient().Do(req)
}

func buildURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1beta") {
		return base + strings.TrimPrefix(path, "/v1beta")
	}
	return base + path
}
