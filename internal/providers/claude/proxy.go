// Package claude forwards Messages requests to a Claude-native upstream
// without translation. Streams are relayed byte for byte.
package claude

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultAPIVersion = "2023-06-01"

type Upstream struct {
	BaseURL    string
	APIKey     string
	Headers    map[string]string
	APIVersion string
	Client     *http.Client
}

func (up Upstream) httpClient() *http.Client {
	if up.Client != nil {
		return up.Client
	}
	return &http.Client{Timeout: 120 * time.Second}
}

func Messages(ctx context.Context, up Upstream, body []byte, stream bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, buildURL(up.BaseURL, "/messages"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	setAuth(req, up)
	return up.httpClient().Do(req)
}

func Models(ctx context.Context, up Upstream) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildURL(up.BaseURL, "/models"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	setAuth(req, up)
	return up.httpClient().Do(req)
}

func setAuth(req *http.Request, up Upstream) {
	ver := up.APIVersion
	if strings.TrimSpace(ver) == "" {
		ver = defaultAPIVersion
	}
	req.Header.Set("anthropic-version", ver)
	if strings.TrimSpace(up.APIKey) != "" {
		req.Header.Set("x-api-key", strings.TrimSpace(up.APIKey))
	}
	for k, v := range up.Headers {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		req.Header.Set(k, v)
	}
}

// CopySSE relays an upstream event stream to the client, flushing each read
// so deltas are not held back by response buffering.
func CopySSE(w http.ResponseWriter, r io.Reader) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		_, err := io.Copy(w, r)
		return err
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			flusher.Flush()
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func buildURL(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}
