package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"claude-nexus/internal/keypool"
	"claude-nexus/internal/registry"
	"claude-nexus/internal/router"
	"claude-nexus/internal/store"
)

func newTestHandler(t *testing.T, upstreamURL string) http.Handler {
	t.Helper()
	st := store.NewMemory()
	reg := registry.New(st, zap.NewNop())
	keys := keypool.NewManager(st, nil, zap.NewNop())
	if upstreamURL != "" {
		require.NoError(t, reg.Put(context.Background(), registry.Provider{
			ID:       "p1",
			Type:     "openai",
			Endpoint: upstreamURL,
			Models:   []string{"gpt-4o", "gpt-4o-mini"},
		}))
		_, err := keys.AddKey(context.Background(), "p1", "openai", "sk-test")
		require.NoError(t, err)
	}
	rtr := router.New(reg, keys, nil, zap.NewNop(), 5*time.Second)
	h := NewHandler(rtr, reg, zap.NewNop())

	mux := chi.NewRouter()
	mux.Mount("/v1", h.Routes())
	return mux
}

func TestCreateMessage_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	mux := newTestHandler(t, srv.URL)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"gpt-4o","max_tokens":32,"messages":[{"role":"user","content":"hello"}]}`))
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, "assistant", resp["role"])
	assert.Equal(t, "end_turn", resp["stop_reason"])
	content := resp["content"].([]any)
	assert.Equal(t, "hi", content[0].(map[string]any)["text"])
}

func TestCreateMessage_InvalidJSON(t *testing.T) {
	mux := newTestHandler(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{not json"))
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apiErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Type)
	assert.Equal(t, "invalid_request_error", resp.Error.Type)
}

func TestCreateMessage_ValidationFailure(t *testing.T) {
	mux := newTestHandler(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"","messages":[{"role":"user","content":"x"}]}`))
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apiErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request_error", resp.Error.Type)
	assert.Contains(t, resp.Error.Message, "model")
}

func TestCreateMessage_NoProviderReturnsJSONError(t *testing.T) {
	mux := newTestHandler(t, "")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"gpt-4o","max_tokens":32,"stream":true,"messages":[{"role":"user","content":"x"}]}`))
	mux.ServeHTTP(rec, req)

	// The failure happens before the first stream byte, so the JSON
	// envelope still applies.
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apiErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "invalid_request_error", resp.Error.Type)
}

func TestCreateMessage_Streaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hello\"},\"finish_reason\":\"stop\"}]}\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	mux := newTestHandler(t, srv.URL)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/messages",
		strings.NewReader(`{"model":"gpt-4o","max_tokens":32,"stream":true,"messages":[{"role":"user","content":"hi"}]}`))
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	body := rec.Body.String()
	assert.Contains(t, body, "event: message_start")
	assert.Contains(t, body, `"text":"hello"`)
	assert.Contains(t, body, "event: message_stop")
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	mux := newTestHandler(t, srv.URL)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"data"`
		HasMore bool `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "model", resp.Data[0].Type)
	assert.False(t, resp.HasMore)
}
