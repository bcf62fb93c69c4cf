package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"claude-nexus/internal/keypool"
	"claude-nexus/internal/registry"
	"claude-nexus/internal/store"
)

const testToken = "topsecret"

func newTestAPI(t *testing.T) (http.Handler, *registry.Registry, *keypool.Manager) {
	t.Helper()
	st := store.NewMemory()
	reg := registry.New(st, zap.NewNop())
	keys := keypool.NewManager(st, nil, zap.NewNop())
	return NewHandler(reg, keys, testToken, zap.NewNop()).Routes(), reg, keys
}

func doReq(t *testing.T, h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	h, _, _ := newTestAPI(t)

	rec := doReq(t, h, http.MethodGet, "/providers", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/providers", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsMalformedScheme(t *testing.T) {
	h, _, _ := newTestAPI(t)

	// Only the exact "Bearer <token>" form is accepted.
	for _, auth := range []string{
		testToken,
		"Bearer" + testToken,
		"bearer " + testToken,
		"Basic " + testToken,
		"Bearer  " + testToken,
	} {
		req := httptest.NewRequest(http.MethodGet, "/providers", nil)
		req.Header.Set("Authorization", auth)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", auth)
	}
}

func TestAuthDisabledWithoutToken(t *testing.T) {
	st := store.NewMemory()
	h := NewHandler(registry.New(st, zap.NewNop()), keypool.NewManager(st, nil, zap.NewNop()), "", zap.NewNop()).Routes()

	rec := doReq(t, h, http.MethodGet, "/providers", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProviderLifecycle(t *testing.T) {
	h, reg, keys := newTestAPI(t)

	rec := doReq(t, h, http.MethodPost, "/providers",
		`{"id":"p1","type":"openai","endpoint":"https://api.example.com","models":["gpt-4o"]}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created registry.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "openai", created.Transformer, "transformer defaults from type")

	rec = doReq(t, h, http.MethodPost, "/providers/p1/keys", `{"keys":["sk-a","sk-b"]}`, true)
	require.Equal(t, http.StatusCreated, rec.Code)
	var added struct {
		KeyIDs []string `json:"key_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &added))
	require.Len(t, added.KeyIDs, 2)

	rec = doReq(t, h, http.MethodGet, "/providers/p1/keys", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var recs []keypool.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recs))
	require.Len(t, recs, 2)
	assert.Empty(t, recs[0].Secret, "secrets never leave the pool")

	rec = doReq(t, h, http.MethodDelete, "/providers/p1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := reg.Get(context.Background(), "p1")
	assert.Error(t, err)
	got, err := keys.ListKeys(context.Background(), "p1", "openai")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertProviderRejectsUnknownType(t *testing.T) {
	h, _, _ := newTestAPI(t)
	rec := doReq(t, h, http.MethodPost, "/providers",
		`{"id":"p1","type":"mystery","endpoint":"https://x"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddKeysValidation(t *testing.T) {
	h, reg, _ := newTestAPI(t)
	require.NoError(t, reg.Put(context.Background(), registry.Provider{
		ID: "p1", Type: "openai", Endpoint: "https://x",
	}))

	rec := doReq(t, h, http.MethodPost, "/providers/p1/keys", `{"keys":[]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/providers/nope/keys", `{"keys":["sk-a"]}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResetSingleKey(t *testing.T) {
	h, reg, keys := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, reg.Put(ctx, registry.Provider{ID: "p1", Type: "openai", Endpoint: "https://x"}))
	id, err := keys.AddKey(ctx, "p1", "openai", "sk-a")
	require.NoError(t, err)

	// Degrade the key with a terminal failure, then force it back.
	keys.HandleRequestError(ctx, "p1", "openai", id, assert.AnError)
	recs, err := keys.ListKeys(ctx, "p1", "openai")
	require.NoError(t, err)
	require.Equal(t, keypool.StatusExhausted, recs[0].Status)

	rec := doReq(t, h, http.MethodPost, "/providers/p1/keys/reset", `{"key_id":"`+id+`"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)

	recs, err = keys.ListKeys(ctx, "p1", "openai")
	require.NoError(t, err)
	assert.Equal(t, keypool.StatusActive, recs[0].Status)
}

func TestHealthReportsPerProviderCounts(t *testing.T) {
	h, reg, keys := newTestAPI(t)
	ctx := context.Background()
	require.NoError(t, reg.Put(ctx, registry.Provider{ID: "p1", Type: "openai", Endpoint: "https://x"}))
	_, err := keys.AddKeys(ctx, "p1", "openai", []string{"sk-a", "sk-b"})
	require.NoError(t, err)

	rec := doReq(t, h, http.MethodGet, "/health", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Status    string `json:"status"`
		Providers []struct {
			ProviderID  string `json:"provider_id"`
			HealthyKeys int    `json:"healthy_keys"`
		} `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Providers, 1)
	assert.Equal(t, 2, resp.Providers[0].HealthyKeys)
}
