package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querymind/querymind/internal/ai"
	"github.com/querymind/querymind/internal/cache"
	"github.com/querymind/querymind/internal/config"
	"github.com/querymind/querymind/internal/connections"
)

func newTestHandler(t *testing.T) (*Handler, *http.ServeMux) {
	t.Helper()
	dir := t.TempDir()

	store, err := connections.Open(
		filepath.Join(dir, "connections.enc"),
		filepath.Join(dir, "key"))
	require.NoError(t, err)

	cfg := &config.Config{
		Port:         "0",
		QueryTimeout: time.Second,
		SampleRows:   3,
	}

	h := NewHandler(store, cache.NewStore(filepath.Join(dir, "cache.json")), ai.NewClient("", "model"), cfg)
	t.Cleanup(h.Stop)

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return h, mux
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func TestHandleStatus(t *testing.T) {
	_, mux := newTestHandler(t)
	rec, env := doJSON(t, mux, http.MethodGet, "/api/status", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"status":"running"`)
}

func TestCreateAndListConnections(t *testing.T) {
	_, mux := newTestHandler(t)

	rec, env := doJSON(t, mux, http.MethodPost, "/api/connections", map[string]any{
		"name":     "prod",
		"host":     "localhost",
		"database": "shop",
		"user":     "reader",
		"password": "s3cret",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)

	rec, env = doJSON(t, mux, http.MethodGet, "/api/connections", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"name":"prod"`)
	assert.NotContains(t, string(env.Data), "s3cret", "passwords never appear in listings")
}

func TestCreateConnectionMissingField(t *testing.T) {
	_, mux := newTestHandler(t)

	rec, env := doJSON(t, mux, http.MethodPost, "/api/connections", map[string]any{
		"name": "prod",
		"host": "localhost",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrMissingField, env.Error.Code)
}

func TestCreateConnectionBadBody(t *testing.T) {
	_, mux := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/connections", bytes.NewBufferString("{nope"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetConnection(t *testing.T) {
	_, mux := newTestHandler(t)
	doJSON(t, mux, http.MethodPost, "/api/connections", map[string]any{
		"name": "prod", "host": "localhost", "database": "shop", "user": "reader", "password": "x",
	})

	rec, env := doJSON(t, mux, http.MethodGet, "/api/connections/prod", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(env.Data), `"host":"localhost"`)
	assert.NotContains(t, string(env.Data), `"password"`)

	rec, env = doJSON(t, mux, http.MethodGet, "/api/connections/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrNotFound, env.Error.Code)
}

func TestDeleteConnectionClearsActive(t *testing.T) {
	h, mux := newTestHandler(t)
	doJSON(t, mux, http.MethodPost, "/api/connections", map[string]any{
		"name": "prod", "host": "localhost", "database": "shop", "user": "reader", "password": "x",
	})

	// simulate a prior activation without a reachable database
	h.mu.Lock()
	h.active = "prod"
	h.mu.Unlock()

	rec, _ := doJSON(t, mux, http.MethodDelete, "/api/connections/prod", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	h.mu.RLock()
	defer h.mu.RUnlock()
	assert.Empty(t, h.active, "deleting the active profile deactivates it")
}

func TestDeleteConnectionNotFound(t *testing.T) {
	_, mux := newTestHandler(t)
	rec, _ := doJSON(t, mux, http.MethodDelete, "/api/connections/none", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActivateUnknownConnection(t *testing.T) {
	_, mux := newTestHandler(t)
	rec, env := doJSON(t, mux, http.MethodPost, "/api/connections/none/activate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrNotFound, env.Error.Code)
}

func TestSchemaWithoutActiveConnection(t *testing.T) {
	_, mux := newTestHandler(t)

	for _, path := range []string{"/api/schema", "/api/metadata"} {
		rec, env := doJSON(t, mux, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		require.NotNil(t, env.Error, path)
		assert.Equal(t, ErrNoActiveConn, env.Error.Code, path)
	}
}

func TestQueryWithoutActiveConnection(t *testing.T) {
	_, mux := newTestHandler(t)

	rec, env := doJSON(t, mux, http.MethodPost, "/api/query", map[string]any{"question": "how many users?"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrNoActiveConn, env.Error.Code)
}

func TestQueryMissingQuestion(t *testing.T) {
	_, mux := newTestHandler(t)

	rec, env := doJSON(t, mux, http.MethodPost, "/api/query", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrMissingField, env.Error.Code)
}

func TestActiveConnectionGoneReportsNotFound(t *testing.T) {
	h, mux := newTestHandler(t)

	h.mu.Lock()
	h.active = "ghost"
	h.mu.Unlock()

	rec, env := doJSON(t, mux, http.MethodGet, "/api/schema", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, ErrNotFound, env.Error.Code)
}
