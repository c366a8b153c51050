package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/internal/agent"
	"github.com/agentwatch/agentwatch/internal/broadcast"
	"github.com/agentwatch/agentwatch/internal/registry"
	"github.com/agentwatch/agentwatch/internal/router"
	"github.com/agentwatch/agentwatch/internal/sanitize"
	"github.com/agentwatch/agentwatch/internal/store/memory"
)

func newTestServer() *Server {
	reg := registry.New(memory.New(), 100, sanitize.Options{MaxStringLen: 4096, MaxDepth: 8})
	bc := broadcast.New(16)
	rt := router.New(reg, bc)
	return New(rt, 5*time.Second, bc.Count)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader).WithContext(context.Background())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleIngestAccepted(t *testing.T) {
	s := newTestServer()
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte(`{"type":"agent.started","agentId":"a1"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleIngestMalformedReturns400(t *testing.T) {
	s := newTestServer()
	h := s.Handler()

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader([]byte(`not json`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRegisterThenGet(t *testing.T) {
	s := newTestServer()
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/agents", registry.RegisterRequest{ID: "a1", ProjectPath: "/repo"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec2 := doJSON(t, h, http.MethodPost, "/agents", registry.RegisterRequest{ID: "a1"})
	assert.Equal(t, http.StatusOK, rec2.Code)

	req := httptest.NewRequest(http.MethodGet, "/agents/a1", nil)
	rec3 := httptest.NewRecorder()
	h.ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusOK, rec3.Code)

	var got agent.Agent
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &got))
	assert.Equal(t, "/repo", got.ProjectPath)
}

func TestHandleGetMissingReturns404(t *testing.T) {
	s := newTestServer()
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/agents/missing", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUpdateStatusInvalidTransitionReturns400(t *testing.T) {
	s := newTestServer()
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/agents", registry.RegisterRequest{ID: "a1"})

	req := httptest.NewRequest(http.MethodPatch, "/agents/a1/status", bytes.NewReader([]byte(`{"status":"complete"}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeleteThenMissing(t *testing.T) {
	s := newTestServer()
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/agents", registry.RegisterRequest{ID: "a1"})

	req := httptest.NewRequest(http.MethodDelete, "/agents/a1", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req2 := httptest.NewRequest(http.MethodDelete, "/agents/a1", nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotFound, rec2.Code)
}

func TestHandleListFiltersByProjectPath(t *testing.T) {
	s := newTestServer()
	h := s.Handler()
	doJSON(t, h, http.MethodPost, "/agents", registry.RegisterRequest{ID: "a1", ProjectPath: "/repo"})
	doJSON(t, h, http.MethodPost, "/agents", registry.RegisterRequest{ID: "a2", ProjectPath: "/other"})

	req := httptest.NewRequest(http.MethodGet, "/agents?projectPath=/repo", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var got []agent.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer()
	h := s.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
