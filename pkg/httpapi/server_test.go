package httpapi

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kolosal/kolosal-server/pkg/backendloader"
	"github.com/kolosal/kolosal-server/pkg/download"
	"github.com/kolosal/kolosal-server/pkg/engine"
	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.LevelError, nil)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	loader := backendloader.New(newTestLogger())
	coord := engine.New(newTestLogger(), loader, nil, "cpu")
	dl := download.New(newTestLogger(), coord)
	return NewServer(newTestLogger(), coord, dl, loader, nil, t.TempDir(), []string{"*"})
}

func newTestModelFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(path, []byte("fake"), 0o644))
	return path
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestHandleListModels_Empty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleCreateAndGetModel_Register(t *testing.T) {
	s := newTestServer(t)
	modelPath := newTestModelFile(t)

	body, _ := json.Marshal(map[string]any{
		"model_id":         "m1",
		"model_path":       modelPath,
		"backend_name":     "cpu",
		"load_immediately": false,
	})
	req := httptest.NewRequest(http.MethodPost, "/models", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/models/m1", nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &status))
	require.Equal(t, "registered", status["status"])
}

func TestHandleCreateModel_DuplicateConflict(t *testing.T) {
	s := newTestServer(t)
	modelPath := newTestModelFile(t)
	body, _ := json.Marshal(map[string]any{
		"model_id":         "dup",
		"model_path":       modelPath,
		"backend_name":     "cpu",
		"load_immediately": false,
	})

	req1 := httptest.NewRequest(http.MethodPost, "/models", bytes.NewReader(body))
	rec1 := httptest.NewRecorder()
	s.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/models", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)
}

func TestHandleDeleteModel_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/models/nope", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestV1Alias(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListDownloads_Empty(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	summary := body["summary"].(map[string]any)
	require.Equal(t, float64(0), summary["total"])
}
