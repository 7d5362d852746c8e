package engine_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kolosal/kolosal-server/pkg/backendloader"
	"github.com/kolosal/kolosal-server/pkg/download"
	"github.com/kolosal/kolosal-server/pkg/engine"
	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/stretchr/testify/require"
)

// This exercises download.Manager and engine.Coordinator wired together
// through the real download.EngineCreator interface, rather than the
// manager package's own fakeCreator test double.
func TestDownloadThenRegister_RealCoordinator(t *testing.T) {
	content := "fake gguf contents for integration test"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "model.gguf", time.Time{}, strings.NewReader(content))
	}))
	defer srv.Close()

	log := logging.NewSlogLogger(slog.LevelError, nil)
	loader := backendloader.New(log)
	coord := engine.New(log, loader, nil, "")
	mgr := download.New(log, coord)

	localPath := filepath.Join(t.TempDir(), "m1.gguf")
	engineParams := download.EngineParams{
		ModelID:         "integration-model",
		LoadImmediately: false,
		InferenceEngine: "llama-vulkan",
	}

	err := mgr.StartDownloadWithEngine(context.Background(), "integration-model", srv.URL, localPath, engineParams)
	require.NoError(t, err)
	mgr.WaitForAllDownloads()

	progress, ok := mgr.GetDownloadProgress("integration-model")
	require.True(t, ok)
	require.Equal(t, download.StatusEngineCreated, progress.Status)

	exists, loaded := coord.GetStatus("integration-model")
	require.True(t, exists)
	require.False(t, loaded, "register flow must not load a backend")
}

// A download whose engine already exists short-circuits engine creation
// entirely, matching the manager's pre-flight existence check.
func TestDownloadThenRegister_SkipsWhenEngineAlreadyExists(t *testing.T) {
	content := "fake gguf contents"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "model.gguf", time.Time{}, strings.NewReader(content))
	}))
	defer srv.Close()

	log := logging.NewSlogLogger(slog.LevelError, nil)
	loader := backendloader.New(log)
	coord := engine.New(log, loader, nil, "")

	existingPath := filepath.Join(t.TempDir(), "existing.gguf")
	require.NoError(t, os.WriteFile(existingPath, []byte(content), 0o644))
	require.NoError(t, coord.Register(context.Background(), "already-here", existingPath, engine.LoadParams{}, 0, "llama-vulkan"))

	mgr := download.New(log, coord)
	localPath := filepath.Join(t.TempDir(), "m2.gguf")
	engineParams := download.EngineParams{ModelID: "already-here", LoadImmediately: false, InferenceEngine: "llama-vulkan"}

	err := mgr.StartDownloadWithEngine(context.Background(), "dl-2", srv.URL, localPath, engineParams)
	require.NoError(t, err)
	mgr.WaitForAllDownloads()

	progress, ok := mgr.GetDownloadProgress("dl-2")
	require.True(t, ok)
	require.Equal(t, download.StatusEngineAlreadyExists, progress.Status)
}
