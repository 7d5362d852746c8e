package backendloader

import (
	"log/slog"
	"testing"

	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.LevelError, nil)
}

func TestLoader_ConfigureAndAvailable(t *testing.T) {
	l := New(newTestLogger())
	l.Configure([]EngineInfo{
		{Name: "cpu", LibraryPath: "/opt/kolosal/cpu.so"},
		{Name: "vulkan", LibraryPath: "/opt/kolosal/vulkan.so"},
	})

	names := l.AvailableNames()
	require.Len(t, names, 2)
	require.False(t, l.IsEngineLoaded("cpu"))
}

func TestLoader_LoadEngine_UnknownBackend(t *testing.T) {
	l := New(newTestLogger())
	l.Configure([]EngineInfo{{Name: "cpu", LibraryPath: "/opt/kolosal/cpu.so"}})

	err := l.LoadEngine("vulkan")
	require.Error(t, err)
	require.Contains(t, l.LastError(), "vulkan")
}

func TestLoader_LoadEngine_MissingLibraryFile(t *testing.T) {
	l := New(newTestLogger())
	l.Configure([]EngineInfo{{Name: "cpu", LibraryPath: "/nonexistent/cpu.so"}})

	err := l.LoadEngine("cpu")
	require.Error(t, err)
	require.False(t, l.IsEngineLoaded("cpu"))
}

func TestLoader_UnloadEngine_NotLoaded(t *testing.T) {
	l := New(newTestLogger())
	err := l.UnloadEngine("cpu")
	require.Error(t, err)
}

func TestLoader_CreateEngineInstance_NotLoaded(t *testing.T) {
	l := New(newTestLogger())
	_, _, err := l.CreateEngineInstance("cpu")
	require.Error(t, err)
}
