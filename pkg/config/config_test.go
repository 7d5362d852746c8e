package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 300, cfg.Autoscaler.IdleTimeoutSeconds)
	require.Empty(t, cfg.Models)
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KOLOSAL_CONFIG_PATH", filepath.Join(dir, "does-not-exist.toml"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestSaveConfig_WritablePathOptsInWithoutEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "kolosal-server.toml")
	t.Setenv("KOLOSAL_CONFIG_PATH", path)
	t.Setenv("KOLOSAL_ALLOW_CONFIG_SAVE", "")

	require.True(t, SaveAllowed(), "writable path should opt in via the probe")
	require.NoError(t, SaveConfig(DefaultConfig()))

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kolosal-server.toml")
	t.Setenv("KOLOSAL_CONFIG_PATH", path)
	t.Setenv("KOLOSAL_ALLOW_CONFIG_SAVE", "1")

	cfg := DefaultConfig()
	cfg.DefaultInferenceEngine = "llama-cuda"
	cfg.Models = append(cfg.Models, ModelEntry{
		ModelID:   "m1",
		ModelPath: "/tmp/m1.gguf",
		MainGPUID: -1,
		LoadParams: LoadParams{
			ContextLength: 4096,
			GPULayers:     0,
		},
	})

	require.NoError(t, SaveConfig(cfg))

	loaded, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)
}
