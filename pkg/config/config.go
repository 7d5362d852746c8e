// Package config loads and persists kolosal-server's on-disk configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/moby/sys/atomicwriter"
)

// ModelEntry is the persisted record for one configured model.
type ModelEntry struct {
	ModelID         string       `toml:"model_id"`
	ModelPath       string       `toml:"model_path"`
	BackendName     string       `toml:"backend_name"`
	MainGPUID       int          `toml:"main_gpu_id"`
	LoadImmediately bool         `toml:"load_immediately"`
	LoadParams      LoadParams   `toml:"load_params"`
}

// LoadParams mirrors the engine package's opaque numeric-knob struct, in
// its persisted TOML form.
type LoadParams struct {
	ContextLength int     `toml:"n_ctx"`
	BatchSize     int     `toml:"n_batch"`
	Parallelism   int     `toml:"n_parallel"`
	GPULayers     int     `toml:"gpu_layers"`
	UseMemoryLock bool    `toml:"use_mlock"`
	TensorSplit   []float64 `toml:"tensor_split"`
	ExtraFlags    string  `toml:"extra_flags"`
}

// InferenceEngineEntry is one row of the persisted inference_engines[] table.
type InferenceEngineEntry struct {
	Name          string `toml:"name"`
	LibraryPath   string `toml:"library_path"`
	Description   string `toml:"description"`
	LoadOnStartup bool   `toml:"load_on_startup"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	UnixSocket  string   `toml:"unix_socket"`
	CORSOrigins []string `toml:"cors_origins"`
}

// AutoscalerConfig controls the idle-eviction loop.
type AutoscalerConfig struct {
	IdleTimeoutSeconds int `toml:"idle_timeout_seconds"`
}

// Config is the root of the single TOML configuration file.
type Config struct {
	Models                 []ModelEntry           `toml:"models"`
	InferenceEngines       []InferenceEngineEntry `toml:"inference_engines"`
	DefaultInferenceEngine string                 `toml:"default_inference_engine"`
	Server                 ServerConfig           `toml:"server"`
	Autoscaler             AutoscalerConfig       `toml:"autoscaler"`
}

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() Config {
	return Config{
		Models:                 nil,
		InferenceEngines:       nil,
		DefaultInferenceEngine: "",
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			CORSOrigins: []string{"*"},
		},
		Autoscaler: AutoscalerConfig{
			IdleTimeoutSeconds: 300,
		},
	}
}

// kolosalHome returns the directory the config file lives under when
// KOLOSAL_CONFIG_PATH is unset.
func kolosalHome() string {
	if env := os.Getenv("KOLOSAL_HOME"); env != "" {
		return env
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".kolosal")
}

// Path returns the on-disk location of the config file.
func Path() string {
	if env := os.Getenv("KOLOSAL_CONFIG_PATH"); env != "" {
		return env
	}
	return filepath.Join(kolosalHome(), "kolosal-server.toml")
}

// LoadConfig reads the config file at Path(), falling back to defaults if it
// does not exist.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := Path()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveAllowed reports whether persisting configuration changes is permitted.
// Saving is opt-in: either KOLOSAL_ALLOW_CONFIG_SAVE=1 is set, or the target
// path is writable without any permission coercion.
func SaveAllowed() bool {
	if os.Getenv("KOLOSAL_ALLOW_CONFIG_SAVE") == "1" {
		return true
	}
	return probeWritable(Path())
}

func probeWritable(path string) bool {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".write-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return true
}

// SaveConfig writes cfg to Path() atomically, honoring SaveAllowed. Callers
// that already know persistence is desired (e.g. an explicit admin command)
// may still call SaveConfig directly; it still no-ops silently when saving
// is not allowed, matching the source's "writes are opt-in" contract.
func SaveConfig(cfg Config) error {
	if !SaveAllowed() {
		return nil
	}
	path := Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := atomicwriter.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
