// Package backendloader dynamically loads inference-engine backend plugins.
// It is the Go analogue of dlopen/dlsym: a plugin built with
// `go build -buildmode=plugin` exposes exactly two symbols,
// createInferenceEngine and destroyInferenceEngine, which the loader binds
// at runtime via the stdlib plugin package.
package backendloader

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"

	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/pkg/errors"
)

// Engine is the contract every backend plugin's instance must satisfy. It is
// intentionally small: kolosal-server orchestrates engine lifecycle, it does
// not itself implement inference.
type Engine interface {
	// LoadModel loads modelPath into the engine with the given parameters.
	LoadModel(modelPath string, params map[string]any) error
	// LoadEmbeddingModel loads modelPath as an embedding model. Embedding
	// backends expose a distinct entry point from LoadModel rather than a
	// flag, matching the ABI of the plugins kolosal-server binds.
	LoadEmbeddingModel(modelPath string, params map[string]any) error
	// UnloadModel releases any resources held by a prior LoadModel call.
	UnloadModel() error
	// IsModelLoaded reports whether LoadModel has succeeded and UnloadModel
	// has not since been called.
	IsModelLoaded() bool
	// HasActiveJobs reports whether the engine is currently servicing one or
	// more inference requests. The autoscaler consults this before evicting
	// an otherwise-idle engine.
	HasActiveJobs() bool
}

// CreateInferenceEngineFunc is the factory symbol every plugin must export.
type CreateInferenceEngineFunc func() Engine

// DestroyInferenceEngineFunc is the teardown symbol every plugin must export.
type DestroyInferenceEngineFunc func(Engine)

const (
	createSymbolName  = "createInferenceEngine"
	destroySymbolName = "destroyInferenceEngine"
)

// EngineInfo describes one configured backend.
type EngineInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	LibraryPath string `json:"library_path"`
	IsLoaded    bool   `json:"is_loaded"`
}

type loadedEngine struct {
	plugin      *plugin.Plugin
	createFunc  CreateInferenceEngineFunc
	destroyFunc DestroyInferenceEngineFunc
	info        EngineInfo
}

// Loader manages the configured and currently-loaded backend plugins.
type Loader struct {
	log logging.Logger

	mu        sync.RWMutex
	available map[string]EngineInfo
	loaded    map[string]*loadedEngine
	lastError string
}

// New constructs an empty Loader.
func New(log logging.Logger) *Loader {
	return &Loader{
		log:       logging.NewComponentLogger(log, "backendloader"),
		available: make(map[string]EngineInfo),
		loaded:    make(map[string]*loadedEngine),
	}
}

// Configure registers the set of available engines (from config). It
// replaces any previous configuration; engines already loaded are left
// loaded even if dropped from the new configuration, matching the source's
// "configure does not implicitly unload" behavior.
func (l *Loader) Configure(engines []EngineInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.available = make(map[string]EngineInfo, len(engines))
	for _, e := range engines {
		l.available[e.Name] = e
	}
}

// AddAvailable registers a single additional backend at runtime ("POST
// /inference-engines"). It returns an error if name is already configured,
// leaving the existing entry untouched.
func (l *Loader) AddAvailable(info EngineInfo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.available[info.Name]; exists {
		return fmt.Errorf("backend %q is already registered", info.Name)
	}
	l.available[info.Name] = info
	return nil
}

// Available returns the configured engines, reflecting current load state.
func (l *Loader) Available() []EngineInfo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]EngineInfo, 0, len(l.available))
	for name, info := range l.available {
		info.IsLoaded = l.loaded[name] != nil
		out = append(out, info)
	}
	return out
}

// AvailableNames returns the configured engine names only.
func (l *Loader) AvailableNames() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.available))
	for name := range l.available {
		names = append(names, name)
	}
	return names
}

// IsEngineLoaded reports whether name's shared library is currently bound.
func (l *Loader) IsEngineLoaded(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded[name] != nil
}

// LastError returns the most recent load/unload error message.
func (l *Loader) LastError() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastError
}

func (l *Loader) setLastError(err error) {
	l.mu.Lock()
	l.lastError = err.Error()
	l.mu.Unlock()
}

// LoadEngine binds the shared library for name, looking up both ABI
// symbols. It is idempotent: loading an already-loaded engine is a no-op.
func (l *Loader) LoadEngine(name string) error {
	l.mu.Lock()
	if existing, ok := l.loaded[name]; ok && existing != nil {
		l.mu.Unlock()
		return nil
	}
	info, ok := l.available[name]
	l.mu.Unlock()
	if !ok {
		err := fmt.Errorf("backend %q is not configured (known backends: %v; hint: check %v)", name, l.AvailableNames(), DefaultSearchPaths())
		l.setLastError(err)
		return err
	}

	le, err := l.bind(info)
	if err != nil {
		l.setLastError(err)
		return err
	}

	l.mu.Lock()
	l.loaded[name] = le
	l.mu.Unlock()
	l.log.WithField("backend", name).Info("backend plugin loaded")
	return nil
}

// bind performs the actual plugin.Open/Lookup dance, trapping any panic
// raised by plugin initialization so it never crosses into the caller —
// the Go equivalent of the source's "exceptions must not cross the ABI
// seam" requirement.
func (l *Loader) bind(info EngineInfo) (le *loadedEngine, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(fmt.Errorf("panic: %v", r), "load backend plugin %s", info.LibraryPath)
		}
	}()

	p, openErr := plugin.Open(info.LibraryPath)
	if openErr != nil {
		return nil, errors.Wrapf(openErr, "open backend plugin %s", info.LibraryPath)
	}

	createSym, lookupErr := p.Lookup(createSymbolName)
	if lookupErr != nil {
		return nil, errors.Wrapf(lookupErr, "lookup %s in %s", createSymbolName, info.LibraryPath)
	}
	createFunc, ok := createSym.(func() Engine)
	if !ok {
		return nil, fmt.Errorf("%s: symbol %s has unexpected signature", info.LibraryPath, createSymbolName)
	}

	destroySym, lookupErr := p.Lookup(destroySymbolName)
	if lookupErr != nil {
		return nil, errors.Wrapf(lookupErr, "lookup %s in %s", destroySymbolName, info.LibraryPath)
	}
	destroyFunc, ok := destroySym.(func(Engine))
	if !ok {
		return nil, fmt.Errorf("%s: symbol %s has unexpected signature", info.LibraryPath, destroySymbolName)
	}

	info.IsLoaded = true
	return &loadedEngine{
		plugin:      p,
		createFunc:  CreateInferenceEngineFunc(createFunc),
		destroyFunc: DestroyInferenceEngineFunc(destroyFunc),
		info:        info,
	}, nil
}

// UnloadEngine drops the Loader's reference to name's factory functions.
// The Go plugin package offers no dlclose equivalent: the shared object
// stays mapped for the process lifetime, matching upstream Go's documented
// plugin limitation. Callers only lose the ability to create new instances;
// existing Engine instances created before unload remain valid until they
// are individually released by the caller via DestroyInferenceEngineFunc.
func (l *Loader) UnloadEngine(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[name]; !ok {
		return fmt.Errorf("backend %q is not loaded", name)
	}
	delete(l.loaded, name)
	l.log.WithField("backend", name).Info("backend plugin unloaded")
	return nil
}

// CreateEngineInstance creates a new Engine instance from an already-loaded
// backend, trapping any panic raised by the plugin's factory function.
func (l *Loader) CreateEngineInstance(name string) (engine Engine, destroy func(), err error) {
	l.mu.RLock()
	le, ok := l.loaded[name]
	l.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("backend %q is not loaded", name)
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(fmt.Errorf("panic: %v", r), "create instance of backend %s", name)
		}
	}()

	instance := le.createFunc()
	if instance == nil {
		return nil, nil, fmt.Errorf("backend %q factory returned nil", name)
	}
	return instance, func() { le.destroyFunc(instance) }, nil
}

// DefaultSearchPaths mirrors node_manager.cpp's findPluginsDirectory
// conventional plugin install locations, surfaced only to produce a
// friendlier "backend not found" error: explicit configuration via
// Configure is the only supported loading path.
func DefaultSearchPaths() []string {
	var paths []string
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), "plugins"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".kolosal", "plugins"))
	}
	paths = append(paths, "/usr/lib/kolosal/plugins", "./plugins")
	return paths
}
