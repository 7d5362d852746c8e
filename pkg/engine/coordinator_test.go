package engine

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kolosal/kolosal-server/pkg/backendloader"
	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/stretchr/testify/require"
)

func newTestLogger() logging.Logger {
	return logging.NewSlogLogger(slog.LevelError, nil)
}

// fakeEngine is an in-memory backendloader.Engine stand-in; it never binds
// a real plugin, so tests exercise the coordinator's own logic only.
type fakeEngine struct {
	loaded bool
	busy   bool
}

func (e *fakeEngine) LoadModel(modelPath string, params map[string]any) error {
	e.loaded = true
	return nil
}
func (e *fakeEngine) LoadEmbeddingModel(modelPath string, params map[string]any) error {
	e.loaded = true
	return nil
}
func (e *fakeEngine) UnloadModel() error  { e.loaded = false; return nil }
func (e *fakeEngine) IsModelLoaded() bool { return e.loaded }
func (e *fakeEngine) HasActiveJobs() bool { return e.busy }

// countingLoader is an engineLoader stand-in that never binds a real plugin:
// CreateEngineInstance hands back a fresh *fakeEngine each call while
// tracking how many times a backend was actually (re-)loaded, so tests can
// assert Coordinator.Get's lazy-load path runs the load exactly once under
// concurrent callers.
type countingLoader struct {
	mu         sync.Mutex
	loadCalls  int
	loaded     bool
	createCalls int
}

func (l *countingLoader) AvailableNames() []string { return []string{"cpu"} }
func (l *countingLoader) IsEngineLoaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}
func (l *countingLoader) LoadEngine(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadCalls++
	l.loaded = true
	return nil
}
func (l *countingLoader) CreateEngineInstance(name string) (backendloader.Engine, func(), error) {
	l.mu.Lock()
	l.createCalls++
	l.mu.Unlock()
	eng := &fakeEngine{}
	return eng, func() {}, nil
}
func (l *countingLoader) Available() []backendloader.EngineInfo { return nil }

func newTestModelFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "model.gguf")
	require.NoError(t, os.WriteFile(path, []byte("fake gguf contents"), 0o644))
	return path
}

func TestApplyGPUOverride_OnlyGPUClassBackends(t *testing.T) {
	cases := []struct {
		backend string
		in, want int
	}{
		{"llama-vulkan", 0, gpuLayersAllOverride},
		{"llama-cuda", -1, gpuLayersAllOverride},
		{"llama-metal", 0, gpuLayersAllOverride},
		{"cpu", 0, 0},
		{"cpu", -5, -5},
		{"llama-vulkan", 20, 20},
	}
	for _, tc := range cases {
		got := applyGPUOverride(tc.backend, LoadParams{GPULayers: tc.in})
		require.Equal(t, tc.want, got.GPULayers, "backend=%s in=%d", tc.backend, tc.in)
	}
}

// TestRegister_DoesNotApplyGPUOverride is the Open Question #1 regression
// test: register() must persist the caller's gpu_layers unchanged, unlike
// add()/addEmbedding(), because no backend instance is created at register
// time to receive an overridden value.
func TestRegister_DoesNotApplyGPUOverride(t *testing.T) {
	modelPath := newTestModelFile(t)
	loader := backendloader.New(newTestLogger())
	coord := New(newTestLogger(), loader, nil, "")

	err := coord.Register(context.Background(), "m1", modelPath, LoadParams{GPULayers: 0}, 0, "llama-vulkan")
	require.NoError(t, err)

	rec, ok := coord.registry.lookup("m1")
	require.True(t, ok)
	snap := rec.Snapshot()
	require.Equal(t, StateRegistered, snap.State)
	require.Equal(t, 0, snap.LoadParams.GPULayers, "register must not apply the gpu_layers override")
}

func TestValidateModelPath_LocalFile(t *testing.T) {
	modelPath := newTestModelFile(t)
	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")
	require.True(t, coord.ValidateModelPath(context.Background(), modelPath))
	require.False(t, coord.ValidateModelPath(context.Background(), filepath.Join(filepath.Dir(modelPath), "missing.gguf")))
}

func TestValidateModelPath_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
	}))
	defer srv.Close()

	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")
	require.True(t, coord.ValidateModelPath(context.Background(), srv.URL))
}

func TestGetStatus_UnknownEngine(t *testing.T) {
	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")
	exists, loaded := coord.GetStatus("nope")
	require.False(t, exists)
	require.False(t, loaded)
}

func TestRegisterThenDuplicateRejected(t *testing.T) {
	modelPath := newTestModelFile(t)
	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")

	require.NoError(t, coord.Register(context.Background(), "dup", modelPath, LoadParams{}, 0, "cpu"))
	err := coord.Register(context.Background(), "dup", modelPath, LoadParams{}, 0, "cpu")
	require.Error(t, err)
}

func TestRemove_UnknownEngine(t *testing.T) {
	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")
	require.Error(t, coord.Remove("nope"))
}

func TestRemove_RegisteredEngine(t *testing.T) {
	modelPath := newTestModelFile(t)
	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")
	require.NoError(t, coord.Register(context.Background(), "r1", modelPath, LoadParams{}, 0, "cpu"))
	require.NoError(t, coord.Remove("r1"))

	exists, _ := coord.GetStatus("r1")
	require.False(t, exists)
}

func TestUnloadIfIdle_RespectsActiveJobs(t *testing.T) {
	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")
	rec := newRecord("busy", "/x.gguf", "cpu", LoadParams{}, 0, false, StateLoaded)
	eng := &fakeEngine{loaded: true, busy: true}
	rec.engine = eng
	rec.lastActivity = time.Now().Add(-time.Hour)

	unloaded, _ := coord.unloadIfIdle(rec, time.Minute, time.Now())
	require.False(t, unloaded, "must not unload while jobs are active")
	require.True(t, eng.loaded)
}

func TestUnloadIfIdle_UnloadsWhenIdle(t *testing.T) {
	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")
	rec := newRecord("idle", "/x.gguf", "cpu", LoadParams{}, 0, false, StateLoaded)
	eng := &fakeEngine{loaded: true}
	rec.engine = eng
	rec.lastActivity = time.Now().Add(-time.Hour)

	unloaded, _ := coord.unloadIfIdle(rec, time.Minute, time.Now())
	require.True(t, unloaded)
	require.False(t, eng.loaded)
	require.Equal(t, StateUnloaded, rec.State())
}

func TestUnloadIfIdle_NotYetIdle(t *testing.T) {
	coord := New(newTestLogger(), backendloader.New(newTestLogger()), nil, "")
	rec := newRecord("fresh", "/x.gguf", "cpu", LoadParams{}, 0, false, StateLoaded)
	rec.engine = &fakeEngine{loaded: true}
	rec.lastActivity = time.Now()

	unloaded, nextWake := coord.unloadIfIdle(rec, time.Minute, time.Now())
	require.False(t, unloaded)
	require.False(t, nextWake.IsZero())
}

// TestGet_ConcurrentCallersLoadExactlyOnce is the double-load-safety
// regression test: N goroutines racing Get against a freshly Registered
// record must trigger exactly one backend load, and every goroutine must
// come back with a usable handle.
func TestGet_ConcurrentCallersLoadExactlyOnce(t *testing.T) {
	const n = 50
	loader := &countingLoader{}
	coord := New(newTestLogger(), loader, nil, "")

	rec := newRecord("concurrent", "/x.gguf", "cpu", LoadParams{}, 0, false, StateRegistered)
	_, inserted := coord.registry.insertIfAbsent("concurrent", rec)
	require.True(t, inserted)

	var wg sync.WaitGroup
	results := make([]backendloader.Engine, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			eng, err := coord.Get(context.Background(), "concurrent")
			results[i] = eng
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
	}

	loader.mu.Lock()
	defer loader.mu.Unlock()
	require.Equal(t, 1, loader.loadCalls, "backend must be loaded exactly once across concurrent callers")
	require.Equal(t, 1, loader.createCalls, "exactly one engine instance must be created")
}
