package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/kolosal/kolosal-server/pkg/autoscaler"
	"github.com/kolosal/kolosal-server/pkg/backendloader"
	"github.com/kolosal/kolosal-server/pkg/config"
	"github.com/kolosal/kolosal-server/pkg/download"
	"github.com/kolosal/kolosal-server/pkg/ggufcheck"
	"github.com/kolosal/kolosal-server/pkg/gpu"
	"github.com/kolosal/kolosal-server/pkg/logging"
	"github.com/kolosal/kolosal-server/pkg/sysmem"
)

// URLResolver turns a remote model URL into a local file path, blocking
// until the file is present (synchronous resolution) — used by add/register
// when the caller supplies a URL instead of a local path. The async
// download-with-engine flow (pkg/download) is the alternative for callers
// that would rather not block.
type URLResolver interface {
	ResolveSync(ctx context.Context, engineID, modelURL string) (localPath string, err error)
}

// engineLoader is the subset of *backendloader.Loader the coordinator
// depends on. Extracting it lets tests substitute a load-counting fake
// instead of binding a real OS-level plugin.
type engineLoader interface {
	AvailableNames() []string
	IsEngineLoaded(name string) bool
	LoadEngine(name string) error
	CreateEngineInstance(name string) (backendloader.Engine, func(), error)
	Available() []backendloader.EngineInfo
}

// Coordinator adds/registers/gets/removes engines, resolving URLs through a
// URLResolver and lazily loading through a backendloader.Loader.
type Coordinator struct {
	log logging.Logger

	registry    *registry
	loader      engineLoader
	resolver    URLResolver
	gpuCapability gpu.Capability

	defaultBackend string

	wake chan struct{}
}

// New constructs a Coordinator. resolver may be nil if URL models are never
// used. defaultBackend is the configured default_backend (may be empty, in
// which case the gpu fallback rules apply).
func New(log logging.Logger, loader engineLoader, resolver URLResolver, defaultBackend string) *Coordinator {
	return &Coordinator{
		log:            logging.NewComponentLogger(log, "engine"),
		registry:       newRegistry(),
		loader:         loader,
		resolver:       resolver,
		gpuCapability:  gpu.Probe(),
		defaultBackend: defaultBackend,
		wake:           make(chan struct{}, 1),
	}
}

// WakeCh is consumed by the autoscaler: a send happens whenever an engine is
// added, removed, or otherwise becomes newly relevant to an idle-eviction
// decision.
func (c *Coordinator) WakeCh() <-chan struct{} {
	return c.wake
}

func (c *Coordinator) notifyWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func isURL(path string) bool {
	u, err := url.Parse(path)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// ValidateModelPath reports whether modelPath (a local path, directory, or
// URL) is usable. For URLs, it issues a HEAD request and requires 200 with a
// non-zero Content-Length. A directory must directly contain at least one
// ".gguf" file.
func (c *Coordinator) ValidateModelPath(ctx context.Context, modelPath string) bool {
	if isURL(modelPath) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, modelPath, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK && resp.ContentLength > 0
	}

	info, err := os.Stat(modelPath)
	if err != nil {
		return false
	}
	if info.IsDir() {
		entries, err := os.ReadDir(modelPath)
		if err != nil {
			return false
		}
		for _, e := range entries {
			if !e.IsDir() && ggufcheck.IsGGUFPath(e.Name()) {
				return true
			}
		}
		return false
	}
	return !info.IsDir()
}

// resolveBackendName applies the default-backend-selection rule: an explicit
// request wins, then the coordinator's configured default, then GPU-aware
// fallback selection.
func (c *Coordinator) resolveBackendName(requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	if c.defaultBackend != "" {
		return c.defaultBackend, nil
	}
	name, ok := gpu.SelectFallbackBackend(c.loader.AvailableNames(), c.gpuCapability)
	if !ok {
		return "", fmt.Errorf("no inference backend available")
	}
	return name, nil
}

// resolvePath turns modelPath into a local filesystem path, resolving
// through the URLResolver when it is a remote URL.
func (c *Coordinator) resolvePath(ctx context.Context, engineID, modelPath string) (string, error) {
	if !isURL(modelPath) {
		return modelPath, nil
	}
	if c.resolver == nil {
		return "", fmt.Errorf("engine %q: model path is a URL but no resolver is configured", engineID)
	}
	local, err := c.resolver.ResolveSync(ctx, engineID, modelPath)
	if err != nil {
		return "", fmt.Errorf("resolve url for engine %q: %w", engineID, err)
	}
	return local, nil
}

// gpuLayersAllOverride is the literal n_gpu_layers value substituted for a
// non-positive caller-supplied value on GPU-class backends, matching
// node_manager.cpp's addEngine/addEmbeddingEngine exactly (not a symbolic
// sentinel — the original hardcodes 100).
const gpuLayersAllOverride = 100

// applyGPUOverride overrides a non-positive gpu_layers to
// gpuLayersAllOverride ("all layers") on GPU-class backends. Never applied
// to cpu or other non-GPU-class backends.
func applyGPUOverride(backendName string, params LoadParams) LoadParams {
	if gpu.IsGPUClassBackend(backendName) && params.GPULayers <= 0 {
		params.GPULayers = gpuLayersAllOverride
	}
	return params
}

// loadBackendEngine ensures backendName is loaded and creates a fresh
// instance, loading modelPath into it. It is the shared core of Add/
// AddEmbedding/Get's lazy-load path.
func (c *Coordinator) loadBackendEngine(backendName, modelPath string, params LoadParams, gpuID int, isEmbedding bool) (eng backendloader.Engine, destroy func(), err error) {
	c.warnIfMemoryTight(backendName, modelPath)

	if !c.loader.IsEngineLoaded(backendName) {
		if loadErr := c.loader.LoadEngine(backendName); loadErr != nil {
			return nil, nil, fmt.Errorf("load backend %q: %w", backendName, loadErr)
		}
	}

	instance, destroyFn, err := c.loader.CreateEngineInstance(backendName)
	if err != nil {
		return nil, nil, fmt.Errorf("create backend instance %q: %w", backendName, err)
	}

	loadParams := map[string]any{
		"n_ctx":        params.ContextLength,
		"n_batch":      params.BatchSize,
		"n_parallel":   params.Parallelism,
		"gpu_layers":   params.GPULayers,
		"use_mlock":    params.UseMemoryLock,
		"tensor_split": params.TensorSplit,
		"extra_flags":  params.ExtraFlags,
		"main_gpu_id":  gpuID,
	}

	load := instance.LoadModel
	if isEmbedding {
		load = instance.LoadEmbeddingModel
	}
	if loadErr := load(modelPath, loadParams); loadErr != nil {
		_ = instance.UnloadModel()
		destroyFn()
		return nil, nil, fmt.Errorf("load model %q into backend %q: %w", modelPath, backendName, loadErr)
	}
	return instance, destroyFn, nil
}

// warnIfMemoryTight logs a warning when modelPath's on-disk size exceeds
// currently available host memory. It never blocks a load: the allocator
// that actually matters lives inside the backend plugin, this is only an
// early signal for an operator watching logs.
func (c *Coordinator) warnIfMemoryTight(backendName, modelPath string) {
	if gpu.IsGPUClassBackend(backendName) {
		return
	}

	var required uint64
	for _, shard := range ggufcheck.DiscoverShards(modelPath) {
		fi, statErr := os.Stat(shard)
		if statErr != nil {
			return
		}
		required += uint64(fi.Size())
	}

	info, err := sysmem.Query()
	if err != nil {
		return
	}
	if !sysmem.FitsInMemory(info, required) {
		c.log.WithField("model_path", modelPath).
			WithField("required_bytes", required).
			WithField("available_bytes", info.AvailableBytes).
			Warn("model file size exceeds available host memory")
	}
}

// Add validates, resolves, loads, and inserts a new engine record.
func (c *Coordinator) Add(ctx context.Context, id, modelPath string, params LoadParams, gpuID int, backendName string) error {
	return c.addOrRegister(ctx, id, modelPath, params, gpuID, backendName, false, true)
}

// AddEmbedding is Add for the embedding backend entry point.
func (c *Coordinator) AddEmbedding(ctx context.Context, id, modelPath string, params LoadParams, gpuID int, backendName string) error {
	return c.addOrRegister(ctx, id, modelPath, params, gpuID, backendName, true, true)
}

// Register creates a Registered record without loading — it skips backend
// load steps, unlike effectiveParams computed by add/addEmbedding. Register
// intentionally persists the
// caller's params unchanged; the GPU-layer override is only meaningful once
// a backend is actually instantiated, which for a registered record happens
// later inside Get's lazy-load path (itself sharing Add's override logic).
func (c *Coordinator) Register(ctx context.Context, id, modelPath string, params LoadParams, gpuID int, backendName string) error {
	return c.addOrRegister(ctx, id, modelPath, params, gpuID, backendName, false, false)
}

// RegisterEmbedding is Register for the embedding backend entry point.
func (c *Coordinator) RegisterEmbedding(ctx context.Context, id, modelPath string, params LoadParams, gpuID int, backendName string) error {
	return c.addOrRegister(ctx, id, modelPath, params, gpuID, backendName, true, false)
}

func (c *Coordinator) addOrRegister(ctx context.Context, id, modelPath string, params LoadParams, gpuID int, backendName string, isEmbedding, loadNow bool) error {
	if _, exists := c.registry.lookup(id); exists {
		return fmt.Errorf("engine %q already exists", id)
	}

	if err := validateExtraFlags(params.ExtraFlags); err != nil {
		return err
	}

	if !c.ValidateModelPath(ctx, modelPath) {
		return fmt.Errorf("model path %q is not valid", modelPath)
	}

	actualPath, err := c.resolvePath(ctx, id, modelPath)
	if err != nil {
		return err
	}

	resolvedBackend, err := c.resolveBackendName(backendName)
	if err != nil {
		return err
	}

	if !loadNow {
		rec := newRecord(id, actualPath, resolvedBackend, params, gpuID, isEmbedding, StateRegistered)
		if _, inserted := c.registry.insertIfAbsent(id, rec); !inserted {
			return fmt.Errorf("engine %q was added by another goroutine", id)
		}
		c.persist(id, actualPath, params, gpuID, resolvedBackend, false)
		c.notifyWake()
		return nil
	}

	effectiveParams := applyGPUOverride(resolvedBackend, params)
	instance, destroy, err := c.loadBackendEngine(resolvedBackend, actualPath, effectiveParams, gpuID, isEmbedding)
	if err != nil {
		return err
	}

	rec := newRecord(id, actualPath, resolvedBackend, effectiveParams, gpuID, isEmbedding, StateLoaded)
	rec.engine = instance
	rec.destroyEngine = destroy
	rec.lastActivity = time.Now()

	if _, inserted := c.registry.insertIfAbsent(id, rec); !inserted {
		destroy()
		return fmt.Errorf("engine %q was added by another goroutine", id)
	}

	c.log.WithField("engine_id", id).WithField("backend", resolvedBackend).Info("engine loaded")
	c.persist(id, actualPath, effectiveParams, gpuID, resolvedBackend, true)
	c.notifyWake()
	return nil
}

func (c *Coordinator) persist(id, modelPath string, params LoadParams, gpuID int, backendName string, loadImmediately bool) {
	if !config.SaveAllowed() {
		return
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		c.log.WithError(err).Warn("failed to load config before persisting model entry")
		return
	}
	entry := config.ModelEntry{
		ModelID:         id,
		ModelPath:       modelPath,
		BackendName:     backendName,
		MainGPUID:       gpuID,
		LoadImmediately: loadImmediately,
		LoadParams: config.LoadParams{
			ContextLength: params.ContextLength,
			BatchSize:     params.BatchSize,
			Parallelism:   params.Parallelism,
			GPULayers:     params.GPULayers,
			UseMemoryLock: params.UseMemoryLock,
			TensorSplit:   params.TensorSplit,
			ExtraFlags:    params.ExtraFlags,
		},
	}
	replaced := false
	for i, existing := range cfg.Models {
		if existing.ModelID == id {
			cfg.Models[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		cfg.Models = append(cfg.Models, entry)
	}
	if err := config.SaveConfig(cfg); err != nil {
		c.log.WithError(err).Warn("failed to persist model entry")
	}
}

// Get lazily loads an Unloaded/Registered record, waits on Loading peers,
// and refreshes last_activity.
func (c *Coordinator) Get(ctx context.Context, id string) (backendloader.Engine, error) {
	rec, ok := c.registry.lookup(id)
	if !ok {
		return nil, fmt.Errorf("engine %q not found", id)
	}

	rec.mu.Lock()
	if rec.markedRemoval {
		rec.mu.Unlock()
		return nil, fmt.Errorf("engine %q not found", id)
	}
	rec.lastActivity = time.Now()

	switch rec.state {
	case StateLoaded:
		eng := rec.engine
		rec.mu.Unlock()
		c.notifyWake()
		return eng, nil

	case StateLoading:
		for rec.state == StateLoading {
			rec.cond.Wait()
		}
		defer rec.mu.Unlock()
		if rec.markedRemoval || rec.state != StateLoaded {
			return nil, fmt.Errorf("engine %q failed to load", id)
		}
		c.notifyWake()
		return rec.engine, nil

	default: // Registered or Unloaded: this goroutine performs the load.
		rec.state = StateLoading
		modelPath, backendName, params, gpuID, isEmbedding := rec.ModelPath, rec.BackendName, rec.LoadParams, rec.MainGPUID, rec.IsEmbedding
		rec.mu.Unlock()

		effectiveParams := applyGPUOverride(backendName, params)
		instance, destroy, err := c.loadBackendEngine(backendName, modelPath, effectiveParams, gpuID, isEmbedding)

		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.markedRemoval {
			if destroy != nil {
				destroy()
			}
			rec.state = StateMarkedForRemoval
			rec.engine = nil
			rec.cond.Broadcast()
			return nil, fmt.Errorf("engine %q not found", id)
		}
		if err != nil {
			rec.state = StateUnloaded
			rec.engine = nil
			rec.cond.Broadcast()
			return nil, fmt.Errorf("reload engine %q: %w", id, err)
		}

		rec.engine = instance
		rec.destroyEngine = destroy
		rec.LoadParams = effectiveParams
		rec.state = StateLoaded
		rec.cond.Broadcast()
		c.notifyWake()
		return instance, nil
	}
}

// GetStatus reports an engine's existence and load state without ever
// triggering a load or updating its activity timestamp.
func (c *Coordinator) GetStatus(id string) (exists bool, loaded bool) {
	rec, ok := c.registry.lookup(id)
	if !ok {
		return false, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.markedRemoval {
		return false, false
	}
	return true, rec.state == StateLoaded
}

// Remove erases id from the registry, unloading and destroying its backend
// instance first if one is loaded.
func (c *Coordinator) Remove(id string) error {
	rec, ok := c.registry.erase(id)
	if !ok {
		return fmt.Errorf("engine %q not found", id)
	}

	rec.mu.Lock()
	rec.markedRemoval = true
	if rec.state == StateLoaded && rec.engine != nil {
		if err := rec.engine.UnloadModel(); err != nil {
			c.log.WithError(err).WithField("engine_id", id).Warn("error unloading engine during removal")
		}
		if rec.destroyEngine != nil {
			rec.destroyEngine()
		}
		rec.engine = nil
	}
	rec.state = StateMarkedForRemoval
	rec.cond.Broadcast()
	rec.mu.Unlock()

	c.removeFromConfig(id)
	c.notifyWake()
	return nil
}

func (c *Coordinator) removeFromConfig(id string) {
	if !config.SaveAllowed() {
		return
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return
	}
	kept := cfg.Models[:0]
	for _, m := range cfg.Models {
		if m.ModelID != id {
			kept = append(kept, m)
		}
	}
	cfg.Models = kept
	_ = config.SaveConfig(cfg)
}

// ListIDs returns every non-removed engine ID known to the registry.
func (c *Coordinator) ListIDs() []string {
	return c.registry.listIDs()
}

// List returns a point-in-time Snapshot of every non-removed record, for
// the HTTP surface's "GET /models" listing.
func (c *Coordinator) List() []Snapshot {
	records := c.snapshotAll()
	out := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Snapshot())
	}
	return out
}

// Describe returns id's Snapshot without triggering a load, for "GET
// /models/{id}" and "GET /models/{id}/status".
func (c *Coordinator) Describe(id string) (Snapshot, bool) {
	rec, ok := c.registry.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	snap := rec.Snapshot()
	if snap.State == StateMarkedForRemoval {
		return Snapshot{}, false
	}
	return snap, true
}

// ListAvailableBackends returns every configured backend, loaded or not.
func (c *Coordinator) ListAvailableBackends() []backendloader.EngineInfo {
	return c.loader.Available()
}

// snapshotAll is used by the autoscaler to take its per-pass snapshot.
func (c *Coordinator) snapshotAll() []*Record {
	return c.registry.snapshotAll()
}

// EngineView is the autoscaler-facing view of one record's idle bookkeeping.
// It is an alias of autoscaler.EngineView so that Snapshot's result type
// matches autoscaler.Coordinator.
type EngineView = autoscaler.EngineView

// Snapshot implements autoscaler.Coordinator.
func (c *Coordinator) Snapshot() []EngineView {
	records := c.snapshotAll()
	views := make([]EngineView, 0, len(records))
	for _, rec := range records {
		snap := rec.Snapshot()
		views = append(views, EngineView{
			ID:           snap.ID,
			Loaded:       snap.Loaded,
			LastActivity: snap.LastActivity,
		})
	}
	return views
}

// Evict implements autoscaler.Coordinator: it looks up id fresh (the
// autoscaler's snapshot may be stale by the time it acts) and delegates to
// unloadIfIdle.
func (c *Coordinator) Evict(id string, idleTimeout time.Duration, now time.Time) (evicted bool, nextDeadline time.Time) {
	rec, ok := c.registry.lookup(id)
	if !ok {
		return false, time.Time{}
	}
	return c.unloadIfIdle(rec, idleTimeout, now)
}

// unloadIfIdle is invoked (through Evict) by the autoscaler for every Loaded
// record in its snapshot. It re-verifies state under the record lock before
// acting, since the record may have changed between the autoscaler's
// snapshot and this call, and unloads the record only once it has been idle
// for at least idleTimeout and has no active jobs.
func (c *Coordinator) unloadIfIdle(rec *Record, idleTimeout time.Duration, now time.Time) (unloaded bool, nextWake time.Time) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.state != StateLoaded || rec.engine == nil || rec.markedRemoval {
		return false, time.Time{}
	}

	idle := now.Sub(rec.lastActivity)
	if idle < idleTimeout {
		return false, rec.lastActivity.Add(idleTimeout)
	}

	if rec.engine.HasActiveJobs() {
		return false, now.Add(idleTimeout / 2)
	}

	if err := rec.engine.UnloadModel(); err != nil {
		c.log.WithError(err).WithField("engine_id", rec.ID).Warn("error unloading idle engine")
	}
	if rec.destroyEngine != nil {
		rec.destroyEngine()
	}
	rec.engine = nil
	rec.destroyEngine = nil
	rec.state = StateUnloaded
	return true, time.Time{}
}

// GetEngineStatus implements download.EngineCreator, letting the download
// manager short-circuit engine creation when the target already exists.
func (c *Coordinator) GetEngineStatus(modelID string) (exists bool, loaded bool) {
	return c.GetStatus(modelID)
}

// CreateEngine implements download.EngineCreator: it is invoked by the
// download manager after a model file has finished downloading to
// localPath, translating the manager's EngineParams into an Add call.
func (c *Coordinator) CreateEngine(params download.EngineParams, localPath string) error {
	loadParams := LoadParams{
		ContextLength: params.LoadParams.ContextLength,
		BatchSize:     params.LoadParams.BatchSize,
		Parallelism:   params.LoadParams.Parallelism,
		GPULayers:     params.LoadParams.GPULayers,
		UseMemoryLock: params.LoadParams.UseMemoryLock,
		TensorSplit:   params.LoadParams.TensorSplit,
		ExtraFlags:    params.LoadParams.ExtraFlags,
	}
	if !params.LoadImmediately {
		return c.Register(context.Background(), params.ModelID, localPath, loadParams, params.MainGPUID, params.InferenceEngine)
	}
	return c.Add(context.Background(), params.ModelID, localPath, loadParams, params.MainGPUID, params.InferenceEngine)
}
