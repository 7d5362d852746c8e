// Package download implements cancellable, pausable, resumable concurrent
// model downloads, optionally chained into engine creation.
package download

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/kolosal/kolosal-server/pkg/logging"
)

// Status is the lifecycle state of a DownloadProgress record.
type Status string

const (
	StatusDownloading          Status = "downloading"
	StatusPaused               Status = "paused"
	StatusCompleted            Status = "completed"
	StatusAlreadyComplete      Status = "already_complete"
	StatusFailed               Status = "failed"
	StatusCancelled            Status = "cancelled"
	StatusCreatingEngine       Status = "creating_engine"
	StatusEngineCreated        Status = "engine_created"
	StatusEngineCreationFailed Status = "engine_creation_failed"
	StatusEngineAlreadyExists  Status = "engine_already_exists"
)

func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusEngineCreated,
		StatusEngineCreationFailed, StatusAlreadyComplete, StatusEngineAlreadyExists:
		return true
	default:
		return false
	}
}

func (s Status) active() bool {
	switch s {
	case StatusDownloading, StatusPaused, StatusCreatingEngine:
		return true
	default:
		return false
	}
}

// Active reports whether s is a non-terminal, in-progress status. Exported
// for callers outside this package (e.g. pkg/httpapi) that need to decide
// whether a download can still be cancelled or paused.
func (s Status) Active() bool {
	return s.active()
}

// LoadParams mirrors the engine package's opaque numeric-knob struct.
type LoadParams struct {
	ContextLength int       `json:"n_ctx,omitempty"`
	BatchSize     int       `json:"n_batch,omitempty"`
	Parallelism   int       `json:"n_parallel,omitempty"`
	GPULayers     int       `json:"gpu_layers,omitempty"`
	UseMemoryLock bool      `json:"use_mlock,omitempty"`
	TensorSplit   []float64 `json:"tensor_split,omitempty"`
	ExtraFlags    string    `json:"extra_flags,omitempty"`
}

// EngineParams describes the engine to create once a download completes.
type EngineParams struct {
	ModelID         string     `json:"model_id"`
	LoadImmediately bool       `json:"load_immediately"`
	MainGPUID       int        `json:"main_gpu_id"`
	LoadParams      LoadParams `json:"load_params"`
	InferenceEngine string     `json:"inference_engine,omitempty"`
}

// EngineCreator is invoked after a successful download when EngineParams is
// non-nil. It is the seam into the engine registry and coordinator, kept
// abstract here so pkg/download does not import pkg/engine (which itself
// may want to trigger downloads).
type EngineCreator interface {
	GetEngineStatus(modelID string) (exists bool, loaded bool)
	CreateEngine(params EngineParams, localPath string) error
}

// Timing records the timestamps of a download's lifecycle.
type Timing struct {
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time,omitempty"`
}

// ProgressFields is the set of JSON-safe fields describing one download.
// It is returned by Snapshot so callers never touch Progress's internal
// synchronization state.
type ProgressFields struct {
	ModelID          string        `json:"model_id"`
	URL              string        `json:"url"`
	LocalPath        string        `json:"local_path"`
	TotalBytes       int64         `json:"total_bytes"`
	DownloadedBytes  int64         `json:"downloaded_bytes"`
	Percentage       float64       `json:"percentage"`
	Status           Status        `json:"status"`
	ErrorMessage     string        `json:"error_message,omitempty"`
	Timing           Timing        `json:"timing"`
	DownloadSpeedBps float64       `json:"download_speed_bps"`
	EngineParams     *EngineParams `json:"engine_creation,omitempty"`
}

// Progress is the internal, mutex-guarded record of one download.
type Progress struct {
	ProgressFields

	mu        sync.Mutex
	cond      *sync.Cond
	cancelled bool
	paused    bool
}

func newProgress(modelID, url, localPath string) *Progress {
	p := &Progress{
		ProgressFields: ProgressFields{
			ModelID:   modelID,
			URL:       url,
			LocalPath: localPath,
			Status:    StatusDownloading,
			Timing:    Timing{StartTime: time.Now()},
		},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Snapshot returns a copy safe to hand to callers (e.g. JSON encoders)
// without touching Progress's internal mutex/condition-variable state.
func (p *Progress) Snapshot() ProgressFields {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProgressFields
}

func (p *Progress) isCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

func (p *Progress) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Progress) setStatus(s Status) {
	p.mu.Lock()
	p.Status = s
	if s.terminal() {
		p.Timing.EndTime = time.Now()
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// clampPercentage reproduces the source's defensive clamp: NaN/Inf/out-of-
// range percentages are coerced into [0, 100] rather than propagated.
func clampPercentage(pct float64) float64 {
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0
	}
	return pct
}

// milestone returns the 10%-rounded-down bucket of pct, used to throttle
// progress logging to once per decile.
func milestone(pct float64) int {
	return int(pct/10) * 10
}

// Manager tracks and drives every in-flight and completed download.
type Manager struct {
	log    logging.Logger
	client *http.Client

	mu               sync.Mutex
	downloads        map[string]*Progress
	lastMilestone    map[string]int
	wg               sync.WaitGroup
	creator          EngineCreator
}

// New constructs a Manager. creator may be nil if engine-creation chaining
// is not needed (e.g. in tests).
func New(log logging.Logger, creator EngineCreator) *Manager {
	return &Manager{
		log:           logging.NewComponentLogger(log, "download"),
		client:        &http.Client{},
		downloads:     make(map[string]*Progress),
		lastMilestone: make(map[string]int),
		creator:       creator,
	}
}

// StartDownload begins a plain download with no engine-creation chaining.
func (m *Manager) StartDownload(ctx context.Context, modelID, url, localPath string) error {
	return m.start(ctx, modelID, url, localPath, nil)
}

// StartDownloadWithEngine begins a download that, on success, triggers
// engine creation via the configured EngineCreator.
//
// NOTE: the pre-flight "engine already exists" check below keys on
// engineParams.ModelID, not the modelID download-identity parameter. These
// are almost always equal but are not guaranteed to be — this mirrors the
// original startDownloadWithEngine's behavior exactly (a documented
// footgun, not a bug fix) since callers that pass mismatched ids get a
// synthesized EngineAlreadyExists record keyed on the wrong check.
func (m *Manager) StartDownloadWithEngine(ctx context.Context, modelID, url, localPath string, engineParams EngineParams) error {
	if m.creator != nil {
		if exists, _ := m.creator.GetEngineStatus(engineParams.ModelID); exists {
			m.mu.Lock()
			p := newProgress(modelID, url, localPath)
			p.EngineParams = &engineParams
			p.TotalBytes = 0
			p.DownloadedBytes = 0
			p.Percentage = 100
			p.Status = StatusEngineAlreadyExists
			p.Timing.EndTime = p.Timing.StartTime
			m.downloads[modelID] = p
			m.mu.Unlock()
			m.log.WithField("model_id", modelID).Info("engine already exists, skipping download")
			return nil
		}
	}
	return m.start(ctx, modelID, url, localPath, &engineParams)
}

func (m *Manager) start(ctx context.Context, modelID, url, localPath string, engineParams *EngineParams) error {
	m.mu.Lock()
	if existing, ok := m.downloads[modelID]; ok && existing.Status.active() {
		m.mu.Unlock()
		return fmt.Errorf("download for model %q already in progress (status=%s)", modelID, existing.Status)
	}
	p := newProgress(modelID, url, localPath)
	p.EngineParams = engineParams
	m.downloads[modelID] = p
	delete(m.lastMilestone, modelID)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runDownload(ctx, p)
	}()
	return nil
}

// runDownload performs the HTTP transfer for p, reporting progress and
// chaining into engine creation on success.
func (m *Manager) runDownload(ctx context.Context, p *Progress) {
	result, err := m.transfer(ctx, p)
	if p.isCancelled() {
		p.setStatus(StatusCancelled)
		return
	}
	if err != nil {
		p.mu.Lock()
		p.ErrorMessage = err.Error()
		p.mu.Unlock()
		p.setStatus(StatusFailed)
		m.log.WithError(err).WithField("model_id", p.ModelID).Error("download failed")
		return
	}

	if result.alreadyComplete {
		p.mu.Lock()
		p.Percentage = 100
		p.mu.Unlock()
		p.setStatus(StatusAlreadyComplete)
	} else {
		p.setStatus(StatusCompleted)
	}

	if p.EngineParams == nil || m.creator == nil {
		return
	}
	m.createEngineAfterDownload(p)
}

type transferResult struct {
	alreadyComplete bool
}

// transfer performs the resumable HTTP GET. It HEADs for the total size,
// then issues a Range request starting at the current local file length.
func (m *Manager) transfer(ctx context.Context, p *Progress) (transferResult, error) {
	if err := os.MkdirAll(filepath.Dir(p.LocalPath), 0o755); err != nil {
		return transferResult{}, fmt.Errorf("create directory: %w", err)
	}

	var existingSize int64
	if fi, err := os.Stat(p.LocalPath); err == nil {
		existingSize = fi.Size()
	}

	headReq, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return transferResult{}, err
	}
	headResp, err := m.client.Do(headReq)
	if err == nil {
		headResp.Body.Close()
	}
	var totalSize int64
	if headResp != nil && headResp.ContentLength > 0 {
		totalSize = headResp.ContentLength
	}

	if totalSize > 0 && existingSize == totalSize {
		p.mu.Lock()
		p.TotalBytes = totalSize
		p.DownloadedBytes = totalSize
		p.mu.Unlock()
		return transferResult{alreadyComplete: true}, nil
	}

	if totalSize > 0 && existingSize > totalSize {
		// The local file is larger than the remote Content-Length: it's
		// corrupt or stale, not resumable. Discard it and restart the
		// transfer from scratch rather than trusting a partial range.
		if err := os.Remove(p.LocalPath); err != nil && !os.IsNotExist(err) {
			return transferResult{}, fmt.Errorf("remove corrupt local file: %w", err)
		}
		existingSize = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return transferResult{}, err
	}
	if existingSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return transferResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return transferResult{}, fmt.Errorf("unexpected status %d downloading %s", resp.StatusCode, p.URL)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resp.StatusCode == http.StatusPartialContent {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
		existingSize = 0
	}
	f, err := os.OpenFile(p.LocalPath, flags, 0o644)
	if err != nil {
		return transferResult{}, fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	if totalSize == 0 {
		totalSize = existingSize + resp.ContentLength
	}
	p.mu.Lock()
	p.TotalBytes = totalSize
	p.DownloadedBytes = existingSize
	p.mu.Unlock()

	pr := &progressReportingReader{
		reader:    resp.Body,
		progress:  p,
		manager:   m,
		total:     totalSize,
		read:      existingSize,
		startedAt: time.Now(),
	}

	if _, err := io.Copy(f, pr); err != nil {
		if p.isCancelled() {
			return transferResult{}, context.Canceled
		}
		return transferResult{}, fmt.Errorf("write local file: %w", err)
	}
	return transferResult{}, nil
}

// progressReportingReader wraps the response body, honoring pause/cancel
// signals and updating p's downloaded-bytes/percentage/speed on every read,
// logging once per 10% milestone.
type progressReportingReader struct {
	reader    io.Reader
	progress  *Progress
	manager   *Manager
	total     int64
	read      int64
	startedAt time.Time
}

func (r *progressReportingReader) Read(buf []byte) (int, error) {
	for r.progress.isPaused() {
		if r.progress.isCancelled() {
			return 0, context.Canceled
		}
		time.Sleep(200 * time.Millisecond)
	}
	if r.progress.isCancelled() {
		return 0, context.Canceled
	}

	n, err := r.reader.Read(buf)
	if n > 0 {
		r.read += int64(n)
		var pct float64
		if r.total > 0 {
			pct = clampPercentage(float64(r.read) / float64(r.total) * 100)
		}
		elapsed := time.Since(r.startedAt).Seconds()
		var speed float64
		if elapsed > 0 {
			speed = float64(r.read) / elapsed
		}

		r.progress.mu.Lock()
		r.progress.DownloadedBytes = r.read
		r.progress.Percentage = pct
		r.progress.DownloadSpeedBps = speed
		r.progress.mu.Unlock()

		r.manager.mu.Lock()
		current := milestone(pct)
		last := r.manager.lastMilestone[r.progress.ModelID]
		shouldLog := current != last && current > 0
		if shouldLog {
			r.manager.lastMilestone[r.progress.ModelID] = current
		}
		r.manager.mu.Unlock()

		if shouldLog {
			r.manager.log.WithField("model_id", r.progress.ModelID).Infof(
				"download progress: %d%% (%s/%s)", current,
				units.HumanSize(float64(r.read)), units.HumanSize(float64(r.total)))
		}
	}
	return n, err
}

func (m *Manager) createEngineAfterDownload(p *Progress) {
	if exists, _ := m.creator.GetEngineStatus(p.EngineParams.ModelID); exists {
		p.setStatus(StatusEngineAlreadyExists)
		return
	}

	p.setStatus(StatusCreatingEngine)
	if err := m.creator.CreateEngine(*p.EngineParams, p.LocalPath); err != nil {
		p.mu.Lock()
		p.ErrorMessage = err.Error()
		p.mu.Unlock()
		p.setStatus(StatusEngineCreationFailed)
		m.log.WithError(err).WithField("model_id", p.ModelID).Error("engine creation after download failed")
		return
	}
	p.setStatus(StatusEngineCreated)
}

// GetDownloadProgress returns a snapshot of modelID's download, if any.
func (m *Manager) GetDownloadProgress(modelID string) (ProgressFields, bool) {
	m.mu.Lock()
	p, ok := m.downloads[modelID]
	m.mu.Unlock()
	if !ok {
		return ProgressFields{}, false
	}
	return p.Snapshot(), true
}

// IsDownloadInProgress reports whether modelID is actively downloading.
func (m *Manager) IsDownloadInProgress(modelID string) bool {
	m.mu.Lock()
	p, ok := m.downloads[modelID]
	m.mu.Unlock()
	return ok && p.Status == StatusDownloading
}

// CancelDownload cancels an active or paused download.
func (m *Manager) CancelDownload(modelID string) bool {
	m.mu.Lock()
	p, ok := m.downloads[modelID]
	m.mu.Unlock()
	if !ok || !p.Status.active() {
		return false
	}
	p.mu.Lock()
	p.cancelled = true
	p.paused = false
	p.mu.Unlock()
	p.cond.Broadcast()
	return true
}

// PauseDownload pauses an active download.
func (m *Manager) PauseDownload(modelID string) bool {
	m.mu.Lock()
	p, ok := m.downloads[modelID]
	m.mu.Unlock()
	if !ok || p.Status != StatusDownloading {
		return false
	}
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	p.setStatus(StatusPaused)
	return true
}

// ResumeDownload resumes a paused download.
func (m *Manager) ResumeDownload(modelID string) bool {
	m.mu.Lock()
	p, ok := m.downloads[modelID]
	m.mu.Unlock()
	if !ok || p.Status != StatusPaused {
		return false
	}
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	p.setStatus(StatusDownloading)
	p.cond.Broadcast()
	return true
}

// CancelAllDownloads cancels every active or paused download and returns the
// number cancelled.
func (m *Manager) CancelAllDownloads() int {
	m.mu.Lock()
	var targets []*Progress
	for _, p := range m.downloads {
		if p.Status.active() {
			targets = append(targets, p)
		}
	}
	m.mu.Unlock()

	for _, p := range targets {
		p.mu.Lock()
		p.cancelled = true
		p.paused = false
		p.mu.Unlock()
		p.cond.Broadcast()
	}
	return len(targets)
}

// WaitForAllDownloads blocks until every spawned download goroutine has
// returned, used during shutdown.
func (m *Manager) WaitForAllDownloads() {
	m.wg.Wait()
}

// GetAllActiveDownloads returns a snapshot of every tracked download.
func (m *Manager) GetAllActiveDownloads() map[string]ProgressFields {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ProgressFields, len(m.downloads))
	for id, p := range m.downloads {
		out[id] = p.Snapshot()
	}
	return out
}

// CleanupOldDownloads drops terminal-state records older than maxAge.
func (m *Manager) CleanupOldDownloads(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, p := range m.downloads {
		snap := p.Snapshot()
		if snap.Status.terminal() && snap.Timing.EndTime.Before(cutoff) {
			delete(m.downloads, id)
			delete(m.lastMilestone, id)
			removed++
		}
	}
	return removed
}
