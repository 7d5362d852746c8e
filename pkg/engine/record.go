// Package engine implements the engine registry and lifecycle coordinator:
// EngineRecord storage, add/register/get/remove, and lazy-loading with
// per-record waiter coordination.
package engine

import (
	"sync"
	"time"

	"github.com/kolosal/kolosal-server/pkg/backendloader"
)

// State is an EngineRecord's lifecycle stage.
type State string

const (
	StateRegistered       State = "registered"
	StateLoading          State = "loading"
	StateLoaded           State = "loaded"
	StateUnloaded         State = "unloaded"
	StateMarkedForRemoval State = "marked_for_removal"
)

// LoadParams is the opaque numeric-knob struct carried by an EngineRecord.
type LoadParams struct {
	ContextLength int
	BatchSize     int
	Parallelism   int
	GPULayers     int
	UseMemoryLock bool
	TensorSplit   []float64
	ExtraFlags    string
}

// Record is the central EngineRecord entity. Every field access outside of
// construction must hold mu.
type Record struct {
	ID          string
	ModelPath   string
	BackendName string
	LoadParams  LoadParams
	MainGPUID   int
	IsEmbedding bool

	mu            sync.Mutex
	cond          *sync.Cond
	state         State
	lastActivity  time.Time
	engine        backendloader.Engine
	destroyEngine func()
	markedRemoval bool
}

func newRecord(id, modelPath, backendName string, params LoadParams, gpuID int, isEmbedding bool, state State) *Record {
	r := &Record{
		ID:           id,
		ModelPath:    modelPath,
		BackendName:  backendName,
		LoadParams:   params,
		MainGPUID:    gpuID,
		IsEmbedding:  isEmbedding,
		state:        state,
		lastActivity: time.Now(),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// State returns the record's current lifecycle stage.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LastActivity returns the record's activity timestamp: set when the record
// is created and refreshed by every Get on a non-removed record, before the
// outcome of any lazy load is known.
func (r *Record) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// HasEngine reports whether a live backend handle is currently attached.
func (r *Record) HasEngine() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine != nil
}

// Snapshot is a read-only view of a Record safe to hand to HTTP handlers.
type Snapshot struct {
	ID           string
	ModelPath    string
	BackendName  string
	LoadParams   LoadParams
	MainGPUID    int
	IsEmbedding  bool
	State        State
	LastActivity time.Time
	Loaded       bool
}

// Snapshot returns a consistent point-in-time copy of r.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:           r.ID,
		ModelPath:    r.ModelPath,
		BackendName:  r.BackendName,
		LoadParams:   r.LoadParams,
		MainGPUID:    r.MainGPUID,
		IsEmbedding:  r.IsEmbedding,
		State:        r.state,
		LastActivity: r.lastActivity,
		Loaded:       r.engine != nil,
	}
}
